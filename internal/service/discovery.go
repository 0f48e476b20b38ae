package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

const (
	DefaultDiscoveryDelay    = 2 * time.Second
	DefaultDiscoveryAttempts = 5
	DefaultDiscoveryRetries  = 10
)

// DiscoveryPolicy is a stepped backoff: MaxAttempts polls per cycle at a
// fixed delay, then the delay grows by InitialDelay for the next cycle, for
// at most MaxRetries cycles. Both counters are 1-based.
type DiscoveryPolicy struct {
	InitialDelay time.Duration
	MaxAttempts  int
	MaxRetries   int
}

func (p DiscoveryPolicy) withDefaults() DiscoveryPolicy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = DefaultDiscoveryDelay
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultDiscoveryAttempts
	}
	if p.MaxRetries <= 0 {
		p.MaxRetries = DefaultDiscoveryRetries
	}
	return p
}

func (p DiscoveryPolicy) First(instanceID string) model.DiscoveryAttempt {
	p = p.withDefaults()
	return model.DiscoveryAttempt{
		InstanceID:   instanceID,
		AttemptCount: 1,
		RetryCount:   1,
		CurrentDelay: p.InitialDelay,
	}
}

// Next returns the attempt that follows a miss, or false once the budget is spent.
func (p DiscoveryPolicy) Next(a model.DiscoveryAttempt) (model.DiscoveryAttempt, bool) {
	p = p.withDefaults()
	if a.AttemptCount < p.MaxAttempts {
		a.AttemptCount++
		return a, true
	}
	if a.RetryCount < p.MaxRetries {
		a.AttemptCount = 1
		a.RetryCount++
		a.CurrentDelay += p.InitialDelay
		return a, true
	}
	return a, false
}

// IdentityBinder completes the ONLINE transition once an identity is known.
type IdentityBinder interface {
	Connected(ctx context.Context, instanceID, mobile, token string) error
}

// Discovery polls the gateway for the account bound to an instance that came
// online without one. Each poll is a queue job that schedules its successor.
type Discovery struct {
	fetcher InstanceFetcher
	jobs    Enqueuer
	policy  DiscoveryPolicy
	now     func() time.Time
}

func NewDiscovery(fetcher InstanceFetcher, jobs Enqueuer, policy DiscoveryPolicy) *Discovery {
	return &Discovery{
		fetcher: fetcher,
		jobs:    jobs,
		policy:  policy.withDefaults(),
		now:     time.Now,
	}
}

// Launch schedules the first poll after the initial delay.
func (d *Discovery) Launch(ctx context.Context, instanceID string) error {
	return d.schedule(ctx, d.policy.First(instanceID))
}

// Poll performs one attempt. Only the first poll that finds an identity
// binds it; afterwards no further poll is scheduled.
func (d *Discovery) Poll(ctx context.Context, a model.DiscoveryAttempt, binder IdentityBinder) error {
	snap, err := d.fetcher.FetchInstance(ctx, a.InstanceID)
	switch {
	case errors.Is(err, client.ErrInstanceNotFound):
		slog.Warn("identity discovery stopped, instance gone", "instance", a.InstanceID)
		return nil
	case err != nil:
		slog.Warn("identity discovery poll failed", "instance", a.InstanceID,
			"attempt", a.AttemptCount, "retry", a.RetryCount, "error", err)
	case snap.Status == model.Online && snap.MobileNumber != "":
		slog.Info("identity discovered", "instance", a.InstanceID, "mobile", snap.MobileNumber,
			"attempt", a.AttemptCount, "retry", a.RetryCount)
		return binder.Connected(ctx, a.InstanceID, snap.MobileNumber, snap.Token)
	}

	next, ok := d.policy.Next(a)
	if !ok {
		slog.Warn("identity discovery gave up", "instance", a.InstanceID, "retries", a.RetryCount)
		return nil
	}
	return d.schedule(ctx, next)
}

func (d *Discovery) schedule(ctx context.Context, a model.DiscoveryAttempt) error {
	if _, err := d.jobs.Enqueue(ctx, KindDiscoverIdentity, a, d.now().Add(a.CurrentDelay)); err != nil {
		return fmt.Errorf("schedule identity discovery for %s: %w", a.InstanceID, err)
	}
	slog.Debug("identity discovery scheduled", "instance", a.InstanceID,
		"attempt", a.AttemptCount, "retry", a.RetryCount, "delay", a.CurrentDelay.String())
	return nil
}
