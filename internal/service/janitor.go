package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

const (
	DefaultCleanupSpec  = "0 0 * * *"
	DefaultRecoverySpec = "@every 5m"
	DefaultStuckAfter   = 10 * time.Minute
	unusedInstanceAge   = 24 * time.Hour
	defaultCleanupPause = time.Second
	stuckSendReason     = "delivery outcome never recorded"
)

type JanitorDeps struct {
	Gateway   InstanceLister
	Instances repo.InstanceRepository
	Messages  repo.MessageRepository
	Cache     *cache.ConnectionCache
	Alerts    Notifier

	// CleanupSpec schedules unused instance removal.
	CleanupSpec string
	// RecoverySpec schedules the sweep for sends that never recorded an outcome.
	RecoverySpec string
	// StuckAfter is how long a message may stay claimed before it is failed.
	// It must exceed the queue visibility window.
	StuckAfter time.Duration
}

// Janitor runs the periodic housekeeping: it deletes gateway instances that
// were created but never paired, and fails messages whose delivery was
// claimed but never finished.
type Janitor struct {
	gateway   InstanceLister
	instances repo.InstanceRepository
	messages  repo.MessageRepository
	cache     *cache.ConnectionCache
	alerts    Notifier

	stuckAfter time.Duration
	pause      time.Duration
	now        func() time.Time
	cron       *cron.Cron
}

func NewJanitor(d JanitorDeps) (*Janitor, error) {
	if d.CleanupSpec == "" {
		d.CleanupSpec = DefaultCleanupSpec
	}
	if d.RecoverySpec == "" {
		d.RecoverySpec = DefaultRecoverySpec
	}
	if d.StuckAfter <= 0 {
		d.StuckAfter = DefaultStuckAfter
	}
	if d.Alerts == nil {
		d.Alerts = nopNotifier{}
	}
	j := &Janitor{
		gateway:    d.Gateway,
		instances:  d.Instances,
		messages:   d.Messages,
		cache:      d.Cache,
		alerts:     d.Alerts,
		stuckAfter: d.StuckAfter,
		pause:      defaultCleanupPause,
		now:        time.Now,
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	j.cron = cron.New(cron.WithParser(parser), cron.WithLocation(time.UTC))
	if _, err := j.cron.AddFunc(d.CleanupSpec, func() {
		if _, err := j.Run(context.Background()); err != nil {
			slog.Error("unused instance cleanup failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", d.CleanupSpec, err)
	}
	if _, err := j.cron.AddFunc(d.RecoverySpec, func() {
		if _, err := j.RecoverStuck(context.Background()); err != nil {
			slog.Error("stuck delivery recovery failed", "error", err)
		}
	}); err != nil {
		return nil, fmt.Errorf("invalid recovery schedule %q: %w", d.RecoverySpec, err)
	}
	return j, nil
}

func (j *Janitor) Start() { j.cron.Start() }

// Stop halts the schedule and waits for a running task to finish.
func (j *Janitor) Stop() { <-j.cron.Stop().Done() }

// Run deletes every instance older than a day that is offline and has no
// bound account. It returns how many were removed.
func (j *Janitor) Run(ctx context.Context) (int, error) {
	snaps, err := j.gateway.ListInstances(ctx)
	if err != nil {
		return 0, fmt.Errorf("list instances: %w", err)
	}

	cutoff := j.now().Add(-unusedInstanceAge)
	removed := 0
	for _, snap := range snaps {
		if snap.CreatedAt.After(cutoff) || snap.Status != model.Offline || snap.MobileNumber != "" {
			continue
		}
		if removed > 0 && j.pause > 0 {
			select {
			case <-ctx.Done():
				return removed, ctx.Err()
			case <-time.After(j.pause):
			}
		}

		slog.Info("removing unused instance", "instance", snap.ID, "created_at", snap.CreatedAt)
		if snap.Token != "" {
			if err := j.gateway.UnregisterWebhook(ctx, snap.ID, snap.Token); err != nil {
				slog.Warn("failed to unregister webhook", "instance", snap.ID, "error", err)
				continue
			}
			if err := j.gateway.DeleteInstance(ctx, snap.ID, snap.Token); err != nil {
				slog.Warn("failed to delete instance", "instance", snap.ID, "error", err)
			}
		}
		j.cache.Invalidate(snap.ID)
		if err := j.instances.SetStatus(ctx, snap.ID, model.Offline); err != nil {
			slog.Error("failed to mark unused instance offline", "instance", snap.ID, "error", err)
			continue
		}
		removed++
	}

	if removed > 0 {
		slog.Info("unused instance cleanup done", "removed", removed)
	}
	return removed, nil
}

// RecoverStuck fails messages that were claimed for delivery longer than
// StuckAfter ago without an outcome, alerting once per message.
func (j *Janitor) RecoverStuck(ctx context.Context) (int, error) {
	stuck, err := j.messages.FailStuck(ctx, j.now().Add(-j.stuckAfter), stuckSendReason)
	if err != nil {
		return 0, fmt.Errorf("fail stuck deliveries: %w", err)
	}
	for _, m := range stuck {
		slog.Warn("stuck delivery marked failed", "message", m.ID, "sender", m.Sender)
		j.alerts.Notify(ctx, deliveryFailedAlert(m, stuckSendReason))
	}
	return len(stuck), nil
}
