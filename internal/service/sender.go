package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/event"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

// outcomeTimeout bounds the outcome write and the failure alert. Both run
// detached from the job context so a job that ran out of time still records
// its result.
const outcomeTimeout = 10 * time.Second

// Sender executes due delivery jobs. A job only sends if the stored message
// is still pending at the version captured when the job was scheduled.
type Sender struct {
	messages  repo.MessageRepository
	instances repo.InstanceRepository
	cache     *cache.ConnectionCache
	creds     credentials
	transport Transport
	alerts    Notifier
}

type SenderDeps struct {
	Messages  repo.MessageRepository
	Instances repo.InstanceRepository
	Cache     *cache.ConnectionCache
	Gateway   interface {
		InstanceFetcher
		Transport
	}
	Alerts Notifier
}

func NewSender(d SenderDeps) *Sender {
	if d.Alerts == nil {
		d.Alerts = nopNotifier{}
	}
	return &Sender{
		messages:  d.Messages,
		instances: d.Instances,
		cache:     d.Cache,
		creds:     credentials{cache: d.Cache, fetcher: d.Gateway},
		transport: d.Gateway,
		alerts:    d.Alerts,
	}
}

// Deliver runs one delivery job. Stale and missing messages are no-ops;
// delivery failures are recorded on the message, not returned.
func (s *Sender) Deliver(ctx context.Context, job model.DeliveryJob) error {
	m, err := s.messages.Get(ctx, job.MessageID)
	if errors.Is(err, repo.ErrNotFound) {
		slog.Info("delivery skipped, message not found", "message", job.MessageID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load message %s: %w", job.MessageID, err)
	}
	if m.Version != job.Version || m.Status != model.Pending {
		slog.Info("delivery skipped, stale job",
			"message", m.ID, "job_version", job.Version, "version", m.Version, "status", m.Status)
		return nil
	}

	claimed, ok, err := s.messages.Claim(ctx, m.ID, job.Version)
	if err != nil {
		return fmt.Errorf("claim message %s: %w", m.ID, err)
	}
	if !ok {
		slog.Info("delivery skipped, message changed concurrently", "message", m.ID, "job_version", job.Version)
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			s.fail(ctx, claimed, fmt.Sprintf("panic: %v", r))
			panic(r)
		}
	}()

	instanceID, token, err := s.resolve(ctx, claimed.Sender)
	if err != nil {
		s.fail(ctx, claimed, err.Error())
		return nil
	}

	err = s.transport.Send(ctx, client.OutgoingMessage{
		InstanceID:         instanceID,
		Token:              token,
		MessageID:          claimed.ID,
		Receiver:           claimed.Receiver,
		Text:               model.StripAnnotations(claimed.Body),
		ExternalAttributes: event.ExternalAttributes(claimed.Sender, claimed.ID),
		Media:              claimed.Media,
	})
	if err != nil {
		s.fail(ctx, claimed, err.Error())
		return nil
	}

	s.record(ctx, claimed, model.Success, "")
	slog.Info("message delivered", "message", claimed.ID, "instance", instanceID)
	return nil
}

// resolve finds the sender's instance and its credential.
func (s *Sender) resolve(ctx context.Context, sender string) (instanceID, token string, err error) {
	user, err := s.instances.FindUserByMobile(ctx, sender)
	if err != nil {
		return "", "", fmt.Errorf("user %s: %w", sender, err)
	}
	if user.InstanceID == "" {
		return "", "", fmt.Errorf("user %s has no instance", sender)
	}

	token, err = s.creds.token(ctx, user.InstanceID)
	if errors.Is(err, client.ErrInstanceNotFound) {
		// The gateway lost the instance; force the user to reconnect.
		s.cache.Invalidate(user.InstanceID)
		if serr := s.instances.SetStatus(ctx, user.InstanceID, model.Offline); serr != nil {
			slog.Error("failed to mark vanished instance offline", "instance", user.InstanceID, "error", serr)
		}
		return "", "", fmt.Errorf("instance %s: %w", user.InstanceID, err)
	}
	if err != nil {
		return "", "", fmt.Errorf("%w for %s: %v", ErrCredentialUnavailable, user.InstanceID, err)
	}
	return user.InstanceID, token, nil
}

func (s *Sender) fail(ctx context.Context, m model.Message, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()
	slog.Warn("message delivery failed", "message", m.ID, "sender", m.Sender, "reason", reason)
	s.record(ctx, m, model.Failed, reason)
	s.alerts.Notify(ctx, deliveryFailedAlert(m, reason))
}

func deliveryFailedAlert(m model.Message, reason string) string {
	return fmt.Sprintf("MESSAGE DELIVERY FAILED\n```message: %s\nsender: %s\nreceiver: %s\nreason: %s```",
		m.ID, m.Sender, m.Receiver, reason)
}

func (s *Sender) record(ctx context.Context, m model.Message, status model.Status, reason string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), outcomeTimeout)
	defer cancel()
	ok, err := s.messages.MarkOutcome(ctx, m.ID, m.Version, status, reason)
	if err != nil {
		slog.Error("failed to record delivery outcome", "message", m.ID, "status", status, "error", err)
		return
	}
	if !ok {
		slog.Info("delivery outcome superseded", "message", m.ID, "status", status)
	}
}
