package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/event"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

const groupWelcomeType = "Group Joinee Welcome"

type DiscoveryLauncher interface {
	Launch(ctx context.Context, instanceID string) error
}

type GreetingScheduler interface {
	Schedule(ctx context.Context, req ScheduleRequest) (model.Message, error)
}

type LifecycleDeps struct {
	Instances repo.InstanceRepository
	Messages  repo.MessageRepository
	Groups    repo.GroupRepository
	Cache     *cache.ConnectionCache
	Gateway   interface {
		InstanceFetcher
		WebhookRegistrar
	}
	Discovery DiscoveryLauncher
	Greetings GreetingScheduler
	Alerts    Notifier
	OTP       func() (string, error)
	Now       func() time.Time
}

// Lifecycle applies gateway webhook events to persisted instance and user
// state and keeps the connection cache in step.
type Lifecycle struct {
	instances repo.InstanceRepository
	messages  repo.MessageRepository
	groups    repo.GroupRepository
	cache     *cache.ConnectionCache
	creds     credentials
	webhooks  WebhookRegistrar
	discovery DiscoveryLauncher
	greetings GreetingScheduler
	alerts    Notifier
	otp       func() (string, error)
	now       func() time.Time
}

func NewLifecycle(d LifecycleDeps) *Lifecycle {
	if d.Alerts == nil {
		d.Alerts = nopNotifier{}
	}
	if d.OTP == nil {
		d.OTP = GenerateOTP
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	return &Lifecycle{
		instances: d.Instances,
		messages:  d.Messages,
		groups:    d.Groups,
		cache:     d.Cache,
		creds:     credentials{cache: d.Cache, fetcher: d.Gateway},
		webhooks:  d.Gateway,
		discovery: d.Discovery,
		greetings: d.Greetings,
		alerts:    d.Alerts,
		otp:       d.OTP,
		now:       d.Now,
	}
}

func (l *Lifecycle) Handle(ctx context.Context, ev event.Event) error {
	switch e := ev.(type) {
	case event.ConnectionUpdate:
		return l.connectionUpdate(ctx, e)
	case event.GroupParticipantsUpdate:
		return l.groupParticipants(ctx, e)
	case event.InstanceStatus:
		return l.instanceStatus(ctx, e)
	case event.SendAck:
		return l.sendAck(ctx, e)
	case event.RefreshToken:
		if !l.cache.UpdateToken(e.InstanceID, e.Token) {
			slog.Debug("token refresh for uncached instance ignored", "instance", e.InstanceID)
		}
		return nil
	default:
		return fmt.Errorf("%w: %T", event.ErrUnknownEvent, ev)
	}
}

func (l *Lifecycle) connectionUpdate(ctx context.Context, e event.ConnectionUpdate) error {
	slog.Info("connection state changed", "instance", e.InstanceID, "state", e.State)

	switch e.State {
	case event.StateConnecting:
		if err := l.instances.SetStatus(ctx, e.InstanceID, model.Connecting); err != nil {
			return err
		}
		l.cache.CacheFromWebhook(e.InstanceID, model.Connecting, e.MobileNumber, e.Token)
		return nil

	case event.StateClose:
		l.cache.Invalidate(e.InstanceID)
		return l.instances.SetStatus(ctx, e.InstanceID, model.Offline)

	case event.StateOpen:
		if e.MobileNumber != "" {
			return l.Connected(ctx, e.InstanceID, e.MobileNumber, e.Token)
		}
		if err := l.instances.SetStatus(ctx, e.InstanceID, model.Online); err != nil {
			return err
		}
		l.cache.CacheFromWebhook(e.InstanceID, model.Online, "", e.Token)
		return l.discovery.Launch(ctx, e.InstanceID)
	}
	return nil
}

// Connected binds mobile to the instance, creating the user on first sight.
func (l *Lifecycle) Connected(ctx context.Context, instanceID, mobile, token string) error {
	if err := l.instances.BindIdentity(ctx, instanceID, mobile); err != nil {
		return fmt.Errorf("bind identity %s: %w", instanceID, err)
	}

	otp, err := l.otp()
	if err != nil {
		return fmt.Errorf("generate otp: %w", err)
	}
	created, err := l.instances.UpsertUser(ctx, mobile, instanceID, otp)
	if err != nil {
		return fmt.Errorf("upsert user %s: %w", mobile, err)
	}

	l.cache.CacheFromWebhook(instanceID, model.Online, mobile, token)
	slog.Info("instance connected", "instance", instanceID, "mobile", mobile, "new_user", created)

	if created {
		l.alerts.Notify(ctx, fmt.Sprintf("New User Signup\n```mobile: %s\ninstance: %s```", mobile, instanceID))
	}
	return nil
}

func (l *Lifecycle) instanceStatus(ctx context.Context, e event.InstanceStatus) error {
	if !e.Removed {
		return nil
	}

	token := e.Token
	if token == "" {
		tok, err := l.creds.token(ctx, e.InstanceID)
		if err != nil {
			slog.Warn("no credential for removed instance", "instance", e.InstanceID, "error", err)
		}
		token = tok
	}

	l.cache.Invalidate(e.InstanceID)
	if err := l.instances.SetStatus(ctx, e.InstanceID, model.Offline); err != nil {
		return err
	}

	if token != "" {
		if err := l.webhooks.UnregisterWebhook(ctx, e.InstanceID, token); err != nil {
			slog.Warn("failed to unregister webhook", "instance", e.InstanceID, "error", err)
		}
	}
	slog.Info("instance removed", "instance", e.InstanceID)
	return nil
}

func (l *Lifecycle) groupParticipants(ctx context.Context, e event.GroupParticipantsUpdate) error {
	if e.Action != event.GroupAdd {
		slog.Info("group participants update ignored", "instance", e.InstanceID, "group", e.GroupID, "action", e.Action)
		return nil
	}

	greeting, err := l.groups.FindGreeting(ctx, e.InstanceID, e.GroupID)
	if errors.Is(err, repo.ErrNotFound) || (err == nil && greeting.Message == "") {
		slog.Warn("no greeting configured for group", "instance", e.InstanceID, "group", e.GroupID)
		return nil
	}
	if err != nil {
		return err
	}

	at := l.now()
	if greeting.DelayMinutes > 0 {
		at = at.Add(time.Duration(greeting.DelayMinutes) * time.Minute)
	}

	for _, p := range e.Participants {
		seen, err := l.messages.HasGroupWelcome(ctx, e.OwnerMobile, p, e.GroupID)
		if err != nil {
			slog.Error("failed to check group welcome", "group", e.GroupID, "participant", p, "error", err)
			continue
		}
		if seen {
			slog.Info("participant already welcomed", "group", e.GroupID, "participant", p)
			continue
		}

		_, err = l.greetings.Schedule(ctx, ScheduleRequest{
			Sender:      e.OwnerMobile,
			Receiver:    p,
			Body:        greeting.Message + model.GroupMarker(e.GroupID),
			MessageType: groupWelcomeType,
			ScheduledAt: at,
		})
		if err != nil {
			slog.Error("failed to schedule group welcome", "group", e.GroupID, "participant", p, "error", err)
		}
	}
	return nil
}

func (l *Lifecycle) sendAck(ctx context.Context, e event.SendAck) error {
	ok, err := l.messages.MarkDelivered(ctx, e.MessageID)
	if err != nil {
		return err
	}
	if !ok {
		slog.Debug("send ack for message not in flight", "message", e.MessageID, "instance", e.InstanceID)
	}
	return nil
}

// GenerateOTP returns a random four digit passcode.
func GenerateOTP() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(9000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d", n.Int64()+1000), nil
}
