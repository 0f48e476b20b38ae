package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/queue"
)

const (
	KindDeliverMessage   = "deliver_message"
	KindDiscoverIdentity = "discover_identity"
)

var ErrCredentialUnavailable = errors.New("credential unavailable")

type InstanceFetcher interface {
	FetchInstance(ctx context.Context, id string) (model.InstanceSnapshot, error)
}

type Transport interface {
	Send(ctx context.Context, msg client.OutgoingMessage) error
}

type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, id, token string) error
	UnregisterWebhook(ctx context.Context, id, token string) error
}

type InstanceProvisioner interface {
	InstanceFetcher
	WebhookRegistrar
	CreateInstance(ctx context.Context, id, description string) (model.InstanceSnapshot, error)
	Connect(ctx context.Context, id, token string) (client.ConnectResult, error)
}

type InstanceLister interface {
	ListInstances(ctx context.Context) ([]model.InstanceSnapshot, error)
	DeleteInstance(ctx context.Context, id, token string) error
	WebhookRegistrar
}

// Notifier sends operational alerts. Implementations must not block the caller.
type Notifier interface {
	Notify(ctx context.Context, text string)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload any, dueAt time.Time) (queue.Job, error)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string) {}

// credentials resolves an instance token from the cache, falling back to a
// fresh gateway fetch whose result is written back.
type credentials struct {
	cache   *cache.ConnectionCache
	fetcher InstanceFetcher
}

func (c credentials) token(ctx context.Context, instanceID string) (string, error) {
	if tok, ok := c.cache.Token(instanceID); ok {
		return tok, nil
	}

	snap, err := c.fetcher.FetchInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	c.cache.CacheFromFetch(snap)

	if snap.Token == "" {
		return "", fmt.Errorf("%w: %s", ErrCredentialUnavailable, instanceID)
	}
	return snap.Token, nil
}
