package repo

import (
	"context"
	"errors"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrNotEditable = errors.New("message can no longer be changed")
)

// MessageRepository persists scheduled messages. Every write bumps Version;
// conditional writes compare against the version the caller last saw.
type MessageRepository interface {
	Create(ctx context.Context, m model.Message) (model.Message, error)
	Get(ctx context.Context, id string) (model.Message, error)
	// Update applies an edit and puts the message back to pending. Delivered
	// and cancelled messages return ErrNotEditable.
	Update(ctx context.Context, id string, edit model.MessageEdit) (model.Message, error)
	// Cancel marks a pending or failed message deleted. Cancelling twice is a no-op.
	Cancel(ctx context.Context, id string) (model.Message, error)

	// Claim moves a pending message at exactly version to sent. ok is false
	// when the message changed since the job was scheduled.
	Claim(ctx context.Context, id string, version int64) (m model.Message, ok bool, err error)
	// MarkOutcome records the transport result of a claimed message.
	MarkOutcome(ctx context.Context, id string, version int64, status model.Status, reason string) (bool, error)
	// MarkDelivered confirms a sent message once the gateway acknowledges it.
	MarkDelivered(ctx context.Context, id string) (bool, error)
	// FailStuck marks failed every message claimed before sentBefore that never
	// recorded an outcome, and returns them.
	FailStuck(ctx context.Context, sentBefore time.Time, reason string) ([]model.Message, error)

	ListBySender(ctx context.Context, sender string, limit, offset int) ([]model.Message, error)
	HasGroupWelcome(ctx context.Context, sender, receiver, groupID string) (bool, error)
}

type InstanceRepository interface {
	GetInstance(ctx context.Context, id string) (model.Instance, error)
	// SetStatus upserts the instance and mirrors status onto its bound user.
	SetStatus(ctx context.Context, id string, status model.ConnectionStatus) error
	MarkInitiated(ctx context.Context, id string) error
	// BindIdentity marks the instance ONLINE with its account number.
	BindIdentity(ctx context.Context, id, mobile string) error
	// UpsertUser binds mobile to instanceID. otp is only stored when the user
	// has none yet. created reports a first-time signup.
	UpsertUser(ctx context.Context, mobile, instanceID, otp string) (created bool, err error)
	FindUserByMobile(ctx context.Context, mobile string) (model.User, error)
}

type GroupRepository interface {
	FindGreeting(ctx context.Context, instanceID, groupID string) (model.GroupGreeting, error)
}
