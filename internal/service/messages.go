package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
)

var (
	ErrInvalidRequest  = errors.New("invalid request")
	ErrBlockedReceiver = fmt.Errorf("%w: receiver is not allowed", ErrInvalidRequest)
)

const contactSuffix = "@c.us"

type ScheduleRequest struct {
	Sender       string       `json:"sender"`
	Receiver     string       `json:"receiver"`
	ReceiverName string       `json:"receiverName,omitempty"`
	Body         string       `json:"message"`
	MessageType  string       `json:"messageType,omitempty"`
	ScheduledAt  time.Time    `json:"scheduledAt"`
	Media        *model.Media `json:"media,omitempty"`
}

// MessageService creates, edits and cancels scheduled messages. Every write
// that should lead to a send enqueues a job carrying the resulting version.
type MessageService struct {
	messages repo.MessageRepository
	jobs     Enqueuer
	alerts   Notifier
	blocked  []string
}

func NewMessageService(messages repo.MessageRepository, jobs Enqueuer, alerts Notifier, blockedPrefixes []string) *MessageService {
	if alerts == nil {
		alerts = nopNotifier{}
	}
	return &MessageService{
		messages: messages,
		jobs:     jobs,
		alerts:   alerts,
		blocked:  blockedPrefixes,
	}
}

func (s *MessageService) Schedule(ctx context.Context, req ScheduleRequest) (model.Message, error) {
	req.Sender = strings.TrimSpace(req.Sender)
	req.Receiver = s.normalizeReceiver(req.Receiver)

	switch {
	case req.Sender == "":
		return model.Message{}, fmt.Errorf("%w: sender is required", ErrInvalidRequest)
	case req.Receiver == "":
		return model.Message{}, fmt.Errorf("%w: receiver is required", ErrInvalidRequest)
	case req.Body == "" && (req.Media == nil || req.Media.URL == ""):
		return model.Message{}, fmt.Errorf("%w: message or media is required", ErrInvalidRequest)
	case req.ScheduledAt.IsZero():
		return model.Message{}, fmt.Errorf("%w: scheduledAt is required", ErrInvalidRequest)
	}
	if s.isBlocked(req.Receiver) {
		return model.Message{}, ErrBlockedReceiver
	}

	m, err := s.messages.Create(ctx, model.Message{
		Sender:       req.Sender,
		Receiver:     req.Receiver,
		ReceiverName: req.ReceiverName,
		Body:         req.Body,
		Media:        req.Media,
		MessageType:  req.MessageType,
		ScheduledAt:  req.ScheduledAt,
	})
	if err != nil {
		return model.Message{}, fmt.Errorf("create message: %w", err)
	}
	if err := s.enqueue(ctx, m); err != nil {
		return m, err
	}

	slog.Info("message scheduled", "message", m.ID, "sender", m.Sender, "at", m.ScheduledAt)
	s.alerts.Notify(ctx, fmt.Sprintf("```%s message by : %s to %s```", m.MessageType, m.Sender, m.Receiver))
	return m, nil
}

// Edit changes a scheduled message and reschedules it. Jobs enqueued for
// earlier versions become stale and will not send.
func (s *MessageService) Edit(ctx context.Context, id string, edit model.MessageEdit) (model.Message, error) {
	if edit.Receiver != nil {
		r := s.normalizeReceiver(*edit.Receiver)
		if r == "" {
			return model.Message{}, fmt.Errorf("%w: receiver is required", ErrInvalidRequest)
		}
		if s.isBlocked(r) {
			return model.Message{}, ErrBlockedReceiver
		}
		edit.Receiver = &r
	}
	if edit.ScheduledAt != nil && edit.ScheduledAt.IsZero() {
		return model.Message{}, fmt.Errorf("%w: scheduledAt is required", ErrInvalidRequest)
	}

	m, err := s.messages.Update(ctx, id, edit)
	if err != nil {
		return model.Message{}, err
	}
	if err := s.enqueue(ctx, m); err != nil {
		return m, err
	}

	slog.Info("message rescheduled", "message", m.ID, "version", m.Version, "at", m.ScheduledAt)
	return m, nil
}

func (s *MessageService) Cancel(ctx context.Context, id string) (model.Message, error) {
	m, err := s.messages.Cancel(ctx, id)
	if err != nil {
		return model.Message{}, err
	}
	slog.Info("message cancelled", "message", m.ID, "version", m.Version)
	return m, nil
}

func (s *MessageService) Get(ctx context.Context, id string) (model.Message, error) {
	return s.messages.Get(ctx, id)
}

func (s *MessageService) ListBySender(ctx context.Context, sender string, limit, offset int) ([]model.Message, error) {
	if strings.TrimSpace(sender) == "" {
		return nil, fmt.Errorf("%w: sender is required", ErrInvalidRequest)
	}
	return s.messages.ListBySender(ctx, sender, limit, offset)
}

func (s *MessageService) enqueue(ctx context.Context, m model.Message) error {
	_, err := s.jobs.Enqueue(ctx, KindDeliverMessage, model.DeliveryJob{MessageID: m.ID, Version: m.Version}, m.ScheduledAt)
	if err != nil {
		slog.Error("failed to enqueue delivery", "message", m.ID, "version", m.Version, "error", err)
		return fmt.Errorf("enqueue delivery %s: %w", m.ID, err)
	}
	return nil
}

func (s *MessageService) normalizeReceiver(r string) string {
	r, _, _ = strings.Cut(strings.TrimSpace(r), contactSuffix)
	return r
}

func (s *MessageService) isBlocked(receiver string) bool {
	for _, p := range s.blocked {
		if strings.HasPrefix(receiver, p) {
			return true
		}
	}
	return false
}
