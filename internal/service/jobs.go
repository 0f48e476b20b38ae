package service

import (
	"context"
	"fmt"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/queue"
)

// Jobs routes claimed queue jobs to their handlers.
type Jobs struct {
	sender    *Sender
	discovery *Discovery
	binder    IdentityBinder
}

func NewJobs(sender *Sender, discovery *Discovery, binder IdentityBinder) *Jobs {
	return &Jobs{sender: sender, discovery: discovery, binder: binder}
}

// Handle satisfies queue.Handler.
func (j *Jobs) Handle(ctx context.Context, job queue.Job) error {
	switch job.Kind {
	case KindDeliverMessage:
		var p model.DeliveryJob
		if err := job.Decode(&p); err != nil {
			return fmt.Errorf("decode %s job: %w", job.Kind, err)
		}
		return j.sender.Deliver(ctx, p)

	case KindDiscoverIdentity:
		var a model.DiscoveryAttempt
		if err := job.Decode(&a); err != nil {
			return fmt.Errorf("decode %s job: %w", job.Kind, err)
		}
		return j.discovery.Poll(ctx, a, j.binder)
	}
	return fmt.Errorf("%w: unknown kind %q", queue.ErrInvalidJob, job.Kind)
}
