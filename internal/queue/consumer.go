package queue

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jpillora/backoff"
	"golang.org/x/sync/errgroup"
)

const ackTimeout = 5 * time.Second

// Handler processes one claimed job. A returned error is logged; the job is
// acked either way.
type Handler func(ctx context.Context, job Job) error

type Source interface {
	Name() string
	Claim(ctx context.Context, limit int) ([]Job, error)
	Ack(ctx context.Context, job Job) error
}

type ConsumerOptions struct {
	BatchSize  int
	Workers    int
	JobTimeout time.Duration
	Backoff    *backoff.Backoff
	Now        func() time.Time
}

// Consumer drains due jobs from a Source into a bounded pool of workers.
// Tick is meant to be driven by a scheduler.Scheduler.
type Consumer struct {
	src     Source
	handler Handler

	batch      int
	workers    int
	jobTimeout time.Duration
	now        func() time.Time

	mu      sync.Mutex
	bo      *backoff.Backoff
	retryAt time.Time
}

func NewConsumer(src Source, handler Handler, opts ConsumerOptions) (*Consumer, error) {
	if src == nil {
		return nil, fmt.Errorf("source must not be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("handler must not be nil")
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = time.Minute
	}
	if opts.Backoff == nil {
		opts.Backoff = &backoff.Backoff{
			Min:    time.Second,
			Max:    time.Minute,
			Factor: 2,
			Jitter: true,
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Consumer{
		src:        src,
		handler:    handler,
		batch:      opts.BatchSize,
		workers:    opts.Workers,
		jobTimeout: opts.JobTimeout,
		now:        opts.Now,
		bo:         opts.Backoff,
	}, nil
}

// Tick claims and processes batches until the source has no more due jobs,
// the context is canceled, or a claim fails. Jobs already started run to
// completion even if ctx is canceled.
func (c *Consumer) Tick(ctx context.Context) {
	if c.backingOff() {
		return
	}
	for ctx.Err() == nil {
		jobs, err := c.src.Claim(ctx, c.batch)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.failClaim(err)
			return
		}
		c.resetBackoff()
		if len(jobs) == 0 {
			return
		}
		c.run(ctx, jobs)
		if len(jobs) < c.batch {
			return
		}
	}
}

func (c *Consumer) run(ctx context.Context, jobs []Job) {
	jobCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	g.SetLimit(c.workers)
	for _, job := range jobs {
		g.Go(func() error {
			c.process(jobCtx, job)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *Consumer) process(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithTimeout(ctx, c.jobTimeout)
	defer cancel()

	start := c.now()
	err := c.safeHandle(jobCtx, job)
	if err != nil {
		slog.Error("job failed", "queue", c.src.Name(), "job", job.ID, "kind", job.Kind, "error", err)
	} else {
		slog.Debug("job done", "queue", c.src.Name(), "job", job.ID, "kind", job.Kind,
			"duration_ms", c.now().Sub(start).Milliseconds())
	}

	// The ack gets its own deadline so a job that used up its timeout is
	// still removed from the in-flight set.
	ackCtx, ackCancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer ackCancel()
	if err := c.src.Ack(ackCtx, job); err != nil {
		slog.Warn("job ack failed, it will be redelivered", "queue", c.src.Name(), "job", job.ID, "error", err)
	}
}

func (c *Consumer) safeHandle(ctx context.Context, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("job panic recovered", "queue", c.src.Name(), "job", job.ID, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

func (c *Consumer) backingOff() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.retryAt.IsZero() && c.now().Before(c.retryAt)
}

func (c *Consumer) failClaim(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.bo.Duration()
	c.retryAt = c.now().Add(d)
	slog.Error("claim failed, backing off", "queue", c.src.Name(), "retry_in", d.String(), "error", err)
}

func (c *Consumer) resetBackoff() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.retryAt.IsZero() {
		c.bo.Reset()
		c.retryAt = time.Time{}
	}
}
