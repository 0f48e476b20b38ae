package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultVisibility = 5 * time.Minute
	defaultPrefix     = "scheduler"
)

var ErrInvalidJob = errors.New("invalid job")

// Job is one unit of delayed work. The encoded form is the sorted-set member,
// so two enqueues of the same payload remain distinct jobs.
type Job struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	DueAt      time.Time       `json:"dueAt"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`

	raw string
}

func (j Job) Decode(v any) error {
	if len(j.Payload) == 0 {
		return fmt.Errorf("%w: empty payload for %s", ErrInvalidJob, j.ID)
	}
	return json.Unmarshal(j.Payload, v)
}

type Options struct {
	Prefix     string
	Name       string
	Visibility time.Duration
	Now        func() time.Time
}

type Stats struct {
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"inFlight"`
}

// RedisQueue is a durable delayed queue. Pending jobs live in a sorted set
// scored by due time; claimed jobs move to an in-flight set scored by their
// visibility deadline and return to the pending set if never acked.
type RedisQueue struct {
	rdb         *redis.Client
	name        string
	delayedKey  string
	inflightKey string
	visibility  time.Duration
	now         func() time.Time
}

func NewRedisQueue(rdb *redis.Client, opts Options) *RedisQueue {
	if opts.Prefix == "" {
		opts.Prefix = defaultPrefix
	}
	if opts.Name == "" {
		opts.Name = "jobs"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = DefaultVisibility
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	base := opts.Prefix + ":" + opts.Name
	return &RedisQueue{
		rdb:         rdb,
		name:        opts.Name,
		delayedKey:  base + ":delayed",
		inflightKey: base + ":inflight",
		visibility:  opts.Visibility,
		now:         opts.Now,
	}
}

func (q *RedisQueue) Name() string { return q.name }

// Ping verifies the backing connection; used as the startup check.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue schedules payload to run at or after dueAt. A dueAt in the past is
// due immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, kind string, payload any, dueAt time.Time) (Job, error) {
	if kind == "" {
		return Job{}, fmt.Errorf("%w: kind is required", ErrInvalidJob)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}

	now := q.now().UTC()
	if dueAt.IsZero() || dueAt.Before(now) {
		dueAt = now
	}
	job := Job{
		ID:         uuid.NewString(),
		Kind:       kind,
		Payload:    body,
		DueAt:      dueAt.UTC(),
		EnqueuedAt: now,
	}
	raw, err := json.Marshal(job)
	if err != nil {
		return Job{}, err
	}
	job.raw = string(raw)

	if err := q.rdb.ZAdd(ctx, q.delayedKey, redis.Z{
		Score:  float64(job.DueAt.UnixMilli()),
		Member: job.raw,
	}).Err(); err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return job, nil
}

// claimScript first returns expired in-flight jobs to the delayed set, then
// moves up to ARGV[2] due jobs into the in-flight set.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, m in ipairs(expired) do
  redis.call('ZREM', KEYS[2], m)
  redis.call('ZADD', KEYS[1], ARGV[1], m)
end
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, m in ipairs(due) do
  redis.call('ZREM', KEYS[1], m)
  redis.call('ZADD', KEYS[2], ARGV[3], m)
end
return due
`)

// Claim takes up to limit due jobs. Each must be acked once handled, or it
// becomes visible again after the visibility timeout.
func (q *RedisQueue) Claim(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}
	now := q.now()
	members, err := claimScript.Run(ctx, q.rdb,
		[]string{q.delayedKey, q.inflightKey},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.Itoa(limit),
		strconv.FormatInt(now.Add(q.visibility).UnixMilli(), 10),
	).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim: %w", err)
	}

	jobs := make([]Job, 0, len(members))
	for _, m := range members {
		var j Job
		if err := json.Unmarshal([]byte(m), &j); err != nil {
			// Undecodable member, drop it.
			_ = q.rdb.ZRem(ctx, q.inflightKey, m).Err()
			continue
		}
		j.raw = m
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job Job) error {
	if job.raw == "" {
		return fmt.Errorf("%w: job %s was not claimed", ErrInvalidJob, job.ID)
	}
	return q.rdb.ZRem(ctx, q.inflightKey, job.raw).Err()
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, q.delayedKey)
	inflight := pipe.ZCard(ctx, q.inflightKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{Delayed: delayed.Val(), InFlight: inflight.Val()}, nil
}
