package cache

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/LeventeLantos/scheduled-messaging/internal/model"
	"github.com/LeventeLantos/scheduled-messaging/internal/scheduler"
)

const (
	DefaultStatusTTL     = 30 * time.Minute
	DefaultTokenTTL      = 4 * time.Hour
	DefaultSweepInterval = 5 * time.Minute
)

// Entry is an immutable snapshot of what is known about one instance.
// Writers always store a freshly built Entry; it is never mutated in place.
type Entry struct {
	InstanceID   string
	Token        string
	Status       model.ConnectionStatus
	MobileNumber string
	LastUpdated  time.Time
	TTL          time.Duration
}

func (e *Entry) expired(now time.Time) bool {
	return now.Sub(e.LastUpdated) >= e.TTL
}

type Options struct {
	StatusTTL     time.Duration
	TokenTTL      time.Duration
	SweepInterval time.Duration
	Now           func() time.Time
}

// ConnectionCache keeps per-instance connectivity and credentials. It is an
// optimization only; the instance store stays authoritative.
type ConnectionCache struct {
	entries sync.Map // instance id -> *Entry

	statusTTL time.Duration
	tokenTTL  time.Duration
	now       func() time.Time

	sweeper *scheduler.Scheduler
}

func NewConnectionCache(opts Options) (*ConnectionCache, error) {
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = DefaultStatusTTL
	}
	if opts.TokenTTL <= 0 {
		opts.TokenTTL = DefaultTokenTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	c := &ConnectionCache{
		statusTTL: opts.StatusTTL,
		tokenTTL:  opts.TokenTTL,
		now:       opts.Now,
	}
	sweeper, err := scheduler.New(opts.SweepInterval, func(context.Context) { c.Sweep() })
	if err != nil {
		return nil, err
	}
	c.sweeper = sweeper
	return c, nil
}

// Start launches the periodic sweep.
func (c *ConnectionCache) Start() bool { return c.sweeper.Start() }

// Stop halts the periodic sweep and waits for it to exit.
func (c *ConnectionCache) Stop() bool { return c.sweeper.Stop() }

func (c *ConnectionCache) ttlFor(token string) time.Duration {
	if token != "" {
		return c.tokenTTL
	}
	return c.statusTTL
}

func (c *ConnectionCache) put(e *Entry) {
	e.LastUpdated = c.now()
	e.TTL = c.ttlFor(e.Token)
	c.entries.Store(e.InstanceID, e)
}

// CacheFromWebhook records state reported by a gateway webhook. Empty
// mobileNumber or token mean the webhook did not carry them.
func (c *ConnectionCache) CacheFromWebhook(instanceID string, status model.ConnectionStatus, mobileNumber, token string) {
	if instanceID == "" {
		return
	}
	c.put(&Entry{
		InstanceID:   instanceID,
		Token:        token,
		Status:       status,
		MobileNumber: mobileNumber,
	})
	slog.Debug("connection cache updated from webhook", "instance", instanceID, "status", status)
}

// CacheFromFetch records the result of a direct gateway lookup.
func (c *ConnectionCache) CacheFromFetch(snap model.InstanceSnapshot) {
	if snap.ID == "" {
		return
	}
	c.put(&Entry{
		InstanceID:   snap.ID,
		Token:        snap.Token,
		Status:       snap.Status,
		MobileNumber: snap.MobileNumber,
	})
	slog.Debug("connection cache updated from fetch", "instance", snap.ID, "status", snap.Status)
}

// UpdateToken swaps in a refreshed credential for an instance that is
// already cached. Unknown and expired instances are ignored; an expired
// entry is evicted rather than given a fresh TTL.
func (c *ConnectionCache) UpdateToken(instanceID, token string) bool {
	cur, ok := c.load(instanceID)
	if !ok || token == "" {
		return false
	}
	if cur.expired(c.now()) {
		c.entries.CompareAndDelete(instanceID, cur)
		return false
	}
	next := *cur
	next.Token = token
	c.put(&next)
	return true
}

// Get returns the entry if it is still within its TTL. Expired entries are
// evicted on the way out.
func (c *ConnectionCache) Get(instanceID string) (Entry, bool) {
	e, ok := c.load(instanceID)
	if !ok {
		return Entry{}, false
	}
	if e.expired(c.now()) {
		c.entries.CompareAndDelete(instanceID, e)
		slog.Info("connection cache entry expired", "instance", instanceID)
		return Entry{}, false
	}
	return *e, true
}

// IsOnline reports the cached connectivity. known is false on a cache miss,
// which callers must treat differently from offline.
func (c *ConnectionCache) IsOnline(instanceID string) (online, known bool) {
	e, ok := c.Get(instanceID)
	if !ok {
		return false, false
	}
	return e.Status == model.Online, true
}

func (c *ConnectionCache) Token(instanceID string) (string, bool) {
	e, ok := c.Get(instanceID)
	if !ok || e.Token == "" {
		return "", false
	}
	return e.Token, true
}

func (c *ConnectionCache) MobileNumber(instanceID string) (string, bool) {
	e, ok := c.Get(instanceID)
	if !ok || e.MobileNumber == "" {
		return "", false
	}
	return e.MobileNumber, true
}

// StaleStatus returns the last known connectivity even past its TTL, without
// evicting. Only meant as a last resort when a fresh lookup has failed, so
// callers capture it before the fresh read.
func (c *ConnectionCache) StaleStatus(instanceID string) (online, known bool) {
	e, ok := c.load(instanceID)
	if !ok {
		return false, false
	}
	return e.Status == model.Online, true
}

func (c *ConnectionCache) Invalidate(instanceID string) {
	c.entries.Delete(instanceID)
	slog.Info("connection cache invalidated", "instance", instanceID)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *ConnectionCache) Sweep() int {
	now := c.now()
	removed := 0
	c.entries.Range(func(key, value any) bool {
		e := value.(*Entry)
		if e.expired(now) && c.entries.CompareAndDelete(key, e) {
			removed++
		}
		return true
	})
	if removed > 0 {
		slog.Info("connection cache sweep", "removed", removed)
	}
	return removed
}

func (c *ConnectionCache) Len() int {
	n := 0
	c.entries.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}

func (c *ConnectionCache) load(instanceID string) (*Entry, bool) {
	v, ok := c.entries.Load(instanceID)
	if !ok {
		return nil, false
	}
	return v.(*Entry), true
}
