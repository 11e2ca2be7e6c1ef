// Package cache memoizes resolutions for a fixed time-to-live and collapses
// concurrent misses for the same key into a single computation.
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/skolhustick/mdwnio/internal/clock/system"
	"github.com/skolhustick/mdwnio/internal/mdwn"
)

// Defaults applied when Config fields are left zero.
const (
	DefaultTTL            = time.Hour
	DefaultMaxEntries     = 10_000
	DefaultComputeTimeout = 30 * time.Second
)

// Source describes how a Resolve call obtained its result. The string form is
// the X-Mdwn-Cache header value.
type Source string

// Result sources.
const (
	// SourceHit means a live entry was returned without computing.
	SourceHit Source = "hit"
	// SourceMiss means this call's flight computed the result.
	SourceMiss Source = "miss"
	// SourceShared means the result came from a flight shared with other callers.
	SourceShared Source = "shared"
)

// ComputeFunc produces the value for a missing key. The context it receives is
// detached from any single caller and bounded by Config.ComputeTimeout.
type ComputeFunc func(ctx context.Context) (mdwn.Result, error)

// Config controls expiry and capacity.
type Config struct {
	TTL        time.Duration
	MaxEntries int
	// ComputeTimeout bounds a single flight regardless of how long callers wait.
	ComputeTimeout time.Duration
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Entries   int
	Hits      int64
	Misses    int64
	Shared    int64
	Evictions int64
	Expired   int64
}

type flight struct {
	result mdwn.Result
	hit    bool
}

type entry struct {
	key       string
	result    mdwn.Result
	expiresAt time.Time
	elem      *list.Element
}

// Cache is a TTL-bounded, capacity-bounded result cache with single-flight
// computation. Failures are never stored.
type Cache struct {
	cfg    Config
	clock  mdwn.Clock
	logger *zap.Logger

	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // insertion order, oldest at the front

	group singleflight.Group

	hits, misses, shared, evictions, expired atomic.Int64
}

// New builds a Cache. A nil clock uses the system clock.
func New(cfg Config, clock mdwn.Clock, logger *zap.Logger) *Cache {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.ComputeTimeout <= 0 {
		cfg.ComputeTimeout = DefaultComputeTimeout
	}
	if clock == nil {
		clock = system.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		cfg:     cfg,
		clock:   clock,
		logger:  logger,
		entries: make(map[string]*entry),
		order:   list.New(),
	}
}

// TTL returns the configured time-to-live.
func (c *Cache) TTL() time.Duration {
	return c.cfg.TTL
}

// Get returns the live entry for key. Expired entries are removed and never returned.
func (c *Cache) Get(key string) (mdwn.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return mdwn.Result{}, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.removeLocked(e)
		c.expired.Add(1)
		return mdwn.Result{}, false
	}
	return e.result, true
}

// Resolve returns the cached result for key or computes it. Concurrent callers
// for the same key share one computation; a caller whose ctx ends stops
// waiting without cancelling the shared computation.
func (c *Cache) Resolve(ctx context.Context, key string, compute ComputeFunc) (mdwn.Result, Source, error) {
	if res, ok := c.Get(key); ok {
		c.hits.Add(1)
		return res, SourceHit, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// A flight that finished just before this one started already stored the value.
		if res, ok := c.Get(key); ok {
			c.hits.Add(1)
			return flight{result: res, hit: true}, nil
		}
		c.misses.Add(1)
		res, err := c.compute(ctx, key, compute)
		return flight{result: res}, err
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			return mdwn.Result{}, SourceMiss, r.Err
		}
		f, _ := r.Val.(flight)
		switch {
		case f.hit:
			return f.result, SourceHit, nil
		case r.Shared:
			c.shared.Add(1)
			return f.result, SourceShared, nil
		default:
			return f.result, SourceMiss, nil
		}
	case <-ctx.Done():
		return mdwn.Result{}, SourceMiss, mdwn.Wrap(mdwn.KindTimeout, ctx.Err(), "stopped waiting for %s", key)
	}
}

type computed struct {
	result mdwn.Result
	err    error
}

// compute runs fn under ComputeTimeout. When the budget runs out the flight
// ends with KindTimeout at once, so the key is free for the next caller, and
// whatever fn eventually returns is discarded.
func (c *Cache) compute(parent context.Context, key string, fn ComputeFunc) (mdwn.Result, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), c.cfg.ComputeTimeout)
	defer cancel()

	done := make(chan computed, 1)
	go func() {
		done <- c.invoke(ctx, key, fn)
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return mdwn.Result{}, out.err
		}
		if err := ctx.Err(); err != nil {
			return mdwn.Result{}, c.computeTimeout(key, err)
		}
		c.set(key, out.result)
		return out.result, nil
	case <-ctx.Done():
		return mdwn.Result{}, c.computeTimeout(key, ctx.Err())
	}
}

func (c *Cache) invoke(ctx context.Context, key string, fn ComputeFunc) (out computed) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("resolution panicked", zap.String("key", key), zap.Any("panic", r))
			out = computed{err: mdwn.Errorf(mdwn.KindInternal, "resolution of %s failed unexpectedly", key)}
		}
	}()
	res, err := fn(ctx)
	return computed{result: res, err: err}
}

func (c *Cache) computeTimeout(key string, err error) error {
	c.logger.Warn("resolution exceeded compute budget",
		zap.String("key", key),
		zap.Duration("budget", c.cfg.ComputeTimeout),
	)
	return mdwn.Wrap(mdwn.KindTimeout, err, "resolving %s took longer than %s", key, c.cfg.ComputeTimeout)
}

// set stores res under key, replacing any previous entry.
func (c *Cache) set(key string, res mdwn.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if old, ok := c.entries[key]; ok {
		c.removeLocked(old)
	}
	c.expireFrontLocked(now)
	for len(c.entries) >= c.cfg.MaxEntries {
		front := c.order.Front()
		if front == nil {
			break
		}
		c.removeLocked(front.Value.(*entry))
		c.evictions.Add(1)
	}

	e := &entry{key: key, result: res, expiresAt: now.Add(c.cfg.TTL)}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// expireFrontLocked pops expired entries from the oldest end. With a uniform
// TTL insertion order is expiry order.
func (c *Cache) expireFrontLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		e := front.Value.(*entry)
		if now.Before(e.expiresAt) {
			return
		}
		c.removeLocked(e)
		c.expired.Add(1)
	}
}

func (c *Cache) removeLocked(e *entry) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for el := c.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry)
		if !now.Before(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
		el = next
	}
	c.expired.Add(int64(removed))
	return removed
}

// Run sweeps on every tick until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("swept expired cache entries", zap.Int("removed", n), zap.Int("remaining", c.Len()))
			}
		}
	}
}

// Len returns the number of stored entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Entries:   c.Len(),
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Shared:    c.shared.Load(),
		Evictions: c.evictions.Load(),
		Expired:   c.expired.Load(),
	}
}
