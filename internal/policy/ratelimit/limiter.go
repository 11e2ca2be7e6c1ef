// Package ratelimit implements a token bucket rate limiter that paces outbound
// fetches per upstream host.
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/skolhustick/mdwnio/internal/metrics"
)

// DefaultMaxHosts bounds the number of per-host limiters kept in memory.
const DefaultMaxHosts = 10_000

// Config holds rate limiter configuration.
type Config struct {
	// RPS is the sustained request rate allowed per host. Zero or negative
	// disables pacing.
	RPS float64
	// Burst is the number of requests a host may receive back to back.
	Burst int
	// MaxHosts caps tracked hosts. Idle hosts are forgotten first.
	MaxHosts int
}

type hostLimiter struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter manages per-host rate limits.
type Limiter struct {
	mu       sync.Mutex
	hosts    map[string]*hostLimiter
	rate     rate.Limit
	burst    int
	maxHosts int
	now      func() time.Time
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	r := rate.Limit(cfg.RPS)
	if cfg.RPS <= 0 {
		r = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxHosts := cfg.MaxHosts
	if maxHosts <= 0 {
		maxHosts = DefaultMaxHosts
	}
	return &Limiter{
		hosts:    make(map[string]*hostLimiter),
		rate:     r,
		burst:    burst,
		maxHosts: maxHosts,
		now:      time.Now,
	}
}

// Wait blocks until a token is available for host, respecting the context.
func (l *Limiter) Wait(ctx context.Context, host string) error {
	if l == nil || l.rate == rate.Inf {
		return nil
	}
	host = strings.ToLower(host)
	limiter := l.limiterFor(host)

	start := l.now()
	if err := limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", host, err)
	}
	if d := l.now().Sub(start); d > time.Millisecond {
		metrics.ObserveRateLimitDelay(d)
	}
	return nil
}

// Hosts reports how many hosts currently have a limiter.
func (l *Limiter) Hosts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.hosts)
}

func (l *Limiter) limiterFor(host string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if h, ok := l.hosts[host]; ok {
		h.lastUsed = now
		return h.limiter
	}
	if len(l.hosts) >= l.maxHosts {
		l.pruneLocked(now)
	}
	h := &hostLimiter{limiter: rate.NewLimiter(l.rate, l.burst), lastUsed: now}
	l.hosts[host] = h
	return h.limiter
}

// pruneLocked drops hosts whose bucket has refilled, since a fresh limiter
// behaves the same. When every bucket is still draining, the least recently
// used host goes.
func (l *Limiter) pruneLocked(now time.Time) {
	var (
		oldestHost string
		oldest     time.Time
	)
	for host, h := range l.hosts {
		if h.limiter.TokensAt(now) >= float64(l.burst) {
			delete(l.hosts, host)
			continue
		}
		if oldestHost == "" || h.lastUsed.Before(oldest) {
			oldestHost, oldest = host, h.lastUsed
		}
	}
	if len(l.hosts) >= l.maxHosts && oldestHost != "" {
		delete(l.hosts, oldestHost)
	}
}
