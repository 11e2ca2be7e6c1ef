package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLimiter_WaitPacesSameHost(t *testing.T) {
	t.Parallel()

	// 20 RPS = one token every 50ms, starting with one.
	l := New(Config{RPS: 20, Burst: 1})
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "example.com"))

	start := time.Now()
	require.NoError(t, l.Wait(ctx, "EXAMPLE.com"))
	require.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	require.Equal(t, 1, l.Hosts())
}

func TestLimiter_HostsAreIndependent(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Wait(ctx, "a.example"))
	require.NoError(t, l.Wait(ctx, "b.example"))
	require.Equal(t, 2, l.Hosts())
}

func TestLimiter_WaitHonorsDeadline(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.1, Burst: 1})
	require.NoError(t, l.Wait(context.Background(), "slow.example"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.Wait(ctx, "slow.example")
	require.Error(t, err)
	require.Contains(t, err.Error(), "rate limit wait for slow.example")
}

func TestLimiter_DisabledNeverWaits(t *testing.T) {
	t.Parallel()

	l := New(Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 100; i++ {
		require.NoError(t, l.Wait(ctx, "example.com"))
	}
	require.Zero(t, l.Hosts())

	var nilLimiter *Limiter
	require.NoError(t, nilLimiter.Wait(ctx, "example.com"))
}

func TestLimiter_PrunesBeyondMaxHosts(t *testing.T) {
	t.Parallel()

	l := New(Config{RPS: 0.001, Burst: 1, MaxHosts: 2})
	base := time.Unix(1_700_000_000, 0)
	tick := 0
	l.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Millisecond)
	}
	ctx := context.Background()

	require.NoError(t, l.Wait(ctx, "a.example"))
	require.NoError(t, l.Wait(ctx, "b.example"))
	require.NoError(t, l.Wait(ctx, "c.example"))
	require.Equal(t, 2, l.Hosts())

	l.mu.Lock()
	_, kept := l.hosts["a.example"]
	l.mu.Unlock()
	require.False(t, kept, "least recently used host is dropped first")
}
