package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiroflow/kiro-proxy-go/internal/config"
)

// fakeClock drives the limiter deterministically: sleeps advance the clock
// instead of blocking.
type fakeClock struct {
	now    time.Time
	slept  []time.Duration
	cancel bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) install(l *Limiter) {
	l.now = func() time.Time { return c.now }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		if c.cancel {
			return context.Canceled
		}
		c.slept = append(c.slept, d)
		c.now = c.now.Add(d)
		return nil
	}
}

func newTestLimiter(settings config.RateLimitSettings) (*Limiter, *fakeClock) {
	l := NewLimiter(settings, zerolog.Nop())
	clock := newFakeClock()
	clock.install(l)
	return l, clock
}

func TestAcquireDisabledIsNoop(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitSettings{Enabled: false})

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background(), "acc1"))
	}
	assert.Empty(t, clock.slept)

	perAccount, global := l.WindowCounts()
	assert.Empty(t, perAccount, "disabled limiter records nothing")
	assert.Zero(t, global)
}

func TestAcquireWithinAccountWindow(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitSettings{
		Enabled:              true,
		MaxRequestsPerMinute: 3,
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Acquire(context.Background(), "acc1"))
		clock.now = clock.now.Add(time.Second)
	}
	assert.Empty(t, clock.slept)

	// fourth request waits for the first slot to leave the window
	require.NoError(t, l.Acquire(context.Background(), "acc1"))
	require.NotEmpty(t, clock.slept)
	assert.Equal(t, 57*time.Second, clock.slept[0])
}

func TestAcquireGlobalWindow(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitSettings{
		Enabled:                    true,
		MaxRequestsPerMinute:       100,
		GlobalMaxRequestsPerMinute: 2,
	})

	require.NoError(t, l.Acquire(context.Background(), "acc1"))
	require.NoError(t, l.Acquire(context.Background(), "acc2"))
	require.NoError(t, l.Acquire(context.Background(), "acc3"))
	assert.NotEmpty(t, clock.slept, "third request should wait on the global window")
}

func TestAcquireMinInterval(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitSettings{
		Enabled:                   true,
		MinRequestIntervalSeconds: 2,
	})

	require.NoError(t, l.Acquire(context.Background(), "acc1"))
	require.NoError(t, l.Acquire(context.Background(), "acc1"))
	require.Len(t, clock.slept, 1)
	assert.Equal(t, 2*time.Second, clock.slept[0])

	// other accounts are not spaced against acc1
	clock.slept = nil
	require.NoError(t, l.Acquire(context.Background(), "acc2"))
	assert.Empty(t, clock.slept)
}

func TestAcquireContextCancel(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitSettings{
		Enabled:              true,
		MaxRequestsPerMinute: 1,
	})
	require.NoError(t, l.Acquire(context.Background(), "acc1"))

	clock.cancel = true
	err := l.Acquire(context.Background(), "acc1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWindowCountsPrunes(t *testing.T) {
	l, clock := newTestLimiter(config.RateLimitSettings{
		Enabled:              true,
		MaxRequestsPerMinute: 100,
	})

	require.NoError(t, l.Acquire(context.Background(), "acc1"))
	require.NoError(t, l.Acquire(context.Background(), "acc1"))

	perAccount, global := l.WindowCounts()
	assert.Equal(t, 2, perAccount["acc1"])
	assert.Equal(t, 2, global)

	clock.now = clock.now.Add(2 * time.Minute)
	perAccount, global = l.WindowCounts()
	assert.Empty(t, perAccount)
	assert.Zero(t, global)
}

func TestUpdateSettings(t *testing.T) {
	l, _ := newTestLimiter(config.RateLimitSettings{Enabled: false})
	assert.False(t, l.Enabled())

	l.UpdateSettings(config.RateLimitSettings{Enabled: true, QuotaCooldownSeconds: 45})
	assert.True(t, l.Enabled())
	assert.Equal(t, 45*time.Second, l.QuotaCooldown())
}
