package ratelimit_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/brensch/arcaudit/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances virtual time on Sleep instead of blocking.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	_, err := ratelimit.New(0, 1)
	require.ErrorIs(t, err, ratelimit.ErrInvalidConfig)

	_, err = ratelimit.New(5, 0)
	require.ErrorIs(t, err, ratelimit.ErrInvalidConfig)
}

func TestAcquireHonoursRateOnMockClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}

	const (
		n     = 20
		rps   = 5.0
		burst = 2
	)
	lim, err := ratelimit.New(rps, burst, ratelimit.WithClock(clock))
	require.NoError(t, err)

	for i := 0; i < n; i++ {
		require.NoError(t, lim.Acquire(context.Background()))
	}

	elapsed := clock.Now().Sub(start)
	minimum := time.Duration(float64(n-burst) / rps * float64(time.Second))
	assert.GreaterOrEqual(t, elapsed, minimum-time.Millisecond)

	granted, delayed, _ := lim.Stats()
	assert.EqualValues(t, n, granted)
	assert.EqualValues(t, n-burst, delayed)
}

func TestAcquireBurstIsFree(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := &fakeClock{now: start}
	lim, err := ratelimit.New(1, 3, ratelimit.WithClock(clock))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, lim.Acquire(context.Background()))
	}
	assert.Equal(t, start, clock.Now())
}

func TestAcquireConcurrentCallers(t *testing.T) {
	lim, err := ratelimit.New(50, 1)
	require.NoError(t, err)

	const calls = 26
	begin := time.Now()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < calls; i += 8 {
				assert.NoError(t, lim.Acquire(context.Background()))
			}
		}(w)
	}
	wg.Wait()

	// 25 paid tokens at 50/s.
	assert.GreaterOrEqual(t, time.Since(begin), 450*time.Millisecond)
}

func TestAcquireReturnsOnCancel(t *testing.T) {
	lim, err := ratelimit.New(0.1, 1)
	require.NoError(t, err)
	require.NoError(t, lim.Acquire(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = lim.Acquire(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
