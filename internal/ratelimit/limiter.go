package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// ErrInvalidConfig is returned when the limiter cannot be built from the supplied settings.
var ErrInvalidConfig = errors.New("invalid rate limiter configuration")

// Clock is the time source used by the limiter. The real clock sleeps; test clocks
// advance virtual time instead.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// Limiter is a token bucket shared by every worker of a run. Acquire only ever delays;
// the only error it returns is the caller's own context cancellation.
type Limiter struct {
	lim   *rate.Limiter
	clock Clock
	rps   float64
	burst int

	granted atomic.Int64
	delayed atomic.Int64
	waited  atomic.Int64 // nanoseconds
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock swaps the time source, mostly for tests.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// New builds a limiter allowing rps requests per second with the given burst capacity.
func New(rps float64, burst int, opts ...Option) (*Limiter, error) {
	if rps <= 0 {
		return nil, fmt.Errorf("%w: rate must be positive, got %v", ErrInvalidConfig, rps)
	}
	if burst < 1 {
		return nil, fmt.Errorf("%w: burst must be at least 1, got %d", ErrInvalidConfig, burst)
	}
	l := &Limiter{
		lim:   rate.NewLimiter(rate.Limit(rps), burst),
		clock: systemClock{},
		rps:   rps,
		burst: burst,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until a token is available. The reservation is taken against the
// limiter's clock so that callers are served in the order they arrive.
func (l *Limiter) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := l.clock.Now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		// Only possible when burst is zero, which New rejects.
		return fmt.Errorf("%w: reservation refused", ErrInvalidConfig)
	}
	d := r.DelayFrom(now)
	l.granted.Add(1)
	if d <= 0 {
		return nil
	}
	l.delayed.Add(1)
	l.waited.Add(int64(d))
	if err := l.clock.Sleep(ctx, d); err != nil {
		// Hand the token back so cancelled callers don't starve the rest of the run.
		r.CancelAt(l.clock.Now())
		return err
	}
	return nil
}

// Rate returns the configured requests per second.
func (l *Limiter) Rate() float64 { return l.rps }

// Burst returns the configured bucket size.
func (l *Limiter) Burst() int { return l.burst }

// Stats reports how many acquisitions were granted, how many had to wait and the total wait.
func (l *Limiter) Stats() (granted, delayed int64, waited time.Duration) {
	return l.granted.Load(), l.delayed.Load(), time.Duration(l.waited.Load())
}
