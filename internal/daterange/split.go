package daterange

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
)

const (
	// DefaultGranularity is the smallest sub-interval the splitter will produce.
	DefaultGranularity = time.Second
	// DefaultMaxDepth bounds recursion independently of granularity.
	DefaultMaxDepth = 32
)

// ErrInvalidWindow is returned when the maximum window is not positive.
var ErrInvalidWindow = errors.New("max window must be positive")

// RangeTooDenseError means an interval holds more records than the remote window allows
// and cannot be split further by time. The caller has to narrow it with another filter.
type RangeTooDenseError struct {
	Interval  Interval
	Count     int
	MaxWindow int
}

func (e *RangeTooDenseError) Error() string {
	return fmt.Sprintf("range %s too dense: %d records exceed window of %d and interval cannot be split further",
		e.Interval, e.Count, e.MaxWindow)
}

// ProbeFunc returns how many records exist in an interval.
type ProbeFunc func(ctx context.Context, iv Interval) (int, error)

// Probe is the count observed for one sub-interval.
type Probe struct {
	Interval Interval
	Count    int
}

type splitter struct {
	probe       ProbeFunc
	maxWindow   int
	granularity time.Duration
	maxDepth    int
	logger      *slog.Logger
	calls       int
}

// Option tunes Split.
type Option func(*splitter)

// WithGranularity sets the minimum sub-interval length.
func WithGranularity(d time.Duration) Option {
	return func(s *splitter) {
		if d > 0 {
			s.granularity = d
		}
	}
}

// WithMaxDepth caps recursion depth.
func WithMaxDepth(n int) Option {
	return func(s *splitter) {
		if n > 0 {
			s.maxDepth = n
		}
	}
}

// WithLogger logs every probe decision at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(s *splitter) {
		if l != nil {
			s.logger = l
		}
	}
}

// Split partitions iv into chronologically ordered sub-intervals whose probed count is at
// most maxWindow.
func Split(ctx context.Context, iv Interval, probe ProbeFunc, maxWindow int, opts ...Option) ([]Interval, error) {
	probes, err := SplitCounted(ctx, iv, probe, maxWindow, opts...)
	if err != nil {
		return nil, err
	}
	out := make([]Interval, len(probes))
	for i, p := range probes {
		out[i] = p.Interval
	}
	return out, nil
}

// SplitCounted is Split but keeps the count observed for each sub-interval, which lets
// callers skip empty ones.
func SplitCounted(ctx context.Context, iv Interval, probe ProbeFunc, maxWindow int, opts ...Option) ([]Probe, error) {
	if !iv.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidInterval, iv)
	}
	if maxWindow <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidWindow, maxWindow)
	}
	if probe == nil {
		return nil, errors.New("split: nil probe function")
	}
	s := &splitter{
		probe:       probe,
		maxWindow:   maxWindow,
		granularity: DefaultGranularity,
		maxDepth:    DefaultMaxDepth,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}

	var out []Probe
	if err := s.split(ctx, iv, 0, &out); err != nil {
		return nil, err
	}
	s.logger.Info("Split interval", slog.String("interval", iv.String()),
		slog.Int("sub_intervals", len(out)), slog.Int("probe_calls", s.calls))
	return out, nil
}

func (s *splitter) split(ctx context.Context, iv Interval, depth int, out *[]Probe) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.calls++
	count, err := s.probe(ctx, iv)
	if err != nil {
		return fmt.Errorf("probe %s: %w", iv, err)
	}
	if count < 0 {
		return fmt.Errorf("probe %s: negative count %d", iv, count)
	}
	s.logger.Debug("Probed interval", slog.String("interval", iv.String()), slog.Int("count", count), slog.Int("depth", depth))

	if count <= s.maxWindow {
		*out = append(*out, Probe{Interval: iv, Count: count})
		return nil
	}

	mid, ok := iv.midpoint(s.granularity)
	if !ok || depth >= s.maxDepth {
		return &RangeTooDenseError{Interval: iv, Count: count, MaxWindow: s.maxWindow}
	}
	if err := s.split(ctx, Interval{Start: iv.Start, End: mid}, depth+1, out); err != nil {
		return err
	}
	return s.split(ctx, Interval{Start: mid, End: iv.End}, depth+1, out)
}
