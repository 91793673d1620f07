package daterange

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidInterval is returned for intervals whose start is not strictly before their end.
var ErrInvalidInterval = errors.New("invalid interval")

// Interval is a half-open time range [Start, End).
type Interval struct {
	Start time.Time
	End   time.Time
}

// New validates and builds an interval.
func New(start, end time.Time) (Interval, error) {
	if !start.Before(end) {
		return Interval{}, fmt.Errorf("%w: start %s is not before end %s", ErrInvalidInterval,
			start.Format(time.RFC3339), end.Format(time.RFC3339))
	}
	return Interval{Start: start.UTC(), End: end.UTC()}, nil
}

// Parse builds an interval from two user supplied bounds (see ParseBound).
func Parse(start, end string) (Interval, error) {
	s, err := ParseBound(start)
	if err != nil {
		return Interval{}, fmt.Errorf("parse start: %w", err)
	}
	e, err := ParseBound(end)
	if err != nil {
		return Interval{}, fmt.Errorf("parse end: %w", err)
	}
	return New(s, e)
}

var boundLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseBound accepts a date or a date-time. Values without a zone are taken as UTC.
// Search queries carry whole seconds, so fractional seconds are rejected.
func ParseBound(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range boundLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			if t.Nanosecond() != 0 {
				return time.Time{}, fmt.Errorf("%w: %q has fractional seconds; bounds must be whole seconds", ErrInvalidInterval, s)
			}
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unrecognised time %q (want YYYY-MM-DD or RFC3339)", ErrInvalidInterval, s)
}

// Duration is End minus Start.
func (iv Interval) Duration() time.Duration { return iv.End.Sub(iv.Start) }

// Contains reports whether t falls in [Start, End).
func (iv Interval) Contains(t time.Time) bool {
	return !t.Before(iv.Start) && t.Before(iv.End)
}

// Valid reports whether Start is strictly before End.
func (iv Interval) Valid() bool { return iv.Start.Before(iv.End) }

func (iv Interval) String() string {
	return iv.Start.UTC().Format(time.RFC3339) + "/" + iv.End.UTC().Format(time.RFC3339)
}

// Label is a compact form used in file names, e.g. 2024-01-01 or 2024-01-01T12-30-00.
func (iv Interval) Label() (string, string) {
	return label(iv.Start), label(iv.End)
}

func label(t time.Time) string {
	t = t.UTC()
	if t.Equal(t.Truncate(24 * time.Hour)) {
		return t.Format("2006-01-02")
	}
	return t.Format("2006-01-02T15-04-05")
}

// midpoint returns the split instant aligned to granularity, or false if either half
// would be shorter than one granule.
func (iv Interval) midpoint(granularity time.Duration) (time.Time, bool) {
	half := (iv.Duration() / 2).Truncate(granularity)
	if half < granularity {
		return time.Time{}, false
	}
	return iv.Start.Add(half), true
}
