package fetch

import (
	"sync/atomic"
	"time"
)

// Stats holds the counters of one run. Every field is updated atomically so workers,
// the dispatcher and the count probe can share one instance.
type Stats struct {
	started time.Time

	records    atomic.Int64
	duplicates atomic.Int64
	pages      atomic.Int64
	apiCalls   atomic.Int64
	retries    atomic.Int64
	failures   atomic.Int64
	tasksDone  atomic.Int64
}

// NewStats starts the run clock.
func NewStats() *Stats {
	return &Stats{started: time.Now()}
}

// AddAPICalls counts remote calls made outside the pool's own task calls.
func (s *Stats) AddAPICalls(n int64) { s.apiCalls.Add(n) }

// Snapshot is a point-in-time copy of Stats.
type Snapshot struct {
	Records    int64
	Duplicates int64
	Pages      int64
	APICalls   int64
	Retries    int64
	Failures   int64
	TasksDone  int64
	Elapsed    time.Duration
}

// Throughput is records per second over the elapsed time.
func (s Snapshot) Throughput() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Records) / s.Elapsed.Seconds()
}

// Snapshot copies the current counters.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Records:    s.records.Load(),
		Duplicates: s.duplicates.Load(),
		Pages:      s.pages.Load(),
		APICalls:   s.apiCalls.Load(),
		Retries:    s.retries.Load(),
		Failures:   s.failures.Load(),
		TasksDone:  s.tasksDone.Load(),
		Elapsed:    time.Since(s.started),
	}
}
