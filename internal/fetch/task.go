package fetch

import (
	"context"
	"fmt"
	"time"

	"github.com/brensch/arcaudit/internal/daterange"
)

// Task is one unit of work: a sub-interval (or a single work item) plus the pagination
// offset reached so far. A task belongs to exactly one worker while it runs.
type Task struct {
	Interval daterange.Interval
	Item     string
	Offset   int
	Attempt  int
	LastErr  error
}

// IntervalTask starts a paginated fetch over iv.
func IntervalTask(iv daterange.Interval) Task { return Task{Interval: iv} }

// ItemTask is a single-call task keyed by an identifier (usage checks, deletions).
func ItemTask(id string) Task { return Task{Item: id} }

// Scope names what the task covers, without the offset.
func (t Task) Scope() string {
	if t.Item != "" {
		return t.Item
	}
	return t.Interval.String()
}

func (t Task) String() string {
	if t.Offset == 0 {
		return t.Scope()
	}
	return fmt.Sprintf("%s@%d", t.Scope(), t.Offset)
}

// Record is one fetched item. ID is the platform identifier used for dedup; URL is the
// field handed to the status probe.
type Record struct {
	ID     string
	URL    string
	Fields map[string]string
}

// Get returns a field or "".
func (r Record) Get(key string) string {
	if r.Fields == nil {
		return ""
	}
	return r.Fields[key]
}

// Set writes a field, allocating the map if needed.
func (r *Record) Set(key, value string) {
	if r.Fields == nil {
		r.Fields = make(map[string]string)
	}
	r.Fields[key] = value
}

// Page is what a FetchFunc returns for one call. When More is set the pool schedules a
// continuation at Next.
type Page struct {
	Records []Record
	Next    int
	More    bool
}

// FetchFunc performs one remote call for a task.
type FetchFunc func(ctx context.Context, t Task) (Page, error)

// Failure is a task that failed permanently or ran out of retries.
type Failure struct {
	Task     Task
	Err      error
	Attempts int
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s failed after %d attempt(s): %v", f.Task, f.Attempts, f.Err)
}

// EventKind labels pool events for observers such as the run ledger.
type EventKind string

const (
	EventPage   EventKind = "page"
	EventRetry  EventKind = "retry"
	EventFailed EventKind = "failed"
	EventDone   EventKind = "done"
)

// Event describes one task outcome.
type Event struct {
	Kind    EventKind
	Task    Task
	Records int
	Err     error
	Elapsed time.Duration
}
