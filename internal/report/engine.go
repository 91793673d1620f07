// Package report turns date-bounded Arc queries into complete record sets and CSV reports.
// The Engine owns the split, tune and fetch sequence shared by every report.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/optimizer"
)

// Source is a remote collection that can be counted and paged by date.
type Source interface {
	// Name labels the source in logs and task scopes.
	Name() string
	// Count returns how many records fall in iv.
	Count(ctx context.Context, iv daterange.Interval) (int, error)
	// Fetch returns the page at t.Offset for t's interval. A zero interval means the
	// source is read without a date bound.
	Fetch(ctx context.Context, t fetch.Task) (fetch.Page, error)
}

// ErrAborted wraps errors that stop a run before any record is fetched.
var ErrAborted = errors.New("run aborted")

// Options tunes an Engine.
type Options struct {
	MaxWindow   int
	Granularity time.Duration
	// WorkerCeiling caps the worker count no matter what trials measure.
	WorkerCeiling int
	Candidates    []int
	TrialBudget   time.Duration
	// TrialTasks is the number of sub-intervals fetched by each trial batch.
	TrialTasks int
}

// Engine runs fetches for one report. All pools it creates share the limiter, policy,
// stats and observer in fetch.
type Engine struct {
	fetch  fetch.Config
	opts   Options
	opt    *optimizer.Optimizer
	logger *slog.Logger
}

// Outcome is what an Engine fetch produced.
type Outcome struct {
	Records   []fetch.Record
	Failures  []fetch.Failure
	Intervals []daterange.Probe
	Skipped   int
	Choice    optimizer.Choice
	Stats     fetch.Snapshot
}

// NewEngine validates opts and builds an Engine.
func NewEngine(fc fetch.Config, opts Options, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.MaxWindow < 1 {
		return nil, fmt.Errorf("max window must be positive, got %d", opts.MaxWindow)
	}
	if opts.Granularity <= 0 {
		opts.Granularity = daterange.DefaultGranularity
	}
	if opts.TrialTasks < 1 {
		opts.TrialTasks = 2
	}
	if len(opts.Candidates) == 0 {
		opts.Candidates = optimizer.DefaultCandidates
	}
	opt, err := optimizer.New(opts.WorkerCeiling, opts.TrialBudget, logger.With(slog.String("component", "optimizer")))
	if err != nil {
		return nil, err
	}
	if fc.Stats == nil {
		fc.Stats = fetch.NewStats()
	}
	if fc.Logger == nil {
		fc.Logger = logger.With(slog.String("component", "pool"))
	}
	return &Engine{fetch: fc, opts: opts, opt: opt, logger: logger}, nil
}

// Stats are the counters shared by every pool of this engine.
func (e *Engine) Stats() *fetch.Stats { return e.fetch.Stats }

// NewPool returns a fresh pool (with its own dedup set) on the engine's shared config.
func (e *Engine) NewPool() *fetch.Pool { return fetch.NewPool(e.fetch) }

// Ceiling is the worker cap.
func (e *Engine) Ceiling() int { return e.opts.WorkerCeiling }

// Fetch collects every record of src within iv. With a nil iv the source is paged as one
// unbounded chain. Errors are returned only for structural or fatal problems and for
// cancellation; individual task failures are in Outcome.Failures.
func (e *Engine) Fetch(ctx context.Context, src Source, iv *daterange.Interval) (Outcome, error) {
	pool := e.NewPool()
	l := e.logger.With(slog.String("source", src.Name()))

	if iv == nil {
		l.Info("Fetching without date bound")
		res, err := pool.Run(ctx, []fetch.Task{fetch.ItemTask(src.Name())}, 1, src.Fetch)
		return Outcome{Records: res.Records, Failures: res.Failures, Stats: res.Stats}, err
	}
	if !iv.Valid() {
		return Outcome{}, fmt.Errorf("%w: %w: %s", ErrAborted, daterange.ErrInvalidInterval, iv)
	}

	probe := func(ctx context.Context, sub daterange.Interval) (int, error) {
		var n int
		err := pool.Call(ctx, func(ctx context.Context) error {
			var err error
			n, err = src.Count(ctx, sub)
			return err
		})
		return n, err
	}
	probes, err := daterange.SplitCounted(ctx, *iv, probe, e.opts.MaxWindow,
		daterange.WithGranularity(e.opts.Granularity), daterange.WithLogger(l))
	if err != nil {
		return Outcome{Stats: e.Stats().Snapshot()}, fmt.Errorf("%w: split %s: %w", ErrAborted, iv, err)
	}

	out := Outcome{Intervals: probes}
	var tasks []fetch.Task
	for _, p := range probes {
		if p.Count == 0 {
			out.Skipped++
			continue
		}
		tasks = append(tasks, fetch.IntervalTask(p.Interval))
	}
	l.Info("Interval split",
		slog.Int("sub_intervals", len(probes)), slog.Int("empty", out.Skipped), slog.Int("tasks", len(tasks)))

	workers, rest, err := e.tune(ctx, pool, tasks, src, &out)
	if err != nil {
		return e.finish(pool, out), err
	}
	if _, err := pool.Run(ctx, rest, workers, src.Fetch); err != nil {
		return e.finish(pool, out), err
	}
	return e.finish(pool, out), nil
}

// tune trials worker counts on the first batches of tasks and returns the chosen count
// and the tasks left over. Trial records stay in the pool.
func (e *Engine) tune(ctx context.Context, pool *fetch.Pool, tasks []fetch.Task, src Source, out *Outcome) (int, []fetch.Task, error) {
	cands := e.opt.Candidates(e.opts.Candidates)
	if len(cands) > 0 && len(tasks) < e.opts.TrialTasks*len(cands) {
		// Too little work to measure; the trials would be the whole run.
		w := min(cands[len(cands)-1], max(len(tasks), 1))
		e.logger.Info("Skipping worker trials for small run", slog.Int("tasks", len(tasks)), slog.Int("workers", w))
		out.Choice = optimizer.Choice{Workers: w, Skipped: true}
		return w, tasks, nil
	}

	rest := tasks
	trial := func(ctx context.Context, workers int) (int, time.Duration, error) {
		n := min(e.opts.TrialTasks, len(rest))
		batch := rest[:n]
		rest = rest[n:]
		start := time.Now()
		res, err := pool.Run(ctx, batch, workers, src.Fetch)
		return len(res.Records), time.Since(start), err
	}
	choice, err := e.opt.Optimize(ctx, cands, trial)
	out.Choice = choice
	if err != nil {
		return 0, nil, err
	}
	return choice.Workers, rest, nil
}

func (e *Engine) finish(pool *fetch.Pool, out Outcome) Outcome {
	out.Records = pool.Records()
	out.Failures = pool.Failures()
	out.Stats = e.Stats().Snapshot()
	return out
}

// Acquire paces and counts an extra remote call made from inside a task, where the pool
// has already paid for the first call.
func (e *Engine) Acquire(ctx context.Context) error {
	if e.fetch.Limiter != nil {
		if err := e.fetch.Limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	e.fetch.Stats.AddAPICalls(1)
	return nil
}

// Items runs one task per id on a fresh pool. It is used for per-item work such as
// usage checks, where there is no interval to split.
func (e *Engine) Items(ctx context.Context, ids []string, workers int, fn fetch.FetchFunc) (fetch.Result, error) {
	tasks := make([]fetch.Task, len(ids))
	for i, id := range ids {
		tasks[i] = fetch.ItemTask(id)
	}
	return e.NewPool().Run(ctx, tasks, max(1, min(workers, e.opts.WorkerCeiling)), fn)
}
