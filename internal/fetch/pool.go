package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Acquirer is the rate limiter seen by the pool.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Config wires a Pool. Limiter and Observer are optional.
type Config struct {
	Limiter  Acquirer
	Policy   Policy
	Stats    *Stats
	Logger   *slog.Logger
	Observer func(Event)
}

// Pool runs fetch tasks on a bounded number of workers. A single dispatcher goroutine
// owns the queue, the retry timers and the dedup set; workers only make calls.
// Run may be called several times on one Pool (trial batches then the main batch) and
// dedup spans all of them.
type Pool struct {
	limiter  Acquirer
	policy   Policy
	stats    *Stats
	logger   *slog.Logger
	observer func(Event)

	mu       sync.Mutex
	seen     map[string]struct{}
	records  []Record
	failures []Failure
}

// Result is what one Run produced.
type Result struct {
	Records  []Record
	Failures []Failure
	Stats    Snapshot
}

type outcome struct {
	task    Task
	page    Page
	err     error
	elapsed time.Duration
}

// NewPool builds a pool from cfg, filling in defaults.
func NewPool(cfg Config) *Pool {
	p := &Pool{
		limiter:  cfg.Limiter,
		policy:   cfg.Policy.withDefaults(),
		stats:    cfg.Stats,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		seen:     make(map[string]struct{}),
	}
	if p.stats == nil {
		p.stats = NewStats()
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

// Stats exposes the shared counters.
func (p *Pool) Stats() *Stats { return p.stats }

// Records returns every unique record emitted by all runs so far.
func (p *Pool) Records() []Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Record(nil), p.records...)
}

// Failures returns every failure recorded by all runs so far.
func (p *Pool) Failures() []Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Failure(nil), p.failures...)
}

// Run executes tasks with the given number of workers. Task failures never abort the run;
// they are returned in Result.Failures. The error is non-nil only for bad arguments or
// when ctx is cancelled, in which case the records emitted so far are still returned.
func (p *Pool) Run(ctx context.Context, tasks []Task, workers int, fn FetchFunc) (Result, error) {
	if workers < 1 {
		return Result{}, fmt.Errorf("worker count must be at least 1, got %d", workers)
	}
	if fn == nil {
		return Result{}, errors.New("nil fetch function")
	}
	res := Result{}
	if len(tasks) == 0 {
		res.Stats = p.stats.Snapshot()
		return res, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan Task)
	outcomes := make(chan outcome)
	ready := make(chan Task)

	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go p.worker(runCtx, i, jobs, outcomes, fn, &wg)
	}
	p.logger.Info("Fetch pool started", slog.Int("tasks", len(tasks)), slog.Int("workers", workers))

	queue := append([]Task(nil), tasks...)
	inflight, delayed := 0, 0
	var timers []*time.Timer

loop:
	for len(queue) > 0 || inflight > 0 || delayed > 0 {
		var send chan Task
		var next Task
		if len(queue) > 0 {
			send = jobs
			next = queue[0]
		}
		select {
		case send <- next:
			queue = queue[1:]
			inflight++
		case o := <-outcomes:
			inflight--
			cont, retry, wait := p.handle(runCtx, o, &res)
			if cont != nil {
				// Continuations go first so open chains finish before new ones start.
				queue = append([]Task{*cont}, queue...)
			}
			if retry != nil {
				delayed++
				t := *retry
				timers = append(timers, time.AfterFunc(wait, func() {
					select {
					case ready <- t:
					case <-runCtx.Done():
					}
				}))
			}
		case t := <-ready:
			delayed--
			queue = append(queue, t)
		case <-ctx.Done():
			break loop
		}
	}

	close(jobs)
	for _, t := range timers {
		t.Stop()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()
	// Workers still holding a task finish (or abandon) it; completed pages are kept.
	for o := range outcomes {
		if o.err == nil {
			p.emit(o, &res)
		}
	}

	res.Stats = p.stats.Snapshot()
	if err := ctx.Err(); err != nil {
		p.logger.Warn("Fetch pool cancelled", slog.Int("pending", len(queue)+delayed), slog.Int("records", len(res.Records)))
		return res, err
	}
	p.logger.Info("Fetch pool finished", slog.Int("records", len(res.Records)), slog.Int("failures", len(res.Failures)))
	return res, nil
}

func (p *Pool) worker(ctx context.Context, id int, jobs <-chan Task, out chan<- outcome, fn FetchFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	l := p.logger.With(slog.Int("worker", id))
	for t := range jobs {
		o := outcome{task: t}
		o.err = ctx.Err()
		if o.err == nil && p.limiter != nil {
			o.err = p.limiter.Acquire(ctx)
		}
		if o.err == nil {
			p.stats.apiCalls.Add(1)
			start := time.Now()
			o.page, o.err = fn(ctx, t)
			o.elapsed = time.Since(start)
		}
		if o.err != nil {
			l.Debug("Task call failed", slog.String("task", t.String()), slog.Int("attempt", t.Attempt), "error", o.err)
		}
		out <- o
	}
}

// handle processes one outcome on the dispatcher goroutine. It returns a continuation to
// enqueue now, or a retry to enqueue after wait.
func (p *Pool) handle(ctx context.Context, o outcome, res *Result) (cont *Task, retry *Task, wait time.Duration) {
	t := o.task
	if o.err == nil {
		p.emit(o, res)
		if o.page.More {
			if o.page.Next <= t.Offset {
				p.fail(t, fmt.Errorf("%w: pagination did not advance past offset %d", ErrMalformed, t.Offset), res)
				return nil, nil, 0
			}
			c := Task{Interval: t.Interval, Item: t.Item, Offset: o.page.Next}
			return &c, nil, 0
		}
		p.stats.tasksDone.Add(1)
		p.notify(Event{Kind: EventDone, Task: t, Elapsed: o.elapsed})
		return nil, nil, 0
	}

	if ctx.Err() != nil {
		// Abandoned by cancellation; not a task failure.
		return nil, nil, 0
	}

	if IsTransient(o.err) && t.Attempt < p.policy.MaxRetries {
		wait = p.policy.Delay(t.Attempt)
		r := t
		r.Attempt++
		r.LastErr = o.err
		p.stats.retries.Add(1)
		p.logger.Warn("Transient failure, retrying",
			slog.String("task", t.String()), slog.Int("attempt", r.Attempt),
			slog.Duration("delay", wait), "error", o.err)
		p.notify(Event{Kind: EventRetry, Task: r, Err: o.err, Elapsed: o.elapsed})
		return nil, &r, wait
	}

	p.fail(t, o.err, res)
	return nil, nil, 0
}

func (p *Pool) fail(t Task, err error, res *Result) {
	f := Failure{Task: t, Err: err, Attempts: t.Attempt + 1}
	p.stats.failures.Add(1)
	res.Failures = append(res.Failures, f)
	p.mu.Lock()
	p.failures = append(p.failures, f)
	p.mu.Unlock()
	p.logger.Error("Task failed", slog.String("task", t.String()), slog.Int("attempts", f.Attempts), "error", err)
	p.notify(Event{Kind: EventFailed, Task: t, Err: err})
}

// emit dedups a page's records by ID. Records without an ID are always kept.
func (p *Pool) emit(o outcome, res *Result) {
	p.stats.pages.Add(1)
	fresh := 0
	p.mu.Lock()
	for _, r := range o.page.Records {
		if r.ID != "" {
			if _, dup := p.seen[r.ID]; dup {
				p.stats.duplicates.Add(1)
				continue
			}
			p.seen[r.ID] = struct{}{}
		}
		p.records = append(p.records, r)
		res.Records = append(res.Records, r)
		fresh++
	}
	p.mu.Unlock()
	p.stats.records.Add(int64(fresh))
	p.notify(Event{Kind: EventPage, Task: o.task, Records: fresh, Elapsed: o.elapsed})
}

func (p *Pool) notify(e Event) {
	if p.observer != nil {
		p.observer(e)
	}
}

// Call makes one rate-limited remote call outside the task queue, retrying transient
// failures with the pool's policy. The count probe of the range splitter uses it.
func (p *Pool) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	for attempt := 0; ; attempt++ {
		if p.limiter != nil {
			if err := p.limiter.Acquire(ctx); err != nil {
				return err
			}
		}
		p.stats.apiCalls.Add(1)
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !IsTransient(err) || attempt >= p.policy.MaxRetries {
			return err
		}
		p.stats.retries.Add(1)
		wait := p.policy.Delay(attempt)
		p.logger.Warn("Transient failure on direct call, retrying", slog.Int("attempt", attempt+1), slog.Duration("delay", wait), "error", err)
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}
}
