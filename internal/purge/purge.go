package purge

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/preserved"
	"github.com/brensch/arcaudit/internal/sink"
)

// Outcome CSV layout.
var OutcomeColumns = []string{"id", "website", "kind", "action", "result", "error", "at"}

// Results written to the outcome file.
const (
	ResultDone   = "done"
	ResultDryRun = "dry-run"
	ResultVetoed = "preserved"
	ResultFailed = "failed"
)

// DefaultSettle is how long a story is left unpublished before it is deleted.
const DefaultSettle = 5 * time.Second

// Mutator is the part of the Arc client that changes content.
type Mutator interface {
	DeleteRedirect(ctx context.Context, website, url string) error
	UnpublishStory(ctx context.Context, id string) error
	DeleteStory(ctx context.Context, id string) error
	DeletePhoto(ctx context.Context, id string) error
	ExpirePhoto(ctx context.Context, id string) error
}

// Options controls a purge run.
type Options struct {
	Kind   Kind
	DryRun bool
	// HardDelete deletes photos instead of expiring them.
	HardDelete bool
	Preserved  *preserved.Set
	// Settle is the pause between unpublishing a story and deleting it.
	Settle  time.Duration
	Workers int
}

// Summary counts what a purge did.
type Summary struct {
	Requested int
	Done      int
	Vetoed    int
	Failures  []fetch.Failure
	Stats     fetch.Snapshot
}

// Purger runs mutations as item tasks so they get the pool's pacing and retries.
type Purger struct {
	fetch  fetch.Config
	api    Mutator
	opts   Options
	out    sink.Sink
	logger *slog.Logger
	now    func() time.Time
}

// New builds a Purger. out receives one row per item and may be nil.
func New(fc fetch.Config, api Mutator, opts Options, out sink.Sink, logger *slog.Logger) (*Purger, error) {
	if _, err := ParseKind(string(opts.Kind)); err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.Settle < 0 {
		opts.Settle = 0
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if fc.Stats == nil {
		fc.Stats = fetch.NewStats()
	}
	if fc.Logger == nil {
		fc.Logger = logger.With(slog.String("component", "pool"))
	}
	return &Purger{fetch: fc, api: api, opts: opts, out: out, logger: logger, now: time.Now}, nil
}

// Action names the mutation applied to each item.
func (p *Purger) Action() string {
	switch p.opts.Kind {
	case Redirects:
		return "delete redirect"
	case Wires:
		return "unpublish and delete story"
	}
	if p.opts.HardDelete {
		return "delete photo"
	}
	return "expire photo"
}

// Run purges items. Preserved items are skipped before any call is made. A failed item
// never stops the others, except a rejected token, which cancels the run and is returned.
func (p *Purger) Run(ctx context.Context, items []Item) (Summary, error) {
	sum := Summary{Requested: len(items)}
	byKey := make(map[string]Item, len(items))
	tasks := make([]fetch.Task, 0, len(items))
	for _, it := range items {
		if p.opts.Preserved.Contains(it.ID) {
			sum.Vetoed++
			p.logger.Warn("Skipping preserved item", slog.String("id", it.ID), slog.String("preserved_source", p.opts.Preserved.Source()))
			if err := p.record(it, ResultVetoed, nil); err != nil {
				return sum, err
			}
			continue
		}
		key := it.String()
		if _, dup := byKey[key]; dup {
			continue
		}
		byKey[key] = it
		tasks = append(tasks, fetch.ItemTask(key))
	}

	p.logger.Info("Starting purge",
		slog.String("kind", string(p.opts.Kind)), slog.String("action", p.Action()),
		slog.Int("items", len(tasks)), slog.Int("vetoed", sum.Vetoed), slog.Bool("dry_run", p.opts.DryRun))

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	pool := fetch.NewPool(p.fetch)
	res, err := pool.Run(runCtx, tasks, p.opts.Workers, func(ctx context.Context, t fetch.Task) (fetch.Page, error) {
		it := byKey[t.Item]
		if err := p.apply(ctx, it); err != nil {
			if arc.IsUnauthorized(err) {
				p.logger.Error("Credentials rejected; aborting purge", slog.String("id", it.ID), "error", err)
				if rerr := p.record(it, ResultFailed, err); rerr != nil {
					p.logger.Error("Failed to record purge outcome", "error", rerr)
				}
				cancel(err)
			}
			return fetch.Page{}, err
		}
		result := ResultDone
		if p.opts.DryRun {
			result = ResultDryRun
		}
		if err := p.record(it, result, nil); err != nil {
			return fetch.Page{}, fetch.Permanent(err)
		}
		return fetch.Page{Records: []fetch.Record{{ID: t.Item}}}, nil
	})
	sum.Done = len(res.Records)
	sum.Failures = res.Failures
	sum.Stats = res.Stats
	for _, f := range res.Failures {
		if rerr := p.record(byKey[f.Task.Item], ResultFailed, f.Err); rerr != nil {
			return sum, rerr
		}
	}
	if cause := context.Cause(runCtx); arc.IsUnauthorized(cause) {
		return sum, fmt.Errorf("purge aborted after %d of %d items: %w", sum.Done, len(tasks), cause)
	}
	return sum, err
}

// apply makes the calls for one item. Only the mutating calls are skipped in a dry run.
func (p *Purger) apply(ctx context.Context, it Item) error {
	if p.opts.DryRun {
		p.logger.Info("[DRY RUN] Would "+p.Action(), slog.String("id", it.ID), slog.String("website", it.Website))
		return nil
	}
	var err error
	switch p.opts.Kind {
	case Redirects:
		err = p.api.DeleteRedirect(ctx, it.Website, it.ID)
	case Wires:
		err = p.deleteStory(ctx, it.ID)
	case Photos:
		if p.opts.HardDelete {
			err = p.api.DeletePhoto(ctx, it.ID)
		} else {
			err = p.api.ExpirePhoto(ctx, it.ID)
		}
	}
	if err != nil {
		return err
	}
	p.logger.Info("Purged", slog.String("action", p.Action()), slog.String("id", it.ID), slog.String("website", it.Website))
	return nil
}

// deleteStory unpublishes, waits for the draft to settle, then deletes. The delete is a
// second paced call inside the same task.
func (p *Purger) deleteStory(ctx context.Context, id string) error {
	if err := p.api.UnpublishStory(ctx, id); err != nil {
		return err
	}
	if p.opts.Settle > 0 {
		t := time.NewTimer(p.opts.Settle)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	if p.fetch.Limiter != nil {
		if err := p.fetch.Limiter.Acquire(ctx); err != nil {
			return err
		}
	}
	p.fetch.Stats.AddAPICalls(1)
	return p.api.DeleteStory(ctx, id)
}

func (p *Purger) record(it Item, result string, err error) error {
	if p.out == nil {
		return nil
	}
	rec := fetch.Record{ID: it.String(), Fields: map[string]string{
		"id":      it.ID,
		"website": it.Website,
		"kind":    string(p.opts.Kind),
		"action":  p.Action(),
		"result":  result,
		"at":      p.now().UTC().Format(time.RFC3339),
	}}
	if err != nil {
		rec.Set("error", err.Error())
	}
	if werr := p.out.Write(rec); werr != nil {
		return fmt.Errorf("write purge outcome for %s: %w", it, werr)
	}
	return nil
}

// OutcomeName is the outcome file for a kind, e.g. acme_photos_purge_log.csv.
func OutcomeName(org string, sandbox bool, kind Kind) string {
	name := org + "_" + string(kind) + "_purge_log"
	if sandbox {
		name += "_sandbox"
	}
	return name + ".csv"
}
