package optimizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"time"
)

// DefaultCandidates mirrors the worker counts the audit scripts used to try.
var DefaultCandidates = []int{1, 3, 5, 8, 10}

// TrialFunc runs a short batch of real work at the given worker count and reports how
// many items it produced and how long it took.
type TrialFunc func(ctx context.Context, workers int) (items int, elapsed time.Duration, err error)

// Trial is the measurement for one candidate.
type Trial struct {
	Workers    int
	Items      int
	Elapsed    time.Duration
	Throughput float64
	Err        error
}

// Choice is the selected worker count and the evidence behind it.
type Choice struct {
	Workers int
	Trials  []Trial
	// Skipped is set when there was nothing to compare.
	Skipped bool
}

// Optimizer picks a worker count from measured throughput.
type Optimizer struct {
	ceiling int
	budget  time.Duration
	logger  *slog.Logger
}

// New builds an optimizer. ceiling is an absolute cap on the chosen count; budget bounds
// the total trial time (zero means no bound).
func New(ceiling int, budget time.Duration, logger *slog.Logger) (*Optimizer, error) {
	if ceiling < 1 {
		return nil, fmt.Errorf("worker ceiling must be at least 1, got %d", ceiling)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Optimizer{ceiling: ceiling, budget: budget, logger: logger}, nil
}

// Candidates returns the sorted, deduplicated candidate list clamped to the ceiling.
func (o *Optimizer) Candidates(in []int) []int {
	out := make([]int, 0, len(in))
	for _, c := range in {
		if c < 1 {
			continue
		}
		out = append(out, min(c, o.ceiling))
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// Optimize trials candidates smallest first and returns the one with the best
// items-per-second. Ties go to the lower count.
func (o *Optimizer) Optimize(ctx context.Context, candidates []int, trial TrialFunc) (Choice, error) {
	cands := o.Candidates(candidates)
	if len(cands) == 0 {
		return Choice{}, errors.New("no usable worker count candidates")
	}
	if len(cands) == 1 {
		o.logger.Info("Single worker count candidate, skipping trials", slog.Int("workers", cands[0]))
		return Choice{Workers: cands[0], Skipped: true}, nil
	}
	if trial == nil {
		return Choice{}, errors.New("nil trial function")
	}

	choice := Choice{Workers: cands[0]}
	best := -1.0
	var spent time.Duration

	for i, w := range cands {
		if err := ctx.Err(); err != nil {
			return choice, err
		}
		if o.budget > 0 && spent >= o.budget {
			o.logger.Info("Trial budget spent, skipping remaining candidates",
				slog.Duration("spent", spent), slog.Any("skipped", cands[i:]))
			break
		}

		start := time.Now()
		items, elapsed, err := trial(ctx, w)
		if elapsed <= 0 {
			elapsed = time.Since(start)
		}
		spent += elapsed

		t := Trial{Workers: w, Items: items, Elapsed: elapsed, Err: err}
		if err == nil && elapsed > 0 {
			t.Throughput = float64(items) / elapsed.Seconds()
		}
		choice.Trials = append(choice.Trials, t)

		if err != nil {
			o.logger.Warn("Worker count trial failed", slog.Int("workers", w), "error", err)
			continue
		}
		o.logger.Info("Worker count trial",
			slog.Int("workers", w), slog.Int("items", items),
			slog.Duration("elapsed", elapsed), slog.Float64("items_per_sec", t.Throughput))

		// Strictly greater keeps the lower count on ties since candidates ascend.
		if t.Throughput > best {
			best = t.Throughput
			choice.Workers = w
		}
	}

	o.logger.Info("Selected worker count", slog.Int("workers", choice.Workers), slog.Float64("items_per_sec", max(best, 0)))
	return choice, nil
}
