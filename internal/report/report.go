package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/probe"
	"github.com/brensch/arcaudit/internal/sink"
)

// Report is one kind of date-bounded report.
type Report struct {
	Source  Source
	Columns []string
	// CheckStatus probes each record's URL and writes the label to StatusColumn.
	CheckStatus bool
}

// Runner fetches a report, optionally probes it and writes it to a sink.
type Runner struct {
	engine  *Engine
	checker *probe.Checker
	logger  *slog.Logger
}

// Summary is what one report run produced.
type Summary struct {
	Outcome
	Written int
	Status  map[probe.Class]int
}

// NewRunner builds a Runner. checker may be nil when no report needs status checks.
func NewRunner(e *Engine, checker *probe.Checker, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Runner{engine: e, checker: checker, logger: logger}
}

// Run fetches rep within iv and writes every record to out. Records fetched before a
// cancellation are still written. A sink error stops the run.
func (r *Runner) Run(ctx context.Context, rep Report, iv *daterange.Interval, out sink.Sink) (Summary, error) {
	l := r.logger.With(slog.String("report", rep.Source.Name()))
	oc, fetchErr := r.engine.Fetch(ctx, rep.Source, iv)
	sum := Summary{Outcome: oc}
	if errors.Is(fetchErr, ErrAborted) {
		return sum, fetchErr
	}
	l.Info("Fetch finished",
		slog.Int("records", len(oc.Records)), slog.Int("failures", len(oc.Failures)),
		slog.Int("workers", oc.Choice.Workers))

	records := oc.Records
	if rep.CheckStatus && fetchErr == nil && len(records) > 0 {
		if r.checker == nil {
			return sum, errors.New("status check requested without a checker")
		}
		sum.Status = merge(r.checker.Check(ctx, urls(records)), records)
	}

	for _, rec := range records {
		if err := out.Write(rec); err != nil {
			return sum, fmt.Errorf("write %s record %s: %w", rep.Source.Name(), rec.ID, err)
		}
		sum.Written++
	}
	l.Info("Report written", slog.Int("rows", sum.Written))
	return sum, fetchErr
}

func urls(records []fetch.Record) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		if rec.URL != "" {
			out = append(out, rec.URL)
		}
	}
	return out
}

// merge writes each record's probe label into StatusColumn and tallies the classes.
func merge(results map[string]probe.Result, records []fetch.Record) map[probe.Class]int {
	counts := make(map[probe.Class]int)
	for i := range records {
		res, ok := results[records[i].URL]
		if !ok {
			continue
		}
		records[i].Set(StatusColumn, res.Label())
		counts[res.Class]++
	}
	return counts
}
