package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/config"
	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/db"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/ratelimit"
	"github.com/brensch/arcaudit/internal/report"
	"github.com/brensch/arcaudit/internal/sink"
	"github.com/brensch/arcaudit/internal/summary"
)

// session is one ledger-tracked command run: the shared limiter, the counters and the
// observer that logs every task outcome under the run id.
type session struct {
	cfg     config.Config
	logger  *slog.Logger
	ledger  *db.Ledger
	runID   string
	limiter *ratelimit.Limiter
	stats   *fetch.Stats
}

func startSession(cmd *cobra.Command) (*session, error) {
	cfg := getConfig()
	lim, err := ratelimit.New(cfg.Rate, cfg.Burst)
	if err != nil {
		return nil, err
	}
	s := &session{
		cfg:     cfg,
		ledger:  getLedger(),
		limiter: lim,
		stats:   fetch.NewStats(),
	}
	s.runID, err = s.ledger.StartRun(cmd.Context(), db.Run{
		Command:     commandName(cmd),
		Org:         cfg.Org,
		Environment: cfg.Environment,
		Website:     cfg.Website,
		Args:        changedFlags(cmd),
	})
	if err != nil {
		return nil, err
	}
	s.logger = getLogger().With(slog.String("run_id", s.runID), slog.String("command", commandName(cmd)))
	s.logger.Info("Run started", slog.String("args", changedFlags(cmd)))
	return s, nil
}

// changedFlags lists the flags given on the command line, without secrets.
func changedFlags(cmd *cobra.Command) string {
	var parts []string
	cmd.Flags().Visit(func(f *pflag.Flag) {
		if f.Name == "token" {
			parts = append(parts, "--token=***")
			return
		}
		parts = append(parts, fmt.Sprintf("--%s=%s", f.Name, f.Value.String()))
	})
	return strings.Join(parts, " ")
}

func (s *session) fetchConfig() fetch.Config {
	return fetch.Config{
		Limiter:  s.limiter,
		Policy:   s.cfg.Retry,
		Stats:    s.stats,
		Logger:   s.logger.With(slog.String("component", "pool")),
		Observer: s.ledger.Observer(s.runID),
	}
}

// engine builds the report engine. Without auto-optimisation the ceiling is the only
// candidate, which skips the trials.
func (s *session) engine(autoOptimize bool) (*report.Engine, error) {
	cands := s.cfg.Candidates
	if !autoOptimize {
		cands = []int{s.cfg.Workers}
	}
	return report.NewEngine(s.fetchConfig(), report.Options{
		MaxWindow:     s.cfg.MaxWindow,
		WorkerCeiling: s.cfg.Workers,
		Candidates:    cands,
		TrialTasks:    s.cfg.TrialTasks,
		TrialBudget:   s.cfg.TrialBudget,
	}, s.logger)
}

// client builds the Arc client and checks the token with one paced read, so rejected
// credentials end the run before any task is scheduled.
func (s *session) client(ctx context.Context) (*arc.Client, error) {
	opts := []arc.Option{arc.WithLogger(s.logger.With(slog.String("component", "arc")))}
	if s.cfg.APIBase != "" {
		opts = append(opts, arc.WithBaseURL(s.cfg.APIBase))
	}
	c, err := arc.New(s.cfg.Org, s.cfg.Sandbox(), s.cfg.Token, opts...)
	if err != nil {
		return nil, err
	}
	if err := s.checkCredentials(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

type credentialChecker interface {
	CheckCredentials(ctx context.Context) error
}

// checkCredentials fails only on a rejected token. Other errors are left for the
// retrying pool to deal with.
func (s *session) checkCredentials(ctx context.Context, c credentialChecker) error {
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}
	s.stats.AddAPICalls(1)
	err := c.CheckCredentials(ctx)
	switch {
	case arc.IsUnauthorized(err):
		s.ledger.Record(db.TaskEvent{
			RunID:   s.runID,
			Scope:   "credentials",
			Event:   string(fetch.EventFailed),
			Attempt: 1,
			Message: err.Error(),
		})
		return fmt.Errorf("credentials rejected for %s %s: %w", s.cfg.Org, s.cfg.Environment, err)
	case err != nil:
		s.logger.Warn("Credential check failed; continuing", "error", err)
	}
	return nil
}

// finish records the run status, prints the summary block and returns runErr. The ledger
// update ignores cancellation of ctx so interrupted runs are still closed out.
func (s *session) finish(ctx context.Context, b summary.Block, runErr error) error {
	status := db.StatusSucceeded
	switch {
	case errors.Is(runErr, context.Canceled) || ctx.Err() != nil:
		status = db.StatusCancelled
	case runErr != nil:
		status = db.StatusFailed
	case len(b.Failures) > 0:
		status = db.StatusPartial
	}

	b.Add("Run id", s.runID)
	b.Add("Status", status)
	granted, delayed, waited := s.limiter.Stats()
	b.Add("Rate limit", fmt.Sprintf("%.1f/s burst %d (%d granted, %d delayed, %s waiting)", s.limiter.Rate(), s.limiter.Burst(), granted, delayed, waited.Round(time.Millisecond)))
	if len(b.Failures) > 0 && b.Footer == "" {
		b.Footer = fmt.Sprintf("Full failure list: arcaudit state --failures %s", s.runID)
	}
	b.Print(os.Stdout)

	text := fmt.Sprintf("%d records, %d failures", s.stats.Snapshot().Records, len(b.Failures))
	if runErr != nil {
		text += ": " + runErr.Error()
	}
	if err := s.ledger.FinishRun(context.WithoutCancel(ctx), s.runID, status, text); err != nil {
		s.logger.Error("Failed to record run outcome", "error", err)
	}
	if runErr != nil {
		s.logger.Error("Run finished with error", slog.String("status", status), "error", runErr)
		return runErr
	}
	s.logger.Info("Run finished", slog.String("status", status))
	return nil
}

// interval parses --start/--end. Both empty returns nil when allowAll is set.
func interval(start, end string, allowAll bool) (*daterange.Interval, error) {
	if start == "" && end == "" {
		if allowAll {
			return nil, nil
		}
		return nil, errors.New("--start and --end are required")
	}
	if start == "" || end == "" {
		return nil, errors.New("--start and --end must be given together")
	}
	iv, err := daterange.Parse(start, end)
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// reportSink opens the CSV report at path and, with withParquet, a parquet mirror next
// to it. It returns the sink and the files it writes.
func reportSink(path string, columns []string, withParquet bool) (sink.Sink, []string, error) {
	csvOut, err := sink.OpenCSV(path, columns)
	if err != nil {
		return nil, nil, err
	}
	if !withParquet {
		return csvOut, []string{path}, nil
	}
	pqPath := strings.TrimSuffix(path, filepath.Ext(path)) + ".parquet"
	pqOut, err := sink.CreateParquet(pqPath, columns)
	if err != nil {
		csvOut.Close()
		return nil, nil, err
	}
	return sink.Multi(csvOut, pqOut), []string{path, pqPath}, nil
}

// addOutcome appends the engine figures shared by the search reports.
func addOutcome(b *summary.Block, oc report.Outcome) {
	b.Add("Sub-intervals", len(oc.Intervals))
	b.Add("Empty sub-intervals skipped", oc.Skipped)
	if oc.Choice.Skipped || len(oc.Choice.Trials) == 0 {
		b.Add("Workers", oc.Choice.Workers)
	} else {
		b.Add("Workers", fmt.Sprintf("%d (chosen from %d trials)", oc.Choice.Workers, len(oc.Choice.Trials)))
	}
}
