package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/marcboeker/go-duckdb"

	"github.com/brensch/arcaudit/internal/fetch"
)

// Run statuses.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusPartial   = "partial"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Tables holds the ledger tables, in export order.
var Tables = []string{"runs", "task_events"}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS runs (
    run_id      VARCHAR NOT NULL,
    command     VARCHAR NOT NULL,
    org         VARCHAR NOT NULL,
    environment VARCHAR NOT NULL,
    website     VARCHAR,
    args        VARCHAR,
    started_at  TIMESTAMP NOT NULL,
    finished_at TIMESTAMP,
    status      VARCHAR NOT NULL,
    summary     VARCHAR
);
CREATE TABLE IF NOT EXISTS task_events (
    run_id      VARCHAR NOT NULL,
    scope       VARCHAR NOT NULL,
    task_offset BIGINT NOT NULL,
    event       VARCHAR NOT NULL,
    attempt     BIGINT NOT NULL,
    records     BIGINT NOT NULL,
    message     VARCHAR,
    duration_ms BIGINT NOT NULL,
    at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_task_events_run ON task_events (run_id, event);
`

// InitializeSchema creates the ledger tables.
func InitializeSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil && !strings.Contains(strings.ToLower(err.Error()), "already exists") {
		return fmt.Errorf("failed to set up ledger schema: %w", err)
	}
	return nil
}

// Ledger records every run and the outcome of every fetch task in a DuckDB file.
// Task events arrive from pool observers on hot paths, so they go through a single
// writer goroutine holding an appender; runs are written directly.
type Ledger struct {
	path      string
	connector *duckdb.Connector
	db        *sql.DB
	events    *eventWriter
	logger    *slog.Logger
	now       func() time.Time
}

// Open opens (or creates) the ledger at path. Both the query pool and the appender
// connection come from one connector so they share a database instance.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Ledger, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	connector, err := duckdb.NewConnector(path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb (%s): %w", path, err)
	}
	db := sql.OpenDB(connector)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping duckdb (%s): %w", path, err)
	}
	if err := InitializeSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	w, err := startEventWriter(ctx, connector, logger.With(slog.String("component", "ledger_writer")))
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.Debug("Ledger opened", slog.String("path", path))
	return &Ledger{path: path, connector: connector, db: db, events: w, logger: logger, now: time.Now}, nil
}

// DB exposes the query pool, e.g. for export.
func (l *Ledger) DB() *sql.DB { return l.db }

// Path is the ledger file.
func (l *Ledger) Path() string { return l.path }

// Close drains pending task events and closes every connection.
func (l *Ledger) Close() error {
	werr := l.events.close()
	if err := l.db.Close(); err != nil {
		return errors.Join(werr, fmt.Errorf("close ledger: %w", err))
	}
	return werr
}

// Flush makes pending task events visible to queries.
func (l *Ledger) Flush(ctx context.Context) error {
	return l.events.flush(ctx)
}

// Run describes one command invocation.
type Run struct {
	ID          string
	Command     string
	Org         string
	Environment string
	Website     string
	Args        string
	StartedAt   time.Time
	FinishedAt  sql.NullTime
	Status      string
	Summary     string
}

// StartRun records a new running run and returns its id.
func (l *Ledger) StartRun(ctx context.Context, r Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	_, err := l.db.ExecContext(ctx, `
        INSERT INTO runs (run_id, command, org, environment, website, args, started_at, status)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?);`,
		r.ID, r.Command, r.Org, r.Environment,
		sql.NullString{String: r.Website, Valid: r.Website != ""},
		sql.NullString{String: r.Args, Valid: r.Args != ""},
		l.now().UTC(), StatusRunning,
	)
	if err != nil {
		return "", fmt.Errorf("failed to record run start for %s: %w", r.Command, err)
	}
	return r.ID, nil
}

// FinishRun closes a run with its final status and a one-line summary.
func (l *Ledger) FinishRun(ctx context.Context, runID, status, summary string) error {
	res, err := l.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, summary = ? WHERE run_id = ?;`,
		l.now().UTC(), status, sql.NullString{String: summary, Valid: summary != ""}, runID)
	if err != nil {
		return fmt.Errorf("failed to record run finish for %s: %w", runID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("unknown run %s", runID)
	}
	return nil
}

// Runs returns the most recent runs, newest first. command filters when not empty.
func (l *Ledger) Runs(ctx context.Context, command string, limit int) ([]Run, error) {
	query := `SELECT run_id, command, org, environment, website, args, started_at, finished_at, status, summary FROM runs`
	var args []any
	if command != "" {
		query += ` WHERE command = ?`
		args = append(args, command)
	}
	query += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		var website, argStr, summary sql.NullString
		if err := rows.Scan(&r.ID, &r.Command, &r.Org, &r.Environment, &website, &argStr, &r.StartedAt, &r.FinishedAt, &r.Status, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan run row: %w", err)
		}
		r.Website, r.Args, r.Summary = website.String, argStr.String, summary.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// TaskEvent is one row of task_events.
type TaskEvent struct {
	RunID    string
	Scope    string
	Offset   int64
	Event    string
	Attempt  int64
	Records  int64
	Message  string
	Duration time.Duration
	At       time.Time
}

// Events returns the events of a run with the given kind (all kinds when empty), oldest first.
func (l *Ledger) Events(ctx context.Context, runID, event string) ([]TaskEvent, error) {
	if err := l.Flush(ctx); err != nil {
		return nil, err
	}
	query := `SELECT run_id, scope, task_offset, event, attempt, records, message, duration_ms, at
        FROM task_events WHERE run_id = ?`
	args := []any{runID}
	if event != "" {
		query += ` AND event = ?`
		args = append(args, event)
	}
	query += ` ORDER BY at, scope, task_offset`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task events for %s: %w", runID, err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var e TaskEvent
		var msg sql.NullString
		var ms int64
		if err := rows.Scan(&e.RunID, &e.Scope, &e.Offset, &e.Event, &e.Attempt, &e.Records, &msg, &ms, &e.At); err != nil {
			return nil, fmt.Errorf("failed to scan task event row: %w", err)
		}
		e.Message, e.Duration = msg.String, time.Duration(ms)*time.Millisecond
		out = append(out, e)
	}
	return out, rows.Err()
}

// Failures lists the permanently failed tasks of a run, which is what an operator
// re-runs narrowly.
func (l *Ledger) Failures(ctx context.Context, runID string) ([]TaskEvent, error) {
	return l.Events(ctx, runID, string(fetch.EventFailed))
}

// DisplayRunHistory prints recent runs as a table.
func (l *Ledger) DisplayRunHistory(ctx context.Context, w io.Writer, command string, limit int) error {
	runs, err := l.Runs(ctx, command, limit)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "--- Run History (Limit %d) ---\n", limit)
	fmt.Fprintf(w, "%-36s | %-14s | %-20s | %-10s | %-25s | %-10s | %s\n", "Run ID", "Command", "Org", "Status", "Started (UTC)", "Duration", "Summary")
	fmt.Fprintln(w, strings.Repeat("-", 150))
	for _, r := range runs {
		dur := ""
		if r.FinishedAt.Valid {
			dur = r.FinishedAt.Time.Sub(r.StartedAt).Round(time.Second).String()
		}
		org := r.Org
		if r.Website != "" {
			org += "/" + r.Website
		}
		fmt.Fprintf(w, "%-36s | %-14s | %-20s | %-10s | %-25s | %-10s | %s\n",
			r.ID, r.Command, org, r.Status, r.StartedAt.UTC().Format(time.RFC3339), dur, r.Summary)
	}
	fmt.Fprintf(w, "Displayed %d runs.\n", len(runs))
	return nil
}

// DisplayFailures prints the failed tasks of a run.
func (l *Ledger) DisplayFailures(ctx context.Context, w io.Writer, runID string) error {
	fails, err := l.Failures(ctx, runID)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "--- Failed tasks of run %s ---\n", runID)
	for _, f := range fails {
		fmt.Fprintf(w, "%-50s | offset %-6d | attempt %-2d | %s\n", f.Scope, f.Offset, f.Attempt, f.Message)
	}
	fmt.Fprintf(w, "Displayed %d failures.\n", len(fails))
	return nil
}
