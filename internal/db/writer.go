package db

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/marcboeker/go-duckdb"

	"github.com/brensch/arcaudit/internal/fetch"
)

const eventBuffer = 1024

// writeOp is either a row to append or a flush request.
type writeOp struct {
	event TaskEvent
	flush chan error
}

// eventWriter is the single goroutine that appends task events. Callers hand it rows
// over a channel; only the goroutine touches the appender.
type eventWriter struct {
	ops    chan writeOp
	done   chan struct{}
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	err    error
}

func startEventWriter(ctx context.Context, connector *duckdb.Connector, logger *slog.Logger) (*eventWriter, error) {
	conn, err := connector.Connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("writer: failed to connect via duckdb connector: %w", err)
	}
	appender, err := duckdb.NewAppenderFromConn(conn, "", "task_events")
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("writer: failed to create task_events appender: %w", err)
	}
	w := &eventWriter{ops: make(chan writeOp, eventBuffer), done: make(chan struct{}), logger: logger}
	go w.run(conn, appender)
	return w, nil
}

func (w *eventWriter) run(conn driver.Conn, appender *duckdb.Appender) {
	defer close(w.done)
	var appendErr error
	for op := range w.ops {
		if op.flush != nil {
			err := appender.Flush()
			op.flush <- errors.Join(appendErr, err)
			appendErr = nil
			continue
		}
		e := op.event
		err := appender.AppendRow(
			e.RunID, e.Scope, e.Offset, e.Event, e.Attempt, e.Records,
			e.Message, e.Duration.Milliseconds(), e.At,
		)
		if err != nil {
			w.logger.Error("Writer: failed to append task event", slog.String("scope", e.Scope), "error", err)
			appendErr = err
		}
	}
	w.logger.Debug("Writer: channel closed, flushing remaining events")
	err := errors.Join(appendErr, appender.Close(), conn.Close())
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

// send queues an event. Events sent after close are dropped.
func (w *eventWriter) send(e TaskEvent) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return
	}
	w.ops <- writeOp{event: e}
}

func (w *eventWriter) flush(ctx context.Context) error {
	reply := make(chan error, 1)
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return errors.New("ledger closed")
	}
	select {
	case w.ops <- writeOp{flush: reply}:
		w.mu.RUnlock()
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	select {
	case err := <-reply:
		if err != nil {
			return fmt.Errorf("flush task events: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *eventWriter) close() error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.ops)
	}
	w.mu.Unlock()
	<-w.done
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.err
}

// Observer returns a pool observer that logs every task outcome of runID. Page events
// carry the number of new records; retry and failed events carry the error.
func (l *Ledger) Observer(runID string) func(fetch.Event) {
	return func(e fetch.Event) {
		te := TaskEvent{
			RunID:    runID,
			Scope:    e.Task.Scope(),
			Offset:   int64(e.Task.Offset),
			Event:    string(e.Kind),
			Attempt:  int64(e.Task.Attempt),
			Records:  int64(e.Records),
			Duration: e.Elapsed,
			At:       l.now().UTC(),
		}
		if e.Err != nil {
			te.Message = e.Err.Error()
		}
		l.events.send(te)
	}
}

// Record appends one event directly, for outcomes that do not come from a pool.
func (l *Ledger) Record(e TaskEvent) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	l.events.send(e)
}
