package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/brensch/arcaudit/internal/fetch"
)

// CSV appends rows to a file. It never truncates: rows from earlier runs over the same
// range stay and are not deduplicated. The header is written only into an empty file.
type CSV struct {
	mu      sync.Mutex
	path    string
	columns []string
	f       *os.File
	w       *csv.Writer
	written int64
}

// OpenCSV opens (or creates) path for appending.
func OpenCSV(path string, columns []string) (*CSV, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("csv sink %s: no columns", path)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv %s: %w", path, err)
	}

	s := &CSV{path: path, columns: append([]string(nil), columns...), f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.writeRow(columns); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Write appends one record.
func (s *CSV) Write(rec fetch.Record) error {
	row := Row(rec, s.columns)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writeRow(row); err != nil {
		return err
	}
	s.written++
	return nil
}

// writeRow must be called with mu held (or before the sink is shared). Flushing per row
// keeps each record whole on disk even if the process dies mid-run.
func (s *CSV) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("write csv row to %s: %w", s.path, err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush csv %s: %w", s.path, err)
	}
	return nil
}

// Written is the number of records written by this sink (header excluded).
func (s *CSV) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Path is the destination file.
func (s *CSV) Path() string { return s.path }

// Close flushes and closes the file.
func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	flushErr := s.w.Error()
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("close csv %s: %w", s.path, err)
	}
	return flushErr
}
