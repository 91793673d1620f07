package sink

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/brensch/arcaudit/internal/fetch"
)

// Sink receives finished records. Write must be safe for concurrent use and atomic per
// record; no ordering is promised between callers.
type Sink interface {
	Write(rec fetch.Record) error
	Close() error
}

// Row lays out a record's fields in column order.
func Row(rec fetch.Record, columns []string) []string {
	row := make([]string, len(columns))
	for i, c := range columns {
		row[i] = rec.Get(c)
	}
	return row
}

type multi []Sink

// Multi writes every record to each sink in turn.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multi) Write(rec fetch.Record) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReportName builds "<prefix>_<start>_to_<end>_<website>.<ext>" (prefix optional).
func ReportName(prefix, start, end, website, ext string) string {
	name := fmt.Sprintf("%s_to_%s_%s.%s", start, end, website, ext)
	if prefix != "" {
		return prefix + "_" + name
	}
	return name
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9]`)

// Slug replaces anything but ASCII letters and digits with underscores.
func Slug(s string) string {
	return unsafeChars.ReplaceAllString(strings.TrimSpace(s), "_")
}
