// Package preserved holds identifiers that the delete and expire paths must never touch.
package preserved

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// IDColumn is the column read from preserved-photo reports.
const IDColumn = "ans_id"

// Set is loaded once and then only read. A nil *Set contains nothing.
type Set struct {
	ids    map[string]struct{}
	source string
}

// FromIDs builds a set from literal ids.
func FromIDs(ids ...string) *Set {
	s := &Set{ids: make(map[string]struct{}, len(ids)), source: "literal"}
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			s.ids[id] = struct{}{}
		}
	}
	return s
}

// Load reads ids from a CSV. If the first row has an "ans_id" column that column is used
// and the row is treated as a header; otherwise the first column of every row is read.
func Load(path string) (*Set, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open preserved ids %s: %w", path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	s := &Set{ids: make(map[string]struct{}), source: path}
	col, first := 0, true
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read preserved ids %s: %w", path, err)
		}
		if first {
			first = false
			if i := indexOf(row, IDColumn); i >= 0 {
				col = i
				continue
			}
		}
		if col < len(row) {
			if id := strings.TrimSpace(row[col]); id != "" {
				s.ids[id] = struct{}{}
			}
		}
	}
	return s, nil
}

func indexOf(row []string, name string) int {
	for i, v := range row {
		if strings.EqualFold(strings.TrimSpace(v), name) {
			return i
		}
	}
	return -1
}

// Contains reports whether id is preserved.
func (s *Set) Contains(id string) bool {
	if s == nil {
		return false
	}
	_, ok := s.ids[id]
	return ok
}

// Len is the number of preserved ids.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.ids)
}

// Source names where the set came from.
func (s *Set) Source() string {
	if s == nil {
		return "none"
	}
	return s.source
}

// PathFor returns the preserved report that sits next to a to-delete report, or "" if the
// name does not follow the photo report convention.
func PathFor(toDelete string) string {
	const from, to = "photo_ids_to_delete_", "preserved_photo_ids_"
	if !strings.Contains(toDelete, from) {
		return ""
	}
	return strings.Replace(toDelete, from, to, 1)
}
