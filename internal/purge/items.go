// Package purge deletes or expires content listed in an approved report.
package purge

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
)

// Kind is what is being purged.
type Kind string

const (
	Redirects Kind = "redirects"
	Wires     Kind = "wires"
	Photos    Kind = "photos"
)

// ParseKind accepts the command names.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case Redirects, Wires, Photos:
		return k, nil
	}
	return "", fmt.Errorf("unknown purge kind %q", s)
}

// Item is one thing to purge. For redirects ID is the redirect URL and Website is where
// it lives; other kinds only use ID.
type Item struct {
	ID      string
	Website string
}

func (it Item) String() string {
	if it.Website == "" {
		return it.ID
	}
	return it.Website + ":" + it.ID
}

// header names that mark the first row of a report rather than an item.
var (
	idHeaders  = []string{"ans_id", "arc_id", "id", "identifier", "photo_id"}
	urlHeaders = []string{"canonical_url", "redirect_url", "url"}
)

// ReadItems loads items from a CSV. Redirect files hold "url,website" rows; other kinds
// read the first column. A header row written by the report commands is recognised and
// used to find the columns.
func ReadItems(path string, kind Kind) ([]Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s list %s: %w", kind, path, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	idCol, siteCol := 0, 1
	var items []Item
	for line := 1; ; line++ {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s line %d: %w", path, line, err)
		}
		if line == 1 {
			if i, j, ok := headerColumns(row, kind); ok {
				idCol, siteCol = i, j
				continue
			}
		}
		if idCol >= len(row) {
			continue
		}
		it := Item{ID: strings.TrimSpace(row[idCol])}
		if it.ID == "" {
			continue
		}
		if kind == Redirects {
			if siteCol >= len(row) || strings.TrimSpace(row[siteCol]) == "" {
				return nil, fmt.Errorf("%s line %d: redirect %s has no website", path, line, it.ID)
			}
			it.Website = strings.TrimSpace(row[siteCol])
		}
		items = append(items, it)
	}
	return items, nil
}

func headerColumns(row []string, kind Kind) (int, int, bool) {
	names := make([]string, len(row))
	for i, v := range row {
		names[i] = strings.ToLower(strings.TrimSpace(v))
	}
	if kind == Redirects {
		site := slices.Index(names, "website")
		for _, h := range urlHeaders {
			if i := slices.Index(names, h); i >= 0 && site >= 0 {
				return i, site, true
			}
		}
		return 0, 0, false
	}
	for _, h := range idHeaders {
		if i := slices.Index(names, h); i >= 0 {
			return i, 1, true
		}
	}
	return 0, 0, false
}
