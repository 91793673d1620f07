package arc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/brensch/arcaudit/internal/daterange"
)

const searchPath = "/content/v4/search"

// queryTime is how interval bounds are written into created_date ranges.
const queryTime = "2006-01-02T15:04:05"

// Search describes one content search over created_date. The interval is supplied per call
// so one Search serves every sub-interval of a split.
type Search struct {
	Website string
	Clauses []string
	Ext     Extension
	Fields  []string
}

// RedirectSearch finds redirect documents.
func RedirectSearch(website string) Search {
	return Search{
		Website: website,
		Clauses: []string{"type:redirect"},
		Fields:  []string{"_id", "canonical_url", "redirect_url", "created_date"},
	}
}

// WireFields are always requested by WireSearch.
var WireFields = []string{
	"_id",
	"source.name",
	"source.system",
	"created_date",
	"revision.published",
	"additional_properties.has_published_copy",
}

// WireSearch finds unpublished wire stories, narrowed by ext.
func WireSearch(website string, ext Extension) Search {
	return Search{
		Website: website,
		Clauses: []string{"type:story", "revision.published:false", "source.source_type:wires"},
		Ext:     ext,
		Fields:  append(append([]string(nil), WireFields...), ext.Fields...),
	}
}

// Q renders the query string for iv. The range is half-open so adjacent sub-intervals
// never match the same document.
func (s Search) Q(iv daterange.Interval) string {
	parts := append([]string(nil), s.Clauses...)
	if c := s.Ext.Clause(); c != "" {
		parts = append(parts, c)
	}
	parts = append(parts, fmt.Sprintf("created_date:[%s TO %s}",
		iv.Start.UTC().Format(queryTime), iv.End.UTC().Format(queryTime)))
	return strings.Join(parts, " AND ")
}

func (s Search) params(iv daterange.Interval, from, size int, fields []string) url.Values {
	q := url.Values{}
	q.Set("website", s.Website)
	q.Set("q", s.Q(iv))
	q.Set("size", strconv.Itoa(size))
	q.Set("from", strconv.Itoa(from))
	q.Set("track_total_hits", "true")
	if len(fields) > 0 {
		q.Set("_sourceInclude", strings.Join(fields, ","))
	}
	return q
}

// Doc is one search hit as returned by the API.
type Doc map[string]any

// Lookup follows a dotted path through nested objects. Arrays along the way are flattened
// and their values joined with ",". Missing paths give "".
func (d Doc) Lookup(path string) string {
	vals := lookup(map[string]any(d), strings.Split(path, "."))
	return strings.Join(vals, ",")
}

func lookup(v any, path []string) []string {
	switch t := v.(type) {
	case []any:
		var out []string
		for _, e := range t {
			out = append(out, lookup(e, path)...)
		}
		return out
	case map[string]any:
		if len(path) == 0 {
			b, _ := json.Marshal(t)
			return []string{string(b)}
		}
		next, ok := t[path[0]]
		if !ok {
			return nil
		}
		return lookup(next, path[1:])
	}
	if len(path) > 0 {
		return nil
	}
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		return []string{t}
	case json.Number:
		return []string{t.String()}
	case bool:
		return []string{strconv.FormatBool(t)}
	default:
		return []string{fmt.Sprint(t)}
	}
}

// SearchResult is one page of hits.
type SearchResult struct {
	Docs  []Doc
	Count int
	Next  int
	More  bool
}

type searchResponse struct {
	Count           int   `json:"count"`
	ContentElements []Doc `json:"content_elements"`
}

// SearchCount returns how many documents match s within iv.
func (c *Client) SearchCount(ctx context.Context, s Search, iv daterange.Interval) (int, error) {
	var out searchResponse
	if _, err := c.getJSON(ctx, searchPath, s.params(iv, 0, 1, []string{"_id"}), &out); err != nil {
		return 0, fmt.Errorf("count %s: %w", iv, err)
	}
	return out.Count, nil
}

// SearchPage fetches the page starting at from. More is false once the hits are exhausted
// or the next page would fall outside the result window.
func (c *Client) SearchPage(ctx context.Context, s Search, iv daterange.Interval, from int) (SearchResult, error) {
	var out searchResponse
	if _, err := c.getJSON(ctx, searchPath, s.params(iv, from, DefaultPageSize, s.Fields), &out); err != nil {
		return SearchResult{}, fmt.Errorf("search %s from %d: %w", iv, from, err)
	}
	next := from + DefaultPageSize
	return SearchResult{
		Docs:  out.ContentElements,
		Count: out.Count,
		Next:  next,
		More:  len(out.ContentElements) > 0 && next < out.Count && next < MaxResultWindow,
	}, nil
}

// PublishedSearch runs a plain full-text search over published content of one website.
// The photo usage check looks for galleries among the hits.
func (c *Client) PublishedSearch(ctx context.Context, website, text string, fields []string) (SearchResult, error) {
	q := url.Values{}
	q.Set("website", website)
	q.Set("published", "true")
	q.Set("q", text)
	if len(fields) > 0 {
		q.Set("_sourceInclude", strings.Join(fields, ","))
	}
	var out searchResponse
	if _, err := c.getJSON(ctx, searchPath, q, &out); err != nil {
		return SearchResult{}, fmt.Errorf("published search %q on %s: %w", text, website, err)
	}
	return SearchResult{Docs: out.ContentElements, Count: out.Count}, nil
}
