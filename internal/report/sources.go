package report

import (
	"context"
	"errors"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/fetch"
)

// Report columns, in file order.
var (
	RedirectColumns = []string{"identifier", "canonical_url", "redirect_url", "created_date", "website", "environment", StatusColumn}
	WireColumns     = []string{"ans_id", "source_name", "source_system", "published_copy", "created_date", "website", "environment"}
)

// StatusColumn receives the probe label of a record's URL.
const StatusColumn = "check_404_or_200"

var errUnbounded = errors.New("content search needs a date interval")

// Searcher is the content search part of the Arc client.
type Searcher interface {
	SearchCount(ctx context.Context, s arc.Search, iv daterange.Interval) (int, error)
	SearchPage(ctx context.Context, s arc.Search, iv daterange.Interval, from int) (arc.SearchResult, error)
}

// SearchSource pages a content search. Map turns each hit into a record.
type SearchSource struct {
	Label  string
	API    Searcher
	Search arc.Search
	Map    func(arc.Doc) fetch.Record
}

func (s *SearchSource) Name() string { return s.Label }

func (s *SearchSource) Count(ctx context.Context, iv daterange.Interval) (int, error) {
	return s.API.SearchCount(ctx, s.Search, iv)
}

func (s *SearchSource) Fetch(ctx context.Context, t fetch.Task) (fetch.Page, error) {
	if !t.Interval.Valid() {
		return fetch.Page{}, fetch.Permanent(errUnbounded)
	}
	res, err := s.API.SearchPage(ctx, s.Search, t.Interval, t.Offset)
	if err != nil {
		return fetch.Page{}, err
	}
	recs := make([]fetch.Record, 0, len(res.Docs))
	for _, d := range res.Docs {
		recs = append(recs, s.Map(d))
	}
	return fetch.Page{Records: recs, Next: res.Next, More: res.More}, nil
}

// Redirects builds the redirect report source. canonical_url is what gets probed.
func Redirects(api Searcher, website, environment string) *SearchSource {
	return &SearchSource{
		Label:  "redirects",
		API:    api,
		Search: arc.RedirectSearch(website),
		Map: func(d arc.Doc) fetch.Record {
			id := d.Lookup("_id")
			canonical := d.Lookup("canonical_url")
			return fetch.Record{ID: id, URL: canonical, Fields: map[string]string{
				"identifier":    id,
				"canonical_url": canonical,
				"redirect_url":  d.Lookup("redirect_url"),
				"created_date":  d.Lookup("created_date"),
				"website":       website,
				"environment":   environment,
			}}
		},
	}
}

// Wires builds the unpublished wire story source. Extension fields are copied under their
// own dotted names.
func Wires(api Searcher, website, environment string, ext arc.Extension) *SearchSource {
	return &SearchSource{
		Label:  "wires",
		API:    api,
		Search: arc.WireSearch(website, ext),
		Map: func(d arc.Doc) fetch.Record {
			id := d.Lookup("_id")
			rec := fetch.Record{ID: id, Fields: map[string]string{
				"ans_id":         id,
				"source_name":    d.Lookup("source.name"),
				"source_system":  d.Lookup("source.system"),
				"published_copy": d.Lookup("additional_properties.has_published_copy"),
				"created_date":   d.Lookup("created_date"),
				"website":        website,
				"environment":    environment,
			}}
			for _, f := range ext.Fields {
				rec.Set(f, d.Lookup(f))
			}
			return rec
		},
	}
}

// WireReportColumns are WireColumns followed by the extension fields.
func WireReportColumns(ext arc.Extension) []string {
	return append(append([]string(nil), WireColumns...), ext.Fields...)
}

// PhotoLister is the photo listing part of the Arc client.
type PhotoLister interface {
	PhotoCount(ctx context.Context, q arc.PhotoQuery) (int, error)
	Photos(ctx context.Context, q arc.PhotoQuery, offset int) (arc.PhotoPage, error)
}

// PhotoSource pages photo ids by upload date. A task without an interval lists every
// photo matching the query.
type PhotoSource struct {
	API   PhotoLister
	Query arc.PhotoQuery
}

func (s *PhotoSource) Name() string { return "photos" }

func (s *PhotoSource) Count(ctx context.Context, iv daterange.Interval) (int, error) {
	return s.API.PhotoCount(ctx, s.Query.Within(iv))
}

func (s *PhotoSource) Fetch(ctx context.Context, t fetch.Task) (fetch.Page, error) {
	q := s.Query
	if t.Interval.Valid() {
		q = q.Within(t.Interval)
	}
	page, err := s.API.Photos(ctx, q, t.Offset)
	if err != nil {
		return fetch.Page{}, err
	}
	recs := make([]fetch.Record, 0, len(page.IDs))
	for _, id := range page.IDs {
		recs = append(recs, fetch.Record{ID: id, Fields: map[string]string{"ans_id": id}})
	}
	return fetch.Page{Records: recs, Next: page.Next, More: page.More}, nil
}
