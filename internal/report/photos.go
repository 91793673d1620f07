package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/daterange"
	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/sink"
)

// Photo dispositions.
const (
	Preserve = "preserve"
	Delete   = "delete"
)

// Preserved locations.
const (
	LocationGallery  = "gallery"
	LocationLightbox = "lightbox"
)

// PreservedColumns and DeleteColumns are the layouts of the two photo reports.
var (
	PreservedColumns = []string{"ans_id", "ans_location", "source_id", "website"}
	DeleteColumns    = []string{"ans_id"}
)

// galleryFields keeps the published search response small.
var galleryFields = []string{"type", "promo_items.lead_art.url", "promo_items.basic.url", "content_elements.url", "related_content"}

// UsageAPI is the part of the Arc client used to decide whether a photo is in use.
type UsageAPI interface {
	Photo(ctx context.Context, id string) (arc.Doc, error)
	References(ctx context.Context, id string) ([]arc.Reference, error)
	PublishedSearch(ctx context.Context, website, text string, fields []string) (arc.SearchResult, error)
}

// LightboxIndex answers whether a photo sits in any lightbox.
type LightboxIndex interface {
	Contains(ctx context.Context, photoID string) (bool, error)
}

// PhotoAnalysis lists published photos and sorts them into preserved and to-delete.
type PhotoAnalysis struct {
	Engine     *Engine
	Lister     PhotoLister
	Usage      UsageAPI
	Lightboxes LightboxIndex
	Query      arc.PhotoQuery
	// Websites are searched for published galleries that show the photo.
	Websites []string
	Logger   *slog.Logger
}

// PhotoOutcome is the result of an analysis.
type PhotoOutcome struct {
	Listing   Outcome
	Preserved []fetch.Record
	ToDelete  []fetch.Record
	// Failures are photos whose usage could not be decided. They are in neither list.
	Failures []fetch.Failure
	// Locations counts preserved photos by the check that preserved them.
	Locations map[string]int
}

// Run analyses the photos uploaded within iv (every photo when iv is nil). When photoID is
// set only that photo is checked, after confirming it exists.
func (a *PhotoAnalysis) Run(ctx context.Context, iv *daterange.Interval, photoID string) (PhotoOutcome, error) {
	if a.Lightboxes == nil {
		return PhotoOutcome{}, fmt.Errorf("%w: lightbox cache is required for photo analysis", ErrAborted)
	}
	l := a.logger()
	var out PhotoOutcome

	var ids []string
	if photoID != "" {
		pool := a.Engine.NewPool()
		err := pool.Call(ctx, func(ctx context.Context) error {
			_, err := a.Usage.Photo(ctx, photoID)
			return err
		})
		if err != nil {
			return out, fmt.Errorf("%w: photo %s: %w", ErrAborted, photoID, err)
		}
		ids = []string{photoID}
	} else {
		listing, err := a.Engine.Fetch(ctx, &PhotoSource{API: a.Lister, Query: a.Query}, iv)
		out.Listing = listing
		out.Failures = append(out.Failures, listing.Failures...)
		if err != nil {
			return out, err
		}
		for _, r := range listing.Records {
			ids = append(ids, r.ID)
		}
	}
	l.Info("Checking photo usage", slog.Int("photos", len(ids)), slog.Int("websites", len(a.Websites)))

	workers := a.Engine.Ceiling()
	if out.Listing.Choice.Workers > 0 {
		workers = out.Listing.Choice.Workers
	}
	res, err := a.Engine.Items(ctx, ids, workers, a.check)
	out.Failures = append(out.Failures, res.Failures...)
	out.Locations = make(map[string]int)
	for _, r := range res.Records {
		if r.Get("disposition") == Preserve {
			out.Preserved = append(out.Preserved, r)
			out.Locations[locationKind(r.Get("ans_location"))]++
			continue
		}
		out.ToDelete = append(out.ToDelete, r)
	}
	l.Info("Photo analysis finished",
		slog.Int("preserved", len(out.Preserved)), slog.Int("to_delete", len(out.ToDelete)),
		slog.Int("undecided", len(res.Failures)))
	return out, err
}

func (a *PhotoAnalysis) logger() *slog.Logger {
	if a.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return a.Logger
}

// check decides one photo. The checks run in order and stop at the first that preserves it.
func (a *PhotoAnalysis) check(ctx context.Context, t fetch.Task) (fetch.Page, error) {
	id := t.Item
	rec := fetch.Record{ID: id, Fields: map[string]string{"ans_id": id, "source_id": a.Query.Source}}
	preserve := func(location, website string) (fetch.Page, error) {
		rec.Set("disposition", Preserve)
		rec.Set("ans_location", location)
		rec.Set("website", website)
		return fetch.Page{Records: []fetch.Record{rec}}, nil
	}

	refs, err := a.Usage.References(ctx, id)
	if err != nil {
		return fetch.Page{}, err
	}
	if loc, sites, ok := referenced(refs); ok {
		return preserve(loc, sites)
	}

	for _, w := range a.Websites {
		if err := a.Engine.Acquire(ctx); err != nil {
			return fetch.Page{}, err
		}
		res, err := a.Usage.PublishedSearch(ctx, w, id, galleryFields)
		if err != nil {
			return fetch.Page{}, err
		}
		for _, d := range res.Docs {
			if d.Lookup("type") == "gallery" {
				return preserve(LocationGallery, w)
			}
		}
	}

	in, err := a.Lightboxes.Contains(ctx, id)
	if err != nil {
		return fetch.Page{}, fetch.Permanent(err)
	}
	if in {
		return preserve(LocationLightbox, "")
	}

	rec.Set("disposition", Delete)
	return fetch.Page{Records: []fetch.Record{rec}}, nil
}

// referenced reports whether any published content references the photo, with the
// reference types and websites involved.
func referenced(refs []arc.Reference) (string, string, bool) {
	var types, sites []string
	published := false
	for _, r := range refs {
		if r.Published {
			published = true
		}
		if r.Type != "" && !slices.Contains(types, r.Type) {
			types = append(types, r.Type)
		}
		if r.Website != "" && !slices.Contains(sites, r.Website) {
			sites = append(sites, r.Website)
		}
	}
	if !published {
		return "", "", false
	}
	slices.Sort(types)
	slices.Sort(sites)
	return "referenced-content " + strings.Join(types, ","), strings.Join(sites, ","), true
}

func locationKind(loc string) string {
	if strings.HasPrefix(loc, "referenced-content") {
		return "referenced-content"
	}
	return loc
}

// PhotoReportNames returns the preserved and to-delete file names for a run. A single
// photo run is named by day, a bounded run by its interval, anything else "all_dates".
func PhotoReportNames(org string, sandbox bool, iv *daterange.Interval, photoID string, now time.Time) (string, string) {
	var suffix string
	switch {
	case photoID != "":
		suffix = now.Format("2006-01-02") + ".csv"
	case iv != nil:
		start, end := iv.Label()
		suffix = start + "-" + end + ".csv"
	default:
		suffix = "all_dates.csv"
	}
	if sandbox {
		suffix = "sandbox_" + suffix
	}
	return org + "_preserved_photo_ids_" + suffix, org + "_photo_ids_to_delete_" + suffix
}

// WritePhotoReports appends the two lists to their files in dir. A file is only created
// when it has rows to hold. The paths written are returned.
func WritePhotoReports(dir, preservedName, deleteName string, out PhotoOutcome) ([]string, error) {
	var paths []string
	var errs []error
	for _, f := range []struct {
		name    string
		columns []string
		records []fetch.Record
	}{
		{preservedName, PreservedColumns, out.Preserved},
		{deleteName, DeleteColumns, out.ToDelete},
	} {
		if len(f.records) == 0 {
			continue
		}
		path := filepath.Join(dir, f.name)
		s, err := sink.OpenCSV(path, f.columns)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		for _, r := range f.records {
			if err := s.Write(r); err != nil {
				errs = append(errs, err)
				break
			}
		}
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
		paths = append(paths, path)
	}
	return paths, errors.Join(errs...)
}
