package lightbox

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/fetch"
)

// Source is the part of the Arc client the crawl needs.
type Source interface {
	Lightboxes(ctx context.Context, offset int) (arc.LightboxPage, error)
	LightboxPhotos(ctx context.Context, id string) ([]string, error)
}

// CrawlResult summarises a crawl.
type CrawlResult struct {
	Lightboxes int
	Photos     int64
	Empty      int64
	Failures   []fetch.Failure
	Complete   bool
}

const listScope = "lightboxes"

// Crawl lists every lightbox and stores its photos. Both phases run through pool so they
// share its rate limit and retry policy. The cache is only marked complete when no task
// failed, because a partial cache would let lightbox photos be marked for deletion.
func Crawl(ctx context.Context, pool *fetch.Pool, workers int, src Source, cache *Cache, logger *slog.Logger) (CrawlResult, error) {
	if logger == nil {
		logger = cache.logger
	}
	var out CrawlResult
	lastOffset := 0

	list := func(ctx context.Context, t fetch.Task) (fetch.Page, error) {
		page, err := src.Lightboxes(ctx, t.Offset)
		if err != nil {
			return fetch.Page{}, err
		}
		recs := make([]fetch.Record, 0, len(page.Items))
		for _, lb := range page.Items {
			sum := sha1.Sum(lb.LastPhotoAdded)
			if err := cache.PutLightbox(ctx, lb.ID, hex.EncodeToString(sum[:]), t.Offset); err != nil {
				return fetch.Page{}, fetch.Permanent(err)
			}
			recs = append(recs, fetch.Record{ID: "lightbox:" + lb.ID, Fields: map[string]string{"lightbox_id": lb.ID}})
		}
		if err := cache.SetOffset(ctx, t.Offset, false); err != nil {
			return fetch.Page{}, fetch.Permanent(err)
		}
		lastOffset = t.Offset
		logger.Info("Lightbox page stored", slog.Int("offset", t.Offset), slog.Int("lightboxes", len(page.Items)), slog.Int("total", page.Total))
		return fetch.Page{Records: recs, Next: page.Next, More: page.More}, nil
	}

	listed, err := pool.Run(ctx, []fetch.Task{fetch.ItemTask(listScope)}, 1, list)
	out.Failures = append(out.Failures, listed.Failures...)
	if err != nil {
		return out, err
	}
	for _, f := range listed.Failures {
		if arc.IsUnauthorized(f.Err) {
			return out, fmt.Errorf("list lightboxes: %w", f.Err)
		}
	}

	tasks := make([]fetch.Task, 0, len(listed.Records))
	for _, r := range listed.Records {
		tasks = append(tasks, fetch.ItemTask(r.Get("lightbox_id")))
	}
	out.Lightboxes = len(tasks)

	var photos, empty atomic.Int64
	fillCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	contents := func(ctx context.Context, t fetch.Task) (fetch.Page, error) {
		ids, err := src.LightboxPhotos(ctx, t.Item)
		if err != nil {
			if arc.IsUnauthorized(err) {
				cancel(err)
			}
			return fetch.Page{}, err
		}
		if len(ids) == 0 {
			empty.Add(1)
			logger.Debug("Empty lightbox", slog.String("lightbox", t.Item))
			return fetch.Page{}, nil
		}
		if err := cache.PutPhotos(ctx, t.Item, ids); err != nil {
			return fetch.Page{}, fetch.Permanent(err)
		}
		photos.Add(int64(len(ids)))
		return fetch.Page{Records: []fetch.Record{{ID: "contents:" + t.Item, Fields: map[string]string{"photos": strconv.Itoa(len(ids))}}}}, nil
	}

	filled, err := pool.Run(fillCtx, tasks, workers, contents)
	out.Failures = append(out.Failures, filled.Failures...)
	out.Photos, out.Empty = photos.Load(), empty.Load()
	if cause := context.Cause(fillCtx); arc.IsUnauthorized(cause) {
		return out, fmt.Errorf("read lightbox photos: %w", cause)
	}
	if err != nil {
		return out, err
	}

	if len(out.Failures) > 0 {
		logger.Warn("Lightbox crawl incomplete; cache not marked ready", slog.Int("failures", len(out.Failures)))
		return out, nil
	}
	if err := cache.SetOffset(ctx, lastOffset, true); err != nil {
		return out, fmt.Errorf("mark lightbox cache complete: %w", err)
	}
	out.Complete = true
	return out, nil
}
