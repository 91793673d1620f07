package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/arcaudit/internal/fetch"
	"github.com/brensch/arcaudit/internal/lightbox"
	"github.com/brensch/arcaudit/internal/summary"
)

var lightboxCacheCmd = &cobra.Command{
	Use:   "lightbox-cache",
	Short: "Crawl every lightbox into the local cache used by 'photos'",
	Long: `Lists all lightboxes of the organization and stores which photos each one holds in a
SQLite file in the cache directory. The cache is only marked complete when every lightbox
was read; rerun the command after failures.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := getConfig()

		s, err := startSession(cmd)
		if err != nil {
			return err
		}
		b := summary.Block{Title: "lightbox cache " + cfg.Org}
		runErr := func() error {
			client, err := s.client(ctx)
			if err != nil {
				return err
			}
			cache, err := lightbox.Open(cfg.LightboxCachePath(), s.logger)
			if err != nil {
				return err
			}
			defer cache.Close()

			pool := fetch.NewPool(s.fetchConfig())
			res, err := lightbox.Crawl(ctx, pool, cfg.Workers, client, cache, s.logger.With(slog.String("component", "lightbox")))

			b.Add("Lightboxes", res.Lightboxes)
			b.Add("Empty lightboxes", res.Empty)
			b.Add("Photos stored", res.Photos)
			b.Add("Complete", res.Complete)
			if lbs, photos, cerr := cache.Counts(ctx); cerr == nil {
				b.Add("Cache totals", fmt.Sprintf("%d lightboxes, %d photo links", lbs, photos))
			}
			b.Add("Cache", cache.Path())
			b.AddStats(pool.Stats().Snapshot())
			b.Failures = res.Failures
			return err
		}()
		return s.finish(ctx, b, runErr)
	},
}
