package cmd

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/lightbox"
	"github.com/brensch/arcaudit/internal/report"
	"github.com/brensch/arcaudit/internal/summary"
)

var photosCmd = &cobra.Command{
	Use:   "photos",
	Short: "Sort published photos into preserved and to-delete lists",
	Long: `Lists published photos uploaded within [--start, --end) (every photo when no range is
given, or just --photo-id) and checks how each one is used:

  1. referenced by published content,
  2. part of a published gallery on one of --websites,
  3. in a lightbox (from the local cache built by 'arcaudit lightbox-cache').

Used photos go to <org>_preserved_photo_ids_<suffix> and the rest to
<org>_photo_ids_to_delete_<suffix> in the output directory. The lightbox cache must be
complete before this command will run.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()
		start, _ := f.GetString("start")
		end, _ := f.GetString("end")
		photoID, _ := f.GetString("photo-id")
		source, _ := f.GetString("source")
		wiresOnly, _ := f.GetBool("wires-only")
		websites, _ := f.GetStringSlice("websites")
		autoOptimize, _ := f.GetBool("auto-optimize")

		cfg := getConfig()
		iv, err := interval(start, end, true)
		if err != nil {
			return err
		}
		if photoID != "" && iv != nil {
			return fmt.Errorf("--photo-id cannot be combined with --start/--end")
		}
		if len(websites) == 0 && cfg.Website != "" {
			websites = []string{cfg.Website}
		}

		cache, err := lightbox.OpenReady(ctx, cfg.LightboxCachePath(), getLogger())
		if err != nil {
			return fmt.Errorf("%w; run 'arcaudit lightbox-cache' for this org and environment first", err)
		}
		defer cache.Close()

		s, err := startSession(cmd)
		if err != nil {
			return err
		}
		b := summary.Block{Title: "photo analysis " + cfg.Org}
		runErr := func() error {
			client, err := s.client(ctx)
			if err != nil {
				return err
			}
			engine, err := s.engine(autoOptimize)
			if err != nil {
				return err
			}
			analysis := &report.PhotoAnalysis{
				Engine:     engine,
				Lister:     client,
				Usage:      client,
				Lightboxes: cache,
				Query:      arc.PhotoQuery{Source: source, WiresOnly: wiresOnly},
				Websites:   websites,
				Logger:     s.logger.With(slog.String("component", "photos")),
			}
			out, err := analysis.Run(ctx, iv, photoID)

			presName, delName := report.PhotoReportNames(client.Org(), cfg.Sandbox(), iv, photoID, time.Now())
			files, werr := report.WritePhotoReports(cfg.OutputDir, presName, delName, out)
			if err == nil {
				err = werr
			}

			if photoID == "" {
				addOutcome(&b, out.Listing)
			}
			b.Add("Websites searched", strings.Join(websites, ", "))
			b.Add("Preserved", len(out.Preserved))
			for _, loc := range []string{"referenced-content", report.LocationGallery, report.LocationLightbox} {
				b.Add("  in "+loc, out.Locations[loc])
			}
			b.Add("To delete", len(out.ToDelete))
			if len(files) > 0 {
				b.Add("Output", strings.Join(files, ", "))
			}
			b.AddStats(engine.Stats().Snapshot())
			b.Failures = out.Failures
			return err
		}()
		return s.finish(ctx, b, runErr)
	},
}

func init() {
	f := photosCmd.Flags()
	f.String("start", "", "upload date range start, inclusive (omit both bounds for every photo)")
	f.String("end", "", "upload date range end, exclusive")
	f.String("photo-id", "", "check a single photo")
	f.String("source", "", "only photos from this source name")
	f.Bool("wires-only", false, "only photos from wire sources")
	f.StringSlice("websites", nil, "websites searched for galleries (default --website)")
	f.String("website", "", "Arc website id")
	f.Bool("auto-optimize", true, "trial worker counts on the first sub-intervals")
}
