package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/brensch/arcaudit/internal/preserved"
	"github.com/brensch/arcaudit/internal/purge"
	"github.com/brensch/arcaudit/internal/sink"
	"github.com/brensch/arcaudit/internal/summary"
)

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete redirects or wire stories, or expire photos, from an approved list",
	Long: `Applies one mutation per item from a CSV (a report written by this tool, after
review) or a single --id. Items found in the preserved list are never touched.
Use --dry-run first: it logs every call that would be made and changes nothing.

Every outcome is appended to <output-dir>/<org>_<kind>_purge_log.csv.`,
}

func newDeleteCmd(kind purge.Kind, short string) *cobra.Command {
	c := &cobra.Command{
		Use:   string(kind),
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(cmd, kind)
		},
	}
	f := c.Flags()
	f.String("csv", "", "CSV of items to process")
	f.String("id", "", "single item to process (a redirect URL for redirects)")
	f.String("website", "", "website of a single redirect")
	f.Bool("dry-run", false, "log the calls that would be made without making them")
	f.String("preserved", "", "CSV of ids that must never be touched")
	switch kind {
	case purge.Photos:
		f.Bool("hard-delete", false, "delete photos instead of expiring them")
	case purge.Wires:
		f.Duration("settle", purge.DefaultSettle, "pause between unpublishing and deleting a story")
	}
	return c
}

func runDelete(cmd *cobra.Command, kind purge.Kind) error {
	ctx := cmd.Context()
	f := cmd.Flags()
	csvPath, _ := f.GetString("csv")
	single, _ := f.GetString("id")
	dryRun, _ := f.GetBool("dry-run")
	preservedPath, _ := f.GetString("preserved")
	cfg := getConfig()

	items, err := deleteItems(kind, csvPath, single, cfg.Website)
	if err != nil {
		return err
	}
	keep, err := loadPreserved(kind, csvPath, preservedPath)
	if err != nil {
		return err
	}

	opts := purge.Options{Kind: kind, DryRun: dryRun, Preserved: keep, Workers: cfg.Workers}
	if kind == purge.Photos {
		opts.HardDelete, _ = f.GetBool("hard-delete")
	}
	if kind == purge.Wires {
		opts.Settle, _ = f.GetDuration("settle")
	}

	s, err := startSession(cmd)
	if err != nil {
		return err
	}
	b := summary.Block{Title: fmt.Sprintf("delete %s %s", kind, cfg.Org)}
	if dryRun {
		b.Title += " (dry run)"
	}
	runErr := func() error {
		client, err := s.client(ctx)
		if err != nil {
			return err
		}
		outPath := filepath.Join(cfg.OutputDir, purge.OutcomeName(client.Org(), cfg.Sandbox(), kind))
		out, err := sink.OpenCSV(outPath, purge.OutcomeColumns)
		if err != nil {
			return err
		}
		p, err := purge.New(s.fetchConfig(), client, opts, out, s.logger.With(slog.String("component", "purge")))
		if err != nil {
			out.Close()
			return err
		}
		s.logger.Info("Purge starting", slog.String("action", p.Action()), slog.Int("items", len(items)),
			slog.Bool("dry_run", dryRun), slog.Int("preserved", keep.Len()))

		sum, err := p.Run(ctx, items)
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
		b.Add("Action", p.Action())
		b.Add("Requested", sum.Requested)
		b.Add("Done", sum.Done)
		b.Add("Skipped (preserved)", sum.Vetoed)
		b.Add("Preserved list", fmt.Sprintf("%s (%d ids)", keep.Source(), keep.Len()))
		b.Add("Outcome log", outPath)
		b.AddStats(sum.Stats)
		b.Failures = sum.Failures
		return err
	}()
	return s.finish(ctx, b, runErr)
}

func deleteItems(kind purge.Kind, csvPath, single, website string) ([]purge.Item, error) {
	switch {
	case csvPath != "" && single != "":
		return nil, errors.New("use either --csv or --id, not both")
	case csvPath != "":
		return purge.ReadItems(csvPath, kind)
	case single != "":
		if kind == purge.Redirects && website == "" {
			return nil, errors.New("--website is required to delete a single redirect")
		}
		it := purge.Item{ID: single}
		if kind == purge.Redirects {
			it.Website = website
		}
		return []purge.Item{it}, nil
	}
	return nil, errors.New("one of --csv or --id is required")
}

// loadPreserved reads --preserved, or for photos the preserved report that sits next to
// the to-delete report, when it exists.
func loadPreserved(kind purge.Kind, csvPath, explicit string) (*preserved.Set, error) {
	if explicit != "" {
		return preserved.Load(explicit)
	}
	if kind != purge.Photos || csvPath == "" {
		return nil, nil
	}
	sibling := preserved.PathFor(csvPath)
	if sibling == "" {
		getLogger().Warn("Could not determine preserved list from file name", slog.String("csv", csvPath))
		return nil, nil
	}
	if _, err := os.Stat(sibling); errors.Is(err, os.ErrNotExist) {
		getLogger().Info("No preserved list next to the delete list", slog.String("expected", sibling))
		return nil, nil
	}
	return preserved.Load(sibling)
}

func init() {
	deleteCmd.AddCommand(newDeleteCmd(purge.Redirects, "Delete redirect documents"))
	deleteCmd.AddCommand(newDeleteCmd(purge.Wires, "Unpublish and delete wire stories"))
	deleteCmd.AddCommand(newDeleteCmd(purge.Photos, "Expire (or with --hard-delete, delete) photos"))
}
