package cmd

import (
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/brensch/arcaudit/internal/arc"
	"github.com/brensch/arcaudit/internal/report"
	"github.com/brensch/arcaudit/internal/sink"
	"github.com/brensch/arcaudit/internal/summary"
)

var wiresCmd = &cobra.Command{
	Use:   "wires",
	Short: "Report unpublished wire stories of a website created within a date range",
	Long: `Lists unpublished stories that came in from a wire service. Extra query filters
(--filter key=value, or !key=value to exclude) narrow the search and extra ANS fields
(--field dotted.path) are added as report columns.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()
		start, _ := f.GetString("start")
		end, _ := f.GetString("end")
		prefix, _ := f.GetString("prefix")
		withParquet, _ := f.GetBool("parquet")
		autoOptimize, _ := f.GetBool("auto-optimize")
		filters, _ := f.GetStringArray("filter")
		fields, _ := f.GetStringSlice("field")

		cfg := getConfig()
		if cfg.Website == "" {
			return errors.New("--website is required")
		}
		iv, err := interval(start, end, false)
		if err != nil {
			return err
		}
		ext, err := arc.ParseExtension(filters, fields)
		if err != nil {
			return err
		}

		s, err := startSession(cmd)
		if err != nil {
			return err
		}
		b := summary.Block{Title: "wire report " + cfg.Website}
		runErr := func() error {
			client, err := s.client(ctx)
			if err != nil {
				return err
			}
			engine, err := s.engine(autoOptimize)
			if err != nil {
				return err
			}

			website := cfg.Website
			if label := ext.Label(); label != "" {
				website += "_" + sink.Slug(label)
			}
			startLabel, endLabel := iv.Label()
			columns := report.WireReportColumns(ext)
			path := filepath.Join(cfg.OutputDir, sink.ReportName(prefix, startLabel, endLabel, website, "csv"))
			out, files, err := reportSink(path, columns, withParquet)
			if err != nil {
				return err
			}

			rep := report.Report{
				Source:  report.Wires(client, cfg.Website, cfg.Environment, ext),
				Columns: columns,
			}
			sum, err := report.NewRunner(engine, nil, s.logger).Run(ctx, rep, iv, out)
			if cerr := out.Close(); cerr != nil && err == nil {
				err = cerr
			}

			addOutcome(&b, sum.Outcome)
			if !ext.Empty() {
				b.Add("Extra filters", ext.Clause())
			}
			b.Add("Rows written", sum.Written)
			b.Add("Output", strings.Join(files, ", "))
			b.AddStats(sum.Stats)
			b.Failures = sum.Failures
			return err
		}()
		return s.finish(ctx, b, runErr)
	},
}

func init() {
	addRangeFlags(wiresCmd)
	f := wiresCmd.Flags()
	f.StringArray("filter", nil, "extra query filter key=value (!key=value excludes); repeatable")
	f.StringSlice("field", nil, "extra ANS field to include as a column; repeatable or comma separated")
}
