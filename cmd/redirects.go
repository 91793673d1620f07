package cmd

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/brensch/arcaudit/internal/probe"
	"github.com/brensch/arcaudit/internal/report"
	"github.com/brensch/arcaudit/internal/sink"
	"github.com/brensch/arcaudit/internal/summary"
)

var redirectsCmd = &cobra.Command{
	Use:   "redirects",
	Short: "Report the redirect documents of a website created within a date range",
	Long: `Lists every redirect document of --website created in [--start, --end) and writes
them to <output-dir>/[prefix_]<start>_to_<end>_<website>.csv.

With --check-status each redirect's canonical URL is requested on --website-domain and the
terminal status ("404", "200", "301->200", "error: ...") is written to check_404_or_200.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		f := cmd.Flags()
		start, _ := f.GetString("start")
		end, _ := f.GetString("end")
		checkStatus, _ := f.GetBool("check-status")
		prefix, _ := f.GetString("prefix")
		withParquet, _ := f.GetBool("parquet")
		autoOptimize, _ := f.GetBool("auto-optimize")

		cfg := getConfig()
		if cfg.Website == "" {
			return errors.New("--website is required")
		}
		iv, err := interval(start, end, false)
		if err != nil {
			return err
		}
		if checkStatus && cfg.WebsiteDomain == "" {
			getLogger().Warn("No website domain provided, skipping status checking")
			checkStatus = false
		}

		s, err := startSession(cmd)
		if err != nil {
			return err
		}
		b := summary.Block{Title: "redirect report " + cfg.Website}
		runErr := func() error {
			client, err := s.client(ctx)
			if err != nil {
				return err
			}
			engine, err := s.engine(autoOptimize)
			if err != nil {
				return err
			}
			var checker *probe.Checker
			if checkStatus {
				checker, err = probe.New(probe.Config{
					Concurrency:       cfg.ProbeConcurrency,
					Timeout:           cfg.ProbeTimeout,
					MaxHops:           cfg.ProbeMaxHops,
					BaseURL:           siteURL(cfg.WebsiteDomain),
					UserAgent:         cfg.UserAgent,
					FollowMetaRefresh: true,
					Logger:            s.logger.With(slog.String("component", "probe")),
				})
				if err != nil {
					return err
				}
			}

			startLabel, endLabel := iv.Label()
			path := filepath.Join(cfg.OutputDir, sink.ReportName(prefix, startLabel, endLabel, cfg.Website, "csv"))
			out, files, err := reportSink(path, report.RedirectColumns, withParquet)
			if err != nil {
				return err
			}

			rep := report.Report{
				Source:      report.Redirects(client, cfg.Website, cfg.Environment),
				Columns:     report.RedirectColumns,
				CheckStatus: checkStatus,
			}
			sum, err := report.NewRunner(engine, checker, s.logger).Run(ctx, rep, iv, out)
			if cerr := out.Close(); cerr != nil && err == nil {
				err = cerr
			}

			addOutcome(&b, sum.Outcome)
			b.Add("Rows written", sum.Written)
			for _, c := range []probe.Class{probe.Live, probe.Redirect, probe.Broken, probe.Error} {
				if n, ok := sum.Status[c]; ok {
					b.Add("Status "+string(c), n)
				}
			}
			b.Add("Output", strings.Join(files, ", "))
			b.AddStats(sum.Stats)
			b.Failures = sum.Failures
			return err
		}()
		return s.finish(ctx, b, runErr)
	},
}

// siteURL turns a bare domain into an https base URL.
func siteURL(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}
	return fmt.Sprintf("https://%s", strings.TrimSuffix(domain, "/"))
}

// addRangeFlags adds the flags shared by the date range reports.
func addRangeFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("website", "", "Arc website id")
	f.String("start", "", "range start, inclusive (YYYY-MM-DD or YYYY-MM-DDTHH:MM:SS, UTC)")
	f.String("end", "", "range end, exclusive")
	f.String("prefix", "", "prefix for the report file name")
	f.Bool("parquet", false, "also write the report as parquet")
	f.Bool("auto-optimize", true, "trial worker counts on the first sub-intervals")
}

func init() {
	addRangeFlags(redirectsCmd)
	f := redirectsCmd.Flags()
	f.Bool("check-status", false, "request each canonical URL and record its status")
	f.String("website-domain", "", "public domain of the website, e.g. www.example.com")
	f.Int("probe-workers", 50, "status checks in flight at once")
	f.Duration("probe-timeout", 10*time.Second, "timeout of one status check")
	f.Int("max-hops", 3, "redirect hops followed before a chain is reported as a loop")
}
