package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/brensch/arcaudit/internal/config"
	"github.com/brensch/arcaudit/internal/db"
)

// offline marks commands that never call the Arc APIs.
const offline = "offline"

var (
	cfgFile string

	// Global instances populated in PersistentPreRunE
	rootLogger  *slog.Logger
	logCleanup  func() error
	ledger      *db.Ledger
	appConfig   config.Config
	flagsToKeys = map[string]string{
		"org":            "org",
		"token":          "token",
		"environment":    "environment",
		"website":        "website",
		"api-base":       "api_base",
		"rate":           "rate",
		"burst":          "burst",
		"workers":        "workers",
		"candidates":     "candidates",
		"trial-tasks":    "trial_tasks",
		"trial-budget":   "trial_budget",
		"max-window":     "max_window",
		"max-retries":    "retry.max_retries",
		"base-delay":     "retry.base_delay",
		"max-delay":      "retry.max_delay",
		"output-dir":     "output_dir",
		"db-path":        "db_path",
		"cache-dir":      "cache_dir",
		"log-dir":        "log_dir",
		"log-level":      "log_level",
		"website-domain": "website_domain",
		"probe-workers":  "probe.concurrency",
		"probe-timeout":  "probe.timeout",
		"max-hops":       "probe.max_hops",
	}
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "arcaudit",
	Short: "Audit and clean up redirects, wire stories and photos in Arc XP.",
	Long: `arcaudit pages through the Arc XP content and photo APIs across large date ranges,
splitting every range so each piece fits the search result window, tuning the number of
parallel workers and retrying throttled calls. It produces CSV reports of candidates for
deletion and can delete or expire the items a human has approved.

Every run is recorded in a DuckDB ledger together with its per-task outcomes, so permanent
failures can be listed afterwards with 'arcaudit state --failures <run-id>'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// --- 1. Configuration ---
		v, err := config.NewViper(cfgFile)
		if err != nil {
			return err
		}
		var bindErr error
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if key, ok := flagsToKeys[f.Name]; ok && bindErr == nil {
				bindErr = v.BindPFlag(key, f)
			}
		})
		if bindErr != nil {
			return fmt.Errorf("failed to bind flags: %w", bindErr)
		}
		appConfig = config.FromViper(v)
		if err := appConfig.Validate(cmd.Annotations[offline] == ""); err != nil {
			return fmt.Errorf("invalid configuration:\n%w", err)
		}

		// --- 2. Logger ---
		logFile := config.LogFileName(appConfig.LogDir, appConfig.Org, commandName(cmd))
		rootLogger, logCleanup = config.SetupLogger(logFile, config.ParseLevel(appConfig.LogLevel))
		slog.SetDefault(rootLogger)
		rootLogger.Debug("Configuration loaded",
			slog.String("org", appConfig.Org), slog.String("environment", appConfig.Environment),
			slog.Float64("rate", appConfig.Rate), slog.Int("workers", appConfig.Workers))

		// --- 3. Ledger ---
		if appConfig.DbPath != ":memory:" {
			if err := os.MkdirAll(filepath.Dir(appConfig.DbPath), 0o755); err != nil {
				return fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		openCtx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		ledger, err = db.Open(openCtx, appConfig.DbPath, rootLogger)
		if err != nil {
			return fmt.Errorf("failed to open ledger (%s): %w", appConfig.DbPath, err)
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return shutdown()
	},
}

// shutdown closes the ledger and the log file. It is safe to call more than once.
func shutdown() error {
	var err error
	if ledger != nil {
		if cerr := ledger.Close(); cerr != nil {
			getLogger().Error("Failed to close ledger cleanly", "error", cerr)
			err = cerr
		}
		ledger = nil
	}
	if logCleanup != nil {
		_ = logCleanup()
		logCleanup = nil
	}
	return err
}

// Execute adds all child commands to the root command and runs it until completion or
// an interrupt.
func Execute() {
	rootCmd.AddCommand(redirectsCmd)
	rootCmd.AddCommand(wiresCmd)
	rootCmd.AddCommand(photosCmd)
	rootCmd.AddCommand(lightboxCacheCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(saveCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	// PersistentPostRunE is skipped when a command fails.
	_ = shutdown()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file (optional; ARCAUDIT_* env vars and .env are always read)")
	pf.String("org", "", "Arc XP organization id")
	pf.String("token", "", "bearer token; must match org and environment")
	pf.String("environment", config.Production, "production or sandbox")
	pf.String("api-base", "", "override the API base URL")
	pf.Float64("rate", 10, "API requests per second shared by all workers")
	pf.Int("burst", 1, "token bucket burst")
	pf.IntP("workers", "w", 10, "maximum parallel workers")
	pf.IntSlice("candidates", []int{1, 3, 5, 8, 10}, "worker counts to trial before settling on one")
	pf.Int("trial-tasks", 2, "tasks measured per trial worker count")
	pf.Duration("trial-budget", 2*time.Minute, "time budget for all worker trials")
	pf.Int("max-window", 10000, "largest result count a single sub-interval may hold")
	pf.Int("max-retries", 5, "retries of a throttled or failing call")
	pf.Duration("base-delay", time.Second, "first retry delay; doubles each attempt")
	pf.Duration("max-delay", 30*time.Second, "retry delay cap")
	pf.StringP("output-dir", "o", "./spreadsheets", "directory for CSV reports")
	pf.StringP("db-path", "d", "./databases/arcaudit_ledger.duckdb", "DuckDB run ledger (:memory: for in-memory)")
	pf.String("cache-dir", "./databases", "directory holding the lightbox cache")
	pf.String("log-dir", "./logs", "directory for JSON log files")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.Version = "1.0.0"
}

// commandName is the command path without the binary, e.g. "delete photos".
func commandName(cmd *cobra.Command) string {
	return strings.TrimSpace(strings.TrimPrefix(cmd.CommandPath(), cmd.Root().Name()))
}

// Helper to get logger (could use context propagation instead)
func getLogger() *slog.Logger {
	if rootLogger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return rootLogger
}

func getConfig() config.Config { return appConfig }

func getLedger() *db.Ledger { return ledger }
