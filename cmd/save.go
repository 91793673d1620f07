package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/brensch/arcaudit/internal/saver"
)

var (
	saveConcurrency int
	saveDir         string
)

// saveCmd represents the save command
var saveCmd = &cobra.Command{
	Use:   "save",
	Short: "Export the run ledger tables to Parquet files",
	Long: `Saves each table of the DuckDB ledger (runs, task_events) to <dir>/<table>.parquet
so run history can be analysed elsewhere.`,
	Annotations: map[string]string{offline: "true"},
	Args:        cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		cfg := getConfig()
		l := getLedger()
		dir := saveDir
		if dir == "" {
			dir = cfg.OutputDir
		}

		logger.Info("Starting table save process...",
			slog.String("db_path", l.Path()),
			slog.String("output_dir", dir),
		)
		if err := l.Flush(cmd.Context()); err != nil {
			return fmt.Errorf("flush ledger: %w", err)
		}
		tables, err := saver.ListTables(cmd.Context(), l.DB())
		if err != nil {
			return err
		}
		paths, err := saver.SaveTablesToParquet(cmd.Context(), l.DB(), tables, dir, "", saveConcurrency, logger)
		if err != nil {
			logger.Error("Save process completed with errors", "error", err)
			return fmt.Errorf("save failed: %w", err)
		}
		for _, p := range paths {
			fmt.Println(p)
		}
		logger.Info("Table save process completed successfully.", slog.Int("tables", len(paths)))
		return nil
	},
}

func init() {
	saveCmd.Flags().IntVar(&saveConcurrency, "concurrency", saver.DefaultConcurrency, "tables exported at once")
	saveCmd.Flags().StringVar(&saveDir, "dir", "", "output directory (default --output-dir)")
}
