package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	stateLimit    int
	stateCommand  string
	stateFailures string
)

// stateCmd shows the run ledger.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "View run history, or the permanent failures of one run",
	Long: `Queries the DuckDB ledger. Without flags the most recent runs are listed with their
status and summary. --failures <run-id> lists every task of that run that failed
permanently, with the interval or item it covered, so it can be re-run narrowly.`,
	Annotations: map[string]string{offline: "true"},
	Args:        cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := getLogger()
		l := getLedger()
		if stateFailures != "" {
			logger.Info("Querying failures", "run_id", stateFailures)
			return l.DisplayFailures(cmd.Context(), os.Stdout, stateFailures)
		}
		logger.Info("Querying run history", "command", stateCommand, "limit", stateLimit)
		return l.DisplayRunHistory(cmd.Context(), os.Stdout, stateCommand, stateLimit)
	},
}

func init() {
	stateCmd.Flags().IntVarP(&stateLimit, "limit", "n", 50, "Limit the number of runs displayed")
	stateCmd.Flags().StringVarP(&stateCommand, "command", "c", "", "Only runs of this command (e.g. redirects, \"delete photos\")")
	stateCmd.Flags().StringVar(&stateFailures, "failures", "", "List the permanent failures of this run id")
}
