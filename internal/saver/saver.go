package saver

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds how many COPY statements run at once.
const DefaultConcurrency = 2

// ListTables returns the user tables of a DuckDB database.
func ListTables(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx, `PRAGMA show_tables;`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tables: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan table name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tables: %w", err)
	}
	return names, nil
}

// SaveTablesToParquet writes each table to <outDir>/<prefix><table>.parquet with at most
// concurrency exports in flight. The first failure cancels the exports not yet started.
// It returns the files written.
func SaveTablesToParquet(ctx context.Context, db *sql.DB, tables []string, outDir, prefix string, concurrency int, logger *slog.Logger) ([]string, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory '%s': %w", outDir, err)
	}
	if len(tables) == 0 {
		logger.Info("No tables to save.")
		return nil, nil
	}
	if concurrency < 1 {
		concurrency = DefaultConcurrency
	}

	paths := make([]string, len(tables))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, tn := range tables {
		g.Go(func() error {
			l := logger.With(slog.String("table", tn))
			safe := strings.NewReplacer(`"`, "", "/", "_", `\`, "_").Replace(tn)
			out := filepath.Join(outDir, prefix+safe+".parquet")
			copySQL := fmt.Sprintf(`COPY %s TO '%s' (FORMAT PARQUET);`,
				fmt.Sprintf(`"%s"`, strings.ReplaceAll(tn, `"`, `""`)),
				strings.ReplaceAll(filepath.ToSlash(out), "'", "''"),
			)
			if _, err := db.ExecContext(gctx, copySQL); err != nil {
				l.Error("Failed to save table to Parquet.", "error", err)
				return fmt.Errorf("save %s: %w", tn, err)
			}
			l.Info("Saved table to Parquet.", slog.String("output_path", out))
			paths[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return paths, nil
}
