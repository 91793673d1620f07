package saver_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/brensch/arcaudit/internal/db"
	"github.com/brensch/arcaudit/internal/saver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveLedgerTables(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := db.Open(ctx, filepath.Join(dir, "ledger.duckdb"), nil)
	require.NoError(t, err)
	defer l.Close()

	id, err := l.StartRun(ctx, db.Run{Command: "photos", Org: "acme", Environment: "production"})
	require.NoError(t, err)
	l.Record(db.TaskEvent{RunID: id, Scope: "photos", Event: "done"})
	require.NoError(t, l.Flush(ctx))

	tables, err := saver.ListTables(ctx, l.DB())
	require.NoError(t, err)
	assert.ElementsMatch(t, db.Tables, tables)

	out := filepath.Join(dir, "export")
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	paths, err := saver.SaveTablesToParquet(ctx, l.DB(), db.Tables, out, "acme_", 0, quiet)
	require.NoError(t, err)
	require.Len(t, paths, 2)
	for _, p := range paths {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Positive(t, info.Size())
	}
	assert.Equal(t, filepath.Join(out, "acme_runs.parquet"), paths[0])

	var n int
	require.NoError(t, l.DB().QueryRowContext(ctx,
		`SELECT count(*) FROM read_parquet('`+filepath.ToSlash(paths[1])+`')`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestSaveUnknownTableFails(t *testing.T) {
	ctx := context.Background()
	l, err := db.Open(ctx, filepath.Join(t.TempDir(), "ledger.duckdb"), nil)
	require.NoError(t, err)
	defer l.Close()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	_, err = saver.SaveTablesToParquet(ctx, l.DB(), []string{"missing"}, t.TempDir(), "", 1, quiet)
	assert.ErrorContains(t, err, "save missing")
}
