// Package lightbox keeps a local SQLite index of which photos sit in a lightbox, so the
// photo analysis can check membership without an API call per photo.
package lightbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers "sqlite"
)

// ErrNotReady means the cache file is missing or no crawl has completed into it.
var ErrNotReady = errors.New("lightbox cache is missing or incomplete; run lightbox-cache to completion first")

const schemaSQL = `
CREATE TABLE IF NOT EXISTS lightbox_cache (
    lightbox_id  TEXT PRIMARY KEY,
    sha1         TEXT,
    offset_value INTEGER,
    updated_date TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS lightbox_photo_cache (
    photo_id     TEXT PRIMARY KEY,
    lightbox_id  TEXT,
    updated_date TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS offset_cache (
    last_offset  INTEGER NOT NULL,
    completed    INTEGER NOT NULL DEFAULT 0,
    updated_date TEXT NOT NULL
);
`

const stamp = "2006-01-02 15:04:05.000"

// FileName is the cache file name for an organization.
func FileName(org string, sandbox bool) string {
	if sandbox {
		return org + "_lightbox_cache_sandbox.db"
	}
	return org + "_lightbox_cache.db"
}

// Cache is the SQLite lightbox index.
type Cache struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the cache at path.
func Open(path string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory for %s: %w", path, err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open lightbox cache %s: %w", path, err)
	}
	// SQLite allows one writer; crawl workers share a single connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init lightbox cache schema %s: %w", path, err)
	}
	return &Cache{db: db, path: path, logger: logger.With(slog.String("cache", path))}, nil
}

// OpenReady opens an existing cache and fails with ErrNotReady unless a crawl has
// completed into it.
func OpenReady(ctx context.Context, path string, logger *slog.Logger) (*Cache, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotReady, path, err)
	}
	c, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	ready, err := c.Ready(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}
	if !ready {
		c.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotReady, path)
	}
	return c, nil
}

// Path is the cache file.
func (c *Cache) Path() string { return c.path }

// Close closes the database.
func (c *Cache) Close() error { return c.db.Close() }

func now() string { return time.Now().UTC().Format(stamp) }

// PutLightbox records a lightbox and the page offset it was found at.
func (c *Cache) PutLightbox(ctx context.Context, id, sha1 string, offset int) error {
	_, err := c.db.ExecContext(ctx, `
        INSERT INTO lightbox_cache (lightbox_id, sha1, offset_value, updated_date) VALUES (?, ?, ?, ?)
        ON CONFLICT (lightbox_id) DO UPDATE SET sha1 = excluded.sha1, offset_value = excluded.offset_value, updated_date = excluded.updated_date`,
		id, sha1, offset, now())
	if err != nil {
		return fmt.Errorf("store lightbox %s: %w", id, err)
	}
	return nil
}

// PutPhotos records the photos of one lightbox in a single transaction.
func (c *Cache) PutPhotos(ctx context.Context, lightboxID string, photoIDs []string) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin photo insert for %s: %w", lightboxID, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO lightbox_photo_cache (photo_id, lightbox_id, updated_date) VALUES (?, ?, ?)
        ON CONFLICT (photo_id) DO UPDATE SET lightbox_id = excluded.lightbox_id, updated_date = excluded.updated_date`)
	if err != nil {
		return fmt.Errorf("prepare photo insert: %w", err)
	}
	defer stmt.Close()
	ts := now()
	for _, id := range photoIDs {
		if _, err := stmt.ExecContext(ctx, id, lightboxID, ts); err != nil {
			return fmt.Errorf("store photo %s of lightbox %s: %w", id, lightboxID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit photos of lightbox %s: %w", lightboxID, err)
	}
	return nil
}

// SetOffset records how far the lightbox listing got. complete marks a finished crawl.
func (c *Cache) SetOffset(ctx context.Context, offset int, complete bool) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin offset update: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM offset_cache`); err != nil {
		return fmt.Errorf("clear offset: %w", err)
	}
	done := 0
	if complete {
		done = 1
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO offset_cache (last_offset, completed, updated_date) VALUES (?, ?, ?)`, offset, done, now()); err != nil {
		return fmt.Errorf("store offset: %w", err)
	}
	return tx.Commit()
}

// Ready reports whether a crawl has completed into the cache.
func (c *Cache) Ready(ctx context.Context) (bool, error) {
	var done int
	err := c.db.QueryRowContext(ctx, `SELECT completed FROM offset_cache LIMIT 1`).Scan(&done)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read crawl state: %w", err)
	}
	return done == 1, nil
}

// Contains reports whether photoID is in any lightbox.
func (c *Cache) Contains(ctx context.Context, photoID string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx, `SELECT 1 FROM lightbox_photo_cache WHERE photo_id = ? LIMIT 1`, photoID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("look up photo %s: %w", photoID, err)
	}
	return true, nil
}

// Counts returns the number of cached lightboxes and photos.
func (c *Cache) Counts(ctx context.Context) (lightboxes, photos int, err error) {
	if err = c.db.QueryRowContext(ctx, `SELECT count(*) FROM lightbox_cache`).Scan(&lightboxes); err != nil {
		return 0, 0, fmt.Errorf("count lightboxes: %w", err)
	}
	if err = c.db.QueryRowContext(ctx, `SELECT count(*) FROM lightbox_photo_cache`).Scan(&photos); err != nil {
		return 0, 0, fmt.Errorf("count photos: %w", err)
	}
	return lightboxes, photos, nil
}
