package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/iconidentify/moegrabba/internal/domain"
)

const historySchema = `
CREATE TABLE IF NOT EXISTS downloads (
    site          TEXT    NOT NULL,
    item_id       TEXT    NOT NULL,
    tier          INTEGER NOT NULL,
    title         TEXT    NOT NULL DEFAULT '',
    path          TEXT    NOT NULL,
    checksum      TEXT    NOT NULL DEFAULT '',
    size          INTEGER NOT NULL DEFAULT 0,
    downloaded_at TEXT    NOT NULL,
    PRIMARY KEY (site, item_id, tier)
);
CREATE INDEX IF NOT EXISTS idx_downloads_downloaded_at ON downloads(downloaded_at DESC);
`

// timeLayout is fixed-width so that text ordering matches time ordering.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteHistoryRepository implements HistoryRepository backed by SQLite.
type SQLiteHistoryRepository struct {
	db   *sql.DB
	path string
}

// OpenHistory opens or creates the history database at path.
func OpenHistory(path string) (*SQLiteHistoryRepository, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create history directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}

	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteHistoryRepository{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (r *SQLiteHistoryRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// Ping checks the database connection.
func (r *SQLiteHistoryRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Record inserts or replaces the entry for (site, item, tier).
func (r *SQLiteHistoryRepository) Record(ctx context.Context, rec *domain.DownloadRecord) error {
	if rec.DownloadedAt.IsZero() {
		rec.DownloadedAt = time.Now().UTC()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (site, item_id, tier, title, path, checksum, size, downloaded_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(site, item_id, tier) DO UPDATE SET
             title = excluded.title,
             path = excluded.path,
             checksum = excluded.checksum,
             size = excluded.size,
             downloaded_at = excluded.downloaded_at`,
		rec.Site,
		rec.ItemID.String(),
		int(rec.Tier),
		rec.Title,
		rec.Path,
		rec.Checksum,
		rec.Size,
		rec.DownloadedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record download: %w", err)
	}
	return nil
}

// Lookup returns the entry for (site, item, tier) or domain.ErrItemNotFound.
func (r *SQLiteHistoryRepository) Lookup(ctx context.Context, site string, id domain.ItemID, tier domain.DownloadTier) (*domain.DownloadRecord, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT site, item_id, tier, title, path, checksum, size, downloaded_at
         FROM downloads WHERE site = ? AND item_id = ? AND tier = ?`,
		site, id.String(), int(tier),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup download: %w", err)
	}
	return rec, nil
}

// List returns entries, newest first. A non-positive limit returns all.
func (r *SQLiteHistoryRepository) List(ctx context.Context, limit, offset int) ([]*domain.DownloadRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT site, item_id, tier, title, path, checksum, size, downloaded_at
         FROM downloads ORDER BY downloaded_at DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list downloads: %w", err)
	}
	defer rows.Close()

	var out []*domain.DownloadRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan download: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Count returns the number of entries.
func (r *SQLiteHistoryRepository) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count downloads: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (*domain.DownloadRecord, error) {
	var (
		rec    domain.DownloadRecord
		itemID string
		tier   int
		at     string
	)
	if err := s.Scan(&rec.Site, &itemID, &tier, &rec.Title, &rec.Path, &rec.Checksum, &rec.Size, &at); err != nil {
		return nil, err
	}
	rec.ItemID = domain.ItemID(itemID)
	rec.Tier = domain.DownloadTier(tier)
	if t, err := time.Parse(timeLayout, at); err == nil {
		rec.DownloadedAt = t
	}
	return &rec, nil
}
