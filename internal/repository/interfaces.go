package repository

import (
	"context"
	"io"

	"github.com/iconidentify/moegrabba/internal/domain"
)

// MediaStore persists downloaded media bytes.
type MediaStore interface {
	// Save streams content to the item's final location. On success it sets
	// item.LocalPath and c.Checksum and returns the number of bytes written.
	// On failure nothing is left at the final location.
	Save(ctx context.Context, item *domain.MediaItem, c *domain.MediaCandidate, content io.Reader) (int64, error)

	// Exists reports whether a regular file exists at path.
	Exists(path string) bool
}

// HistoryRepository records completed downloads.
type HistoryRepository interface {
	// Record inserts or replaces the entry for (site, item, tier).
	Record(ctx context.Context, rec *domain.DownloadRecord) error

	// Lookup returns the entry for (site, item, tier) or domain.ErrItemNotFound.
	Lookup(ctx context.Context, site string, id domain.ItemID, tier domain.DownloadTier) (*domain.DownloadRecord, error)

	// List returns entries, newest first.
	List(ctx context.Context, limit, offset int) ([]*domain.DownloadRecord, error)

	// Count returns the number of entries.
	Count(ctx context.Context) (int, error)
}

// JobRepository manages the job queue.
type JobRepository interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *domain.Job) error

	// Dequeue claims the next pending job (FIFO) and marks it processing.
	Dequeue(ctx context.Context) (*domain.Job, error)

	// Update modifies job state.
	Update(ctx context.Context, job *domain.Job) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, id domain.JobID) (*domain.Job, error)

	// GetByItem finds the latest job for a site item at tier.
	GetByItem(ctx context.Context, site string, itemID domain.ItemID, tier domain.DownloadTier) (*domain.Job, error)

	// ListPending returns all pending/retrying jobs.
	ListPending(ctx context.Context) ([]*domain.Job, error)

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*QueueStats, error)
}

// QueueStats contains job queue statistics.
type QueueStats struct {
	Queued     int `json:"queued"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Retrying   int `json:"retrying"`
}
