// Package pipeline drives a media item through detail expansion, candidate
// selection, URL resolution, transfer and after-effects.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/repository"
)

// Transferer fetches candidate bytes.
type Transferer interface {
	Download(ctx context.Context, url, referer string) (io.ReadCloser, int64, error)
}

// Outcome is the result of processing one item (a parent or a child).
type Outcome struct {
	ItemID   domain.ItemID
	Tier     domain.DownloadTier
	FellBack bool
	Path     string
	Size     int64
	Skipped  bool
	Err      error
}

// Result collects the outcomes of one Run, parent first then children in order.
type Result struct {
	Outcomes []Outcome
}

// Files returns the final artifact paths of successful outcomes.
func (r *Result) Files() []string {
	if r == nil {
		return nil
	}
	var files []string
	for _, o := range r.Outcomes {
		if o.Err == nil && o.Path != "" {
			files = append(files, o.Path)
		}
	}
	return files
}

// Err joins the per-item errors, or returns nil when every item succeeded.
func (r *Result) Err() error {
	if r == nil {
		return nil
	}
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// Runner executes the per-item pipeline. It is safe for concurrent use.
type Runner struct {
	transfer Transferer
	store    repository.MediaStore
	history  repository.HistoryRepository
	offload  Offloader
	logger   *slog.Logger
}

// NewRunner creates a pipeline runner. history may be nil to disable
// duplicate detection.
func NewRunner(
	transfer Transferer,
	store repository.MediaStore,
	history repository.HistoryRepository,
	offload Offloader,
	logger *slog.Logger,
) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		transfer: transfer,
		store:    store,
		history:  history,
		offload:  offload,
		logger:   logger,
	}
}

// Run expands item once, then fetches the parent (when it has candidates)
// and each child sequentially at the requested tier. A failing child is
// recorded on the child and in the result without stopping its siblings.
// The returned error is non-nil only when detail expansion failed or ctx was
// cancelled; per-item failures are reported through Result.
func (r *Runner) Run(ctx context.Context, item *domain.MediaItem, tier domain.DownloadTier) (*Result, error) {
	logger := r.logger.With("site", item.Site, "item_id", item.ID)
	result := &Result{}

	if err := item.ExpandDetail(ctx); err != nil {
		item.Err = err
		logger.Warn("detail expansion failed", "error", err)
		return result, err
	}

	targets := make([]*domain.MediaItem, 0, len(item.Children)+1)
	if item.Candidates.Len() > 0 {
		targets = append(targets, item)
	}
	targets = append(targets, item.Children...)

	for _, target := range targets {
		if err := domain.CheckContext(ctx); err != nil {
			return result, err
		}

		out := r.processOne(ctx, target, tier, logger.With("target_id", target.ID))
		result.Outcomes = append(result.Outcomes, out)
		if out.Err != nil {
			target.Err = out.Err
			if errors.Is(out.Err, domain.ErrCancelled) {
				return result, out.Err
			}
		}
	}

	if len(targets) == 0 {
		err := domain.NewItemError(item.ID, "select", fmt.Errorf("%w: no candidates", domain.ErrCandidateNotFound))
		item.Err = err
		result.Outcomes = append(result.Outcomes, Outcome{ItemID: item.ID, Tier: tier, Err: err})
	}

	return result, nil
}

func (r *Runner) processOne(ctx context.Context, item *domain.MediaItem, tier domain.DownloadTier, logger *slog.Logger) Outcome {
	out := Outcome{ItemID: item.ID, Tier: tier}

	c, fellBack, err := item.Candidates.ResolveOrBest(tier)
	if err != nil {
		out.Err = domain.NewItemError(item.ID, "select", err)
		return out
	}
	out.Tier, out.FellBack = c.Tier(), fellBack
	if fellBack {
		logger.Info("requested tier unavailable, using best", "requested", tier, "using", c.Tier())
	}

	if rec := r.previousDownload(ctx, item, c.Tier()); rec != nil {
		item.LocalPath = rec.Path
		c.Checksum = rec.Checksum
		out.Path, out.Size, out.Skipped = rec.Path, rec.Size, true
		logger.Info("already downloaded, skipping", "path", rec.Path)
		return out
	}

	if err := c.ResolveURL(ctx, item); err != nil {
		out.Err = domain.NewItemError(item.ID, "resolve_url", err)
		return out
	}

	n, err := r.fetch(ctx, item, c)
	if err != nil {
		out.Err = domain.NewItemError(item.ID, "transfer", err)
		return out
	}
	out.Size = n
	out.Path = item.LocalPath

	if c.HasPostProcessor() {
		err := r.offload.Submit(ctx, func(ctx context.Context) error {
			return c.RunAfterEffect(ctx, item)
		})
		if err != nil {
			logger.Warn("after-effect failed, keeping raw file", "path", out.Path, "error", err)
			out.Err = err
			return out
		}
		out.Path = item.LocalPath
	}

	r.record(ctx, item, c, out, logger)
	logger.Info("item downloaded", "tier", c.Tier(), "path", out.Path, "size", n)
	return out
}

func (r *Runner) fetch(ctx context.Context, item *domain.MediaItem, c *domain.MediaCandidate) (int64, error) {
	body, _, err := r.transfer.Download(ctx, c.URL, c.Referer)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	return r.store.Save(ctx, item, c, body)
}

func (r *Runner) previousDownload(ctx context.Context, item *domain.MediaItem, tier domain.DownloadTier) *domain.DownloadRecord {
	if r.history == nil {
		return nil
	}
	rec, err := r.history.Lookup(ctx, item.Site, item.ID, tier)
	if err != nil {
		if !errors.Is(err, domain.ErrItemNotFound) {
			r.logger.Warn("history lookup failed", "item_id", item.ID, "error", err)
		}
		return nil
	}
	if !r.store.Exists(rec.Path) {
		return nil
	}
	return rec
}

func (r *Runner) record(ctx context.Context, item *domain.MediaItem, c *domain.MediaCandidate, out Outcome, logger *slog.Logger) {
	if r.history == nil {
		return
	}
	rec := &domain.DownloadRecord{
		Site:     item.Site,
		ItemID:   item.ID,
		Tier:     c.Tier(),
		Title:    item.Title,
		Path:     out.Path,
		Checksum: c.Checksum,
		Size:     out.Size,
	}
	if err := r.history.Record(ctx, rec); err != nil {
		logger.Warn("failed to record download", "error", err)
	}
}

// FetchPreview opens the item's preview candidate for streaming. The caller
// closes the returned reader.
func (r *Runner) FetchPreview(ctx context.Context, item *domain.MediaItem) (io.ReadCloser, *domain.MediaCandidate, error) {
	c := item.Candidates.Preview()
	if c == nil {
		c = item.Candidates.Minimum()
	}
	if c == nil {
		return nil, nil, fmt.Errorf("%w: no preview", domain.ErrCandidateNotFound)
	}
	if err := c.ResolveURL(ctx, item); err != nil {
		return nil, nil, err
	}
	body, _, err := r.transfer.Download(ctx, c.URL, c.Referer)
	if err != nil {
		return nil, nil, err
	}
	return body, c, nil
}
