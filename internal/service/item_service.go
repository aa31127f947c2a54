package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/iconidentify/moegrabba/internal/config"
	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/pipeline"
	"github.com/iconidentify/moegrabba/internal/repository"
)

// Site looks up items on one remote content site.
type Site interface {
	Name() string
	Lookup(ctx context.Context, id domain.ItemID) (*domain.MediaItem, error)
	TierOptions() []domain.TierOption
}

// Pipeline runs fetched items to disk.
type Pipeline interface {
	Run(ctx context.Context, item *domain.MediaItem, tier domain.DownloadTier) (*pipeline.Result, error)
	FetchPreview(ctx context.Context, item *domain.MediaItem) (io.ReadCloser, *domain.MediaCandidate, error)
}

// ItemService orchestrates the item download workflow.
type ItemService struct {
	sites       map[string]Site
	jobRepo     repository.JobRepository
	history     repository.HistoryRepository
	pipeline    Pipeline
	defaultTier domain.DownloadTier
	maxRetries  int
	logger      *slog.Logger
}

// NewItemService creates a new item service. history may be nil.
func NewItemService(
	sites []Site,
	jobRepo repository.JobRepository,
	history repository.HistoryRepository,
	p Pipeline,
	downloadCfg config.DownloadConfig,
	workerCfg config.WorkerConfig,
	logger *slog.Logger,
) (*ItemService, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tier, err := downloadCfg.Tier()
	if err != nil {
		return nil, fmt.Errorf("default tier: %w", err)
	}

	byName := make(map[string]Site, len(sites))
	for _, s := range sites {
		name := strings.ToLower(s.Name())
		if _, dup := byName[name]; dup {
			return nil, fmt.Errorf("site %q registered twice", name)
		}
		byName[name] = s
	}

	return &ItemService{
		sites:       byName,
		jobRepo:     jobRepo,
		history:     history,
		pipeline:    p,
		defaultTier: tier,
		maxRetries:  workerCfg.MaxRetries,
		logger:      logger,
	}, nil
}

// SubmitRequest represents an item download request.
type SubmitRequest struct {
	Site   string
	ItemID string
	Tier   string // empty selects the configured default
}

// SubmitResponse is returned after submitting an item.
type SubmitResponse struct {
	JobID   domain.JobID
	Site    string
	ItemID  domain.ItemID
	Tier    domain.DownloadTier
	Status  domain.JobStatus
	Message string
}

// StatusResponse contains the current state of a job.
type StatusResponse struct {
	JobID     domain.JobID
	Site      string
	ItemID    domain.ItemID
	Tier      domain.DownloadTier
	Status    domain.JobStatus
	Attempts  int
	Error     string
	Files     []string
	Progress  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SiteInfo describes a registered site.
type SiteInfo struct {
	Name  string
	Tiers []domain.TierOption
}

// Sites lists the registered sites by name.
func (s *ItemService) Sites() []SiteInfo {
	infos := make([]SiteInfo, 0, len(s.sites))
	for name, site := range s.sites {
		infos = append(infos, SiteInfo{Name: name, Tiers: site.TierOptions()})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

func (s *ItemService) site(name string) (Site, error) {
	site, ok := s.sites[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSite, name)
	}
	return site, nil
}

// Submit queues a download. A request for an item that already has an
// unfinished job at the same tier returns that job.
func (s *ItemService) Submit(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	site, err := s.site(req.Site)
	if err != nil {
		return nil, err
	}
	itemID := domain.ItemID(strings.TrimSpace(req.ItemID))
	if itemID == "" {
		return nil, fmt.Errorf("%w: item id is required", domain.ErrInvalidRequest)
	}

	tier := s.defaultTier
	if req.Tier != "" {
		if tier, err = domain.ParseTier(req.Tier); err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrInvalidRequest, err)
		}
	}

	existing, err := s.jobRepo.GetByItem(ctx, site.Name(), itemID, tier)
	if err == nil && !existing.IsTerminal() {
		return &SubmitResponse{
			JobID:   existing.ID,
			Site:    existing.Site,
			ItemID:  existing.ItemID,
			Tier:    existing.Tier,
			Status:  existing.Status,
			Message: "Item already queued",
		}, nil
	}

	jobID := domain.JobID("job_" + uuid.New().String()[:8])
	job := domain.NewJob(jobID, site.Name(), itemID, tier, s.maxRetries)
	if err := s.jobRepo.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Info("item submitted",
		"job_id", jobID,
		"site", job.Site,
		"item_id", itemID,
		"tier", tier,
	)

	return &SubmitResponse{
		JobID:   jobID,
		Site:    job.Site,
		ItemID:  itemID,
		Tier:    tier,
		Status:  job.Status,
		Message: "Item queued for processing",
	}, nil
}

// Process looks up the job's item and runs it through the pipeline. It
// returns the final artifact paths; a non-nil error means at least one
// page failed and the job should be retried or failed.
func (s *ItemService) Process(ctx context.Context, job *domain.Job) ([]string, error) {
	site, err := s.site(job.Site)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With("job_id", job.ID, "site", job.Site, "item_id", job.ItemID)

	item, err := site.Lookup(ctx, job.ItemID)
	if err != nil {
		if domain.IsContextError(err) && !errors.Is(err, domain.ErrCancelled) {
			err = domain.Cancelled(err)
		}
		return nil, domain.NewItemError(job.ItemID, "lookup", err)
	}

	result, err := s.pipeline.Run(ctx, item, job.Tier)
	if err != nil {
		return result.Files(), err
	}

	files := result.Files()
	if err := result.Err(); err != nil {
		logger.Warn("item finished with failures",
			"succeeded", len(files),
			"total", len(result.Outcomes),
			"error", err,
		)
		return files, err
	}

	logger.Info("item processed", "files", len(files))
	return files, nil
}

// GetStatus returns current processing status of a job.
func (s *ItemService) GetStatus(ctx context.Context, jobID domain.JobID) (*StatusResponse, error) {
	job, err := s.jobRepo.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}

	progress := ""
	switch job.Status {
	case domain.JobStatusQueued:
		progress = "Waiting in queue"
	case domain.JobStatusProcessing:
		progress = "Downloading"
	case domain.JobStatusRetrying:
		progress = fmt.Sprintf("Retrying (attempt %d of %d)", job.Attempts+1, job.MaxRetries)
	case domain.JobStatusCompleted:
		progress = "Completed"
	case domain.JobStatusFailed:
		progress = "Failed"
	}

	return &StatusResponse{
		JobID:     job.ID,
		Site:      job.Site,
		ItemID:    job.ItemID,
		Tier:      job.Tier,
		Status:    job.Status,
		Attempts:  job.Attempts,
		Error:     job.LastError,
		Files:     job.Files,
		Progress:  progress,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
	}, nil
}

// Preview looks up an item and opens its preview image. The caller closes
// the returned reader.
func (s *ItemService) Preview(ctx context.Context, siteName string, id domain.ItemID) (io.ReadCloser, *domain.MediaCandidate, error) {
	site, err := s.site(siteName)
	if err != nil {
		return nil, nil, err
	}
	item, err := site.Lookup(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return s.pipeline.FetchPreview(ctx, item)
}

// History returns recorded downloads, newest first, with the total count.
func (s *ItemService) History(ctx context.Context, limit, offset int) ([]*domain.DownloadRecord, int, error) {
	if s.history == nil {
		return nil, 0, nil
	}
	records, err := s.history.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.history.Count(ctx)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// QueueStats returns job queue statistics.
func (s *ItemService) QueueStats(ctx context.Context) (*repository.QueueStats, error) {
	return s.jobRepo.Stats(ctx)
}

// joinedType is the dynamic type of errors.Join results. fmt.Errorf with
// several %w verbs also unwraps to []error but annotates a single failure.
var joinedType = reflect.TypeOf(errors.Join(errors.New("")))

// IsPermanent reports whether retrying a job that failed with err cannot help.
// An errors.Join result, such as one failure per page, is permanent only when
// every part is.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if reflect.TypeOf(err) == joinedType {
		errs := err.(interface{ Unwrap() []error }).Unwrap()
		for _, e := range errs {
			if !IsPermanent(e) {
				return false
			}
		}
		return len(errs) > 0
	}
	if errors.Is(err, domain.ErrCancelled) {
		return false
	}
	for _, target := range permanentErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

var permanentErrors = []error{
	domain.ErrItemNotFound,
	domain.ErrUnknownSite,
	domain.ErrCandidateNotFound,
	domain.ErrInvalidCandidate,
	domain.ErrMalformedAnimation,
}
