package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/repository"
)

// ErrShutdownTimeout is returned when workers don't stop within timeout.
var ErrShutdownTimeout = errors.New("worker pool shutdown timed out")

// Processor runs one job and returns the artifact paths it produced.
type Processor interface {
	Process(ctx context.Context, job *domain.Job) ([]string, error)
}

// Pool manages a pool of workers for processing item jobs.
type Pool struct {
	workers      int
	pollInterval time.Duration
	jobRepo      repository.JobRepository
	processor    Processor
	isPermanent  func(error) bool
	logger       *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds worker pool configuration.
type Config struct {
	Workers      int
	PollInterval time.Duration

	// IsPermanent classifies failures that should not be retried. Nil
	// retries every failure until the job's budget is spent.
	IsPermanent func(error) bool
}

// NewPool creates a new worker pool.
func NewPool(
	cfg Config,
	jobRepo repository.JobRepository,
	processor Processor,
	logger *slog.Logger,
) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.IsPermanent == nil {
		cfg.IsPermanent = func(error) bool { return false }
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Pool{
		workers:      cfg.Workers,
		pollInterval: cfg.PollInterval,
		jobRepo:      jobRepo,
		processor:    processor,
		isPermanent:  cfg.IsPermanent,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches all workers.
func (p *Pool) Start() {
	p.logger.Info("starting worker pool", "workers", p.workers)

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels in-flight jobs and waits for workers to exit. Interrupted
// jobs are requeued.
func (p *Pool) Stop(timeout time.Duration) error {
	p.logger.Info("stopping worker pool")
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-timer.C:
		return ErrShutdownTimeout
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	logger := p.logger.With("worker_id", id)
	logger.Info("worker started")

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			logger.Info("worker stopping")
			return
		case <-ticker.C:
			// Drain the queue before waiting for the next tick.
			for p.ctx.Err() == nil && p.processNextJob(logger) {
			}
		}
	}
}

// processNextJob reports whether a job was dequeued.
func (p *Pool) processNextJob(logger *slog.Logger) bool {
	job, err := p.jobRepo.Dequeue(p.ctx)
	if err != nil {
		if !errors.Is(err, domain.ErrNoJobs) {
			logger.Error("failed to dequeue job", "error", err)
		}
		return false
	}

	logger = logger.With("job_id", job.ID, "site", job.Site, "item_id", job.ItemID)
	logger.Info("processing job", "tier", job.Tier, "attempt", job.Attempts+1)

	job.MarkProcessing()
	if err := p.jobRepo.Update(p.ctx, job); err != nil {
		logger.Error("failed to update job status", "error", err)
		return true
	}

	files, err := p.processor.Process(p.ctx, job)
	if err != nil {
		p.handleJobFailure(logger, job, err)
		return true
	}

	job.MarkCompleted(files)
	if err := p.jobRepo.Update(p.ctx, job); err != nil {
		logger.Error("failed to mark job completed", "error", err)
	}

	logger.Info("job completed successfully", "files", len(files))
	return true
}

func (p *Pool) handleJobFailure(logger *slog.Logger, job *domain.Job, err error) {
	// Bookkeeping must land even when the pool is shutting down.
	ctx := context.WithoutCancel(p.ctx)

	if errors.Is(err, domain.ErrCancelled) {
		job.Requeue()
		logger.Info("job interrupted, requeued", "error", err)
		if updateErr := p.jobRepo.Update(ctx, job); updateErr != nil {
			logger.Error("failed to requeue job", "error", updateErr)
		}
		return
	}

	permanent := p.isPermanent(err)
	job.MarkFailed(err.Error(), permanent)

	switch {
	case job.Status == domain.JobStatusRetrying:
		logger.Warn("job failed, will retry",
			"error", err,
			"attempt", job.Attempts,
			"max_retries", job.MaxRetries,
		)
	case permanent:
		logger.Error("job failed permanently", "error", err)
	default:
		logger.Error("job failed, retries exhausted",
			"error", err,
			"attempts", job.Attempts,
		)
	}

	if updateErr := p.jobRepo.Update(ctx, job); updateErr != nil {
		logger.Error("failed to update job after failure", "error", updateErr)
	}
}
