package repository

import (
	"context"
	"sync"

	"github.com/iconidentify/moegrabba/internal/domain"
)

// jobKey identifies the work a job performs. Two jobs with the same key
// fetch the same files.
type jobKey struct {
	site string
	item domain.ItemID
	tier domain.DownloadTier
}

func keyOf(j *domain.Job) jobKey {
	return jobKey{site: j.Site, item: j.ItemID, tier: j.Tier}
}

// MemoryJobQueue is a process-local JobRepository. It owns the jobs it
// stores: callers always receive and hand in copies, so a worker mutating
// its job never races with status readers.
type MemoryJobQueue struct {
	mu      sync.Mutex
	jobs    map[domain.JobID]*domain.Job
	latest  map[jobKey]domain.JobID
	order   []domain.JobID // pending job IDs, oldest first
	pending map[domain.JobID]bool
}

// NewMemoryJobQueue creates an empty queue.
func NewMemoryJobQueue() *MemoryJobQueue {
	return &MemoryJobQueue{
		jobs:    make(map[domain.JobID]*domain.Job),
		latest:  make(map[jobKey]domain.JobID),
		pending: make(map[domain.JobID]bool),
	}
}

func (q *MemoryJobQueue) push(id domain.JobID) {
	if q.pending[id] {
		return
	}
	q.pending[id] = true
	q.order = append(q.order, id)
}

func runnable(j *domain.Job) bool {
	return j.Status == domain.JobStatusQueued || j.Status == domain.JobStatusRetrying
}

// Enqueue stores a copy of job and schedules it when it is runnable.
func (q *MemoryJobQueue) Enqueue(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	stored := job.Clone()
	q.jobs[stored.ID] = stored
	q.latest[keyOf(stored)] = stored.ID
	if runnable(stored) {
		q.push(stored.ID)
	}
	return nil
}

// Dequeue claims the oldest runnable job, marks it processing and returns
// a copy. Entries that stopped being runnable are discarded on the way.
func (q *MemoryJobQueue) Dequeue(ctx context.Context) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.order) > 0 {
		id := q.order[0]
		q.order = q.order[1:]
		delete(q.pending, id)

		job, ok := q.jobs[id]
		if !ok || !runnable(job) {
			continue
		}
		job.MarkProcessing()
		return job.Clone(), nil
	}
	return nil, domain.ErrNoJobs
}

// Update replaces the stored job with a copy of job. A job moved back to
// retrying is scheduled again.
func (q *MemoryJobQueue) Update(ctx context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.jobs[job.ID]; !ok {
		return domain.ErrJobNotFound
	}
	stored := job.Clone()
	q.jobs[stored.ID] = stored
	if stored.Status == domain.JobStatusRetrying {
		q.push(stored.ID)
	}
	return nil
}

// Get returns a copy of the job with id.
func (q *MemoryJobQueue) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[id]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return job.Clone(), nil
}

// GetByItem returns a copy of the most recently enqueued job for the item
// at tier.
func (q *MemoryJobQueue) GetByItem(ctx context.Context, site string, itemID domain.ItemID, tier domain.DownloadTier) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	id, ok := q.latest[jobKey{site: site, item: itemID, tier: tier}]
	if !ok {
		return nil, domain.ErrJobNotFound
	}
	return q.jobs[id].Clone(), nil
}

// ListPending returns copies of the runnable jobs in the order they will
// be dequeued.
func (q *MemoryJobQueue) ListPending(ctx context.Context) ([]*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*domain.Job, 0, len(q.order))
	for _, id := range q.order {
		if job, ok := q.jobs[id]; ok && runnable(job) {
			out = append(out, job.Clone())
		}
	}
	return out, nil
}

// Stats counts stored jobs by status.
func (q *MemoryJobQueue) Stats(ctx context.Context) (*QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stats QueueStats
	counters := map[domain.JobStatus]*int{
		domain.JobStatusQueued:     &stats.Queued,
		domain.JobStatusProcessing: &stats.Processing,
		domain.JobStatusCompleted:  &stats.Completed,
		domain.JobStatusFailed:     &stats.Failed,
		domain.JobStatusRetrying:   &stats.Retrying,
	}
	for _, job := range q.jobs {
		if n := counters[job.Status]; n != nil {
			*n++
		}
	}
	return &stats, nil
}
