package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockJobRepository implements repository.JobRepository for testing.
type mockJobRepository struct {
	mu           sync.Mutex
	jobs         []*domain.Job
	dequeueErr   error
	updateErr    error
	dequeueCalls int
	updateCalls  int
}

func (m *mockJobRepository) Enqueue(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockJobRepository) Get(ctx context.Context, id domain.JobID) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.ID == id {
			return j.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockJobRepository) GetByItem(ctx context.Context, site string, itemID domain.ItemID, tier domain.DownloadTier) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, j := range m.jobs {
		if j.Site == site && j.ItemID == itemID && j.Tier == tier {
			return j.Clone(), nil
		}
	}
	return nil, domain.ErrJobNotFound
}

func (m *mockJobRepository) Update(ctx context.Context, job *domain.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateCalls++
	return m.updateErr
}

func (m *mockJobRepository) Dequeue(ctx context.Context) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dequeueCalls++
	if m.dequeueErr != nil {
		return nil, m.dequeueErr
	}
	for _, j := range m.jobs {
		if j.Status == domain.JobStatusQueued {
			j.MarkProcessing()
			return j.Clone(), nil
		}
	}
	return nil, domain.ErrNoJobs
}

func (m *mockJobRepository) ListPending(ctx context.Context) ([]*domain.Job, error) {
	return nil, nil
}

func (m *mockJobRepository) Stats(ctx context.Context) (*repository.QueueStats, error) {
	return &repository.QueueStats{}, nil
}

func (m *mockJobRepository) counts() (dequeues, updates int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dequeueCalls, m.updateCalls
}

// mockProcessor returns scripted results, one per call; the last entry repeats.
type mockProcessor struct {
	mu      sync.Mutex
	results []error
	files   []string
	calls   int
	block   bool
	delay   time.Duration
}

func (m *mockProcessor) Process(ctx context.Context, job *domain.Job) ([]string, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	block := m.block
	delay := m.delay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if block {
		<-ctx.Done()
		return nil, domain.Cancelled(ctx.Err())
	}
	if len(m.results) == 0 {
		return m.files, nil
	}
	if i >= len(m.results) {
		i = len(m.results) - 1
	}
	if err := m.results[i]; err != nil {
		return nil, err
	}
	return m.files, nil
}

func (m *mockProcessor) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func jobStatus(repo repository.JobRepository, id domain.JobID) domain.JobStatus {
	job, err := repo.Get(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func TestNewPool(t *testing.T) {
	pool := NewPool(Config{
		Workers:      3,
		PollInterval: 10 * time.Second,
	}, &mockJobRepository{}, nil, testLogger())

	if pool.workers != 3 {
		t.Errorf("workers = %d, want 3", pool.workers)
	}
	if pool.pollInterval != 10*time.Second {
		t.Errorf("pollInterval = %v, want 10s", pool.pollInterval)
	}
	if pool.isPermanent(domain.ErrItemNotFound) {
		t.Error("default classifier should retry everything")
	}
}

func TestNewPool_DefaultValues(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"zero", Config{}},
		{"negative", Config{Workers: -1, PollInterval: -time.Second}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPool(tt.cfg, &mockJobRepository{}, nil, nil)
			if pool.workers != 2 {
				t.Errorf("workers = %d, want 2", pool.workers)
			}
			if pool.pollInterval != 5*time.Second {
				t.Errorf("pollInterval = %v, want 5s", pool.pollInterval)
			}
		})
	}
}

func TestPool_StartStop(t *testing.T) {
	repo := &mockJobRepository{dequeueErr: domain.ErrNoJobs}

	pool := NewPool(Config{
		Workers:      2,
		PollInterval: 20 * time.Millisecond,
	}, repo, &mockProcessor{}, testLogger())

	pool.Start()
	waitFor(t, func() bool { d, _ := repo.counts(); return d >= 2 })

	if err := pool.Stop(2 * time.Second); err != nil {
		t.Errorf("Stop should not error: %v", err)
	}
}

func TestPool_StopTimeout(t *testing.T) {
	pool := NewPool(Config{
		Workers:      1,
		PollInterval: 10 * time.Second,
	}, &mockJobRepository{}, nil, testLogger())

	// Simulate a worker that never exits.
	pool.wg.Add(1)

	err := pool.Stop(50 * time.Millisecond)
	pool.wg.Done()

	if !errors.Is(err, ErrShutdownTimeout) {
		t.Errorf("expected ErrShutdownTimeout, got %v", err)
	}
}

func TestPool_CompletesJob(t *testing.T) {
	repo := repository.NewMemoryJobQueue()
	proc := &mockProcessor{files: []string{"/data/pixiv/1.png", "/data/pixiv/1_p1.png"}}
	job := domain.NewJob("job-1", "pixiv", "1", domain.TierAuto, 3)
	repo.Enqueue(context.Background(), job)

	pool := NewPool(Config{Workers: 1, PollInterval: 10 * time.Millisecond}, repo, proc, testLogger())
	pool.Start()
	defer pool.Stop(time.Second)

	waitFor(t, func() bool { return jobStatus(repo, "job-1") == domain.JobStatusCompleted })

	got, _ := repo.Get(context.Background(), "job-1")
	if len(got.Files) != 2 {
		t.Errorf("Files = %v", got.Files)
	}
}

func TestPool_RetriesThenFails(t *testing.T) {
	repo := repository.NewMemoryJobQueue()
	proc := &mockProcessor{results: []error{domain.ErrRateLimited}}
	repo.Enqueue(context.Background(), domain.NewJob("job-1", "pixiv", "1", domain.TierAuto, 2))

	pool := NewPool(Config{Workers: 1, PollInterval: 10 * time.Millisecond}, repo, proc, testLogger())
	pool.Start()
	defer pool.Stop(time.Second)

	waitFor(t, func() bool { return jobStatus(repo, "job-1") == domain.JobStatusFailed })

	if proc.callCount() != 2 {
		t.Errorf("Process calls = %d, want 2", proc.callCount())
	}
	got, _ := repo.Get(context.Background(), "job-1")
	if got.LastError != domain.ErrRateLimited.Error() {
		t.Errorf("LastError = %q", got.LastError)
	}
}

func TestPool_RetryRecovers(t *testing.T) {
	repo := repository.NewMemoryJobQueue()
	proc := &mockProcessor{results: []error{domain.ErrURLExpired, nil}, files: []string{"/data/a.gif"}}
	repo.Enqueue(context.Background(), domain.NewJob("job-1", "pixiv", "1", domain.TierAuto, 3))

	pool := NewPool(Config{Workers: 1, PollInterval: 10 * time.Millisecond}, repo, proc, testLogger())
	pool.Start()
	defer pool.Stop(time.Second)

	waitFor(t, func() bool { return jobStatus(repo, "job-1") == domain.JobStatusCompleted })

	got, _ := repo.Get(context.Background(), "job-1")
	if got.Attempts != 1 || got.LastError != "" {
		t.Errorf("job = attempts %d, error %q", got.Attempts, got.LastError)
	}
}

func TestPool_PermanentFailure(t *testing.T) {
	repo := repository.NewMemoryJobQueue()
	proc := &mockProcessor{results: []error{domain.ErrMalformedAnimation}}
	repo.Enqueue(context.Background(), domain.NewJob("job-1", "pixiv", "1", domain.TierAuto, 5))

	pool := NewPool(Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		IsPermanent:  func(err error) bool { return errors.Is(err, domain.ErrMalformedAnimation) },
	}, repo, proc, testLogger())
	pool.Start()
	defer pool.Stop(time.Second)

	waitFor(t, func() bool { return jobStatus(repo, "job-1") == domain.JobStatusFailed })

	if proc.callCount() != 1 {
		t.Errorf("Process calls = %d, want 1", proc.callCount())
	}
}

func TestPool_StopRequeuesInterruptedJob(t *testing.T) {
	repo := repository.NewMemoryJobQueue()
	proc := &mockProcessor{block: true}
	repo.Enqueue(context.Background(), domain.NewJob("job-1", "pixiv", "1", domain.TierAuto, 3))

	pool := NewPool(Config{Workers: 1, PollInterval: 10 * time.Millisecond}, repo, proc, testLogger())
	pool.Start()

	waitFor(t, func() bool { return jobStatus(repo, "job-1") == domain.JobStatusProcessing })

	if err := pool.Stop(time.Second); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	got, _ := repo.Get(context.Background(), "job-1")
	if got.Status != domain.JobStatusRetrying || got.Attempts != 0 {
		t.Errorf("job = %s after %d attempts, want retrying after 0", got.Status, got.Attempts)
	}
	pending, _ := repo.ListPending(context.Background())
	if len(pending) != 1 {
		t.Errorf("pending = %d, want 1", len(pending))
	}
}

func TestPool_DequeueError(t *testing.T) {
	repo := &mockJobRepository{dequeueErr: errors.New("database connection error")}

	pool := NewPool(Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
	}, repo, &mockProcessor{}, testLogger())

	pool.Start()
	waitFor(t, func() bool { d, _ := repo.counts(); return d > 0 })

	if err := pool.Stop(time.Second); err != nil {
		t.Errorf("Stop should succeed: %v", err)
	}
}

func TestPool_ProcessJob_UpdateError(t *testing.T) {
	job := domain.NewJob("job-1", "pixiv", "1", domain.TierAuto, 3)
	repo := &mockJobRepository{
		jobs:      []*domain.Job{job},
		updateErr: errors.New("update failed"),
	}
	proc := &mockProcessor{}

	pool := NewPool(Config{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
	}, repo, proc, testLogger())

	pool.Start()
	waitFor(t, func() bool { _, u := repo.counts(); return u > 0 })
	pool.Stop(time.Second)

	if proc.callCount() != 0 {
		t.Error("job should not be processed when its status cannot be saved")
	}
}

func TestPool_StatusReadsDuringProcessing(t *testing.T) {
	repo := repository.NewMemoryJobQueue()
	proc := &mockProcessor{delay: 20 * time.Millisecond, files: []string{"/data/pixiv/1.png"}}
	for _, id := range []domain.JobID{"job-1", "job-2", "job-3"} {
		repo.Enqueue(context.Background(), domain.NewJob(id, "pixiv", domain.ItemID(id), domain.TierOrigin, 3))
	}

	pool := NewPool(Config{Workers: 2, PollInterval: 5 * time.Millisecond}, repo, proc, testLogger())
	pool.Start()
	defer pool.Stop(time.Second)

	// Readers observe jobs the workers are mutating.
	stop := make(chan struct{})
	var readers sync.WaitGroup
	for i := 0; i < 3; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if job, err := repo.Get(context.Background(), "job-1"); err == nil {
					_ = job.Status
					_ = len(job.Files)
				}
				if job, err := repo.GetByItem(context.Background(), "pixiv", "job-2", domain.TierOrigin); err == nil {
					_ = job.IsTerminal()
				}
				repo.Stats(context.Background())
				repo.ListPending(context.Background())
			}
		}()
	}

	waitFor(t, func() bool {
		stats, _ := repo.Stats(context.Background())
		return stats.Completed == 3
	})
	close(stop)
	readers.Wait()

	got, _ := repo.Get(context.Background(), "job-3")
	if got.Status != domain.JobStatusCompleted || len(got.Files) != 1 {
		t.Errorf("job-3 = %s with files %v", got.Status, got.Files)
	}
}
