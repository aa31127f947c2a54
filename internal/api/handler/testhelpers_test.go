package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/iconidentify/moegrabba/internal/config"
	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/pipeline"
	"github.com/iconidentify/moegrabba/internal/repository"
	"github.com/iconidentify/moegrabba/internal/service"
)

// testLogger returns a silent logger for tests.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockJobRepository wraps the in-memory repository with an injectable Stats error.
type mockJobRepository struct {
	*repository.MemoryJobQueue
	stats    *repository.QueueStats
	statsErr error
}

func newMockJobRepository() *mockJobRepository {
	return &mockJobRepository{MemoryJobQueue: repository.NewMemoryJobQueue()}
}

func (m *mockJobRepository) Stats(ctx context.Context) (*repository.QueueStats, error) {
	if m.statsErr != nil {
		return nil, m.statsErr
	}
	if m.stats != nil {
		return m.stats, nil
	}
	return m.MemoryJobQueue.Stats(ctx)
}

type mockPinger struct{ err error }

func (m mockPinger) Ping(ctx context.Context) error { return m.err }

// mockHistory is an in-memory repository.HistoryRepository.
type mockHistory struct {
	records []*domain.DownloadRecord
	err     error
}

func (m *mockHistory) Record(ctx context.Context, rec *domain.DownloadRecord) error {
	m.records = append(m.records, rec)
	return nil
}

func (m *mockHistory) Lookup(ctx context.Context, site string, id domain.ItemID, tier domain.DownloadTier) (*domain.DownloadRecord, error) {
	return nil, domain.ErrItemNotFound
}

func (m *mockHistory) List(ctx context.Context, limit, offset int) ([]*domain.DownloadRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	if offset >= len(m.records) {
		return nil, nil
	}
	end := offset + limit
	if end > len(m.records) {
		end = len(m.records)
	}
	return m.records[offset:end], nil
}

func (m *mockHistory) Count(ctx context.Context) (int, error) {
	return len(m.records), m.err
}

type mockSite struct {
	lookupErr error
}

func (m *mockSite) Name() string { return "pixiv" }

func (m *mockSite) TierOptions() []domain.TierOption {
	return domain.TierOptions(domain.TierOrigin, domain.TierLarge)
}

func (m *mockSite) Lookup(ctx context.Context, id domain.ItemID) (*domain.MediaItem, error) {
	if m.lookupErr != nil {
		return nil, m.lookupErr
	}
	item := domain.NewMediaItem("pixiv", id)
	item.Candidates.Add(domain.TierThumbnail, "https://img.example/"+id.String()+"_square.jpg")
	return item, nil
}

type mockPipeline struct {
	previewErr error
}

func (m *mockPipeline) Run(ctx context.Context, item *domain.MediaItem, tier domain.DownloadTier) (*pipeline.Result, error) {
	return &pipeline.Result{}, nil
}

func (m *mockPipeline) FetchPreview(ctx context.Context, item *domain.MediaItem) (io.ReadCloser, *domain.MediaCandidate, error) {
	if m.previewErr != nil {
		return nil, nil, m.previewErr
	}
	return io.NopCloser(strings.NewReader("JPEGDATA")), item.Candidates.Minimum(), nil
}

type itemFixture struct {
	handler  *ItemHandler
	jobs     *repository.MemoryJobQueue
	history  *mockHistory
	site     *mockSite
	pipeline *mockPipeline
}

func newItemFixture(t *testing.T) *itemFixture {
	t.Helper()
	f := &itemFixture{
		jobs:     repository.NewMemoryJobQueue(),
		history:  &mockHistory{},
		site:     &mockSite{},
		pipeline: &mockPipeline{},
	}
	svc, err := service.NewItemService(
		[]service.Site{f.site},
		f.jobs,
		f.history,
		f.pipeline,
		config.DownloadConfig{DefaultTier: "auto"},
		config.WorkerConfig{MaxRetries: 3},
		testLogger(),
	)
	if err != nil {
		t.Fatalf("NewItemService: %v", err)
	}
	f.handler = NewItemHandler(svc, testLogger())
	return f
}

// router mounts the handler's routes the way the server does, without auth.
func (f *itemFixture) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/api/v1/items", f.handler.Submit)
	r.Get("/api/v1/items/{jobID}", f.handler.GetStatus)
	r.Get("/api/v1/history", f.handler.History)
	r.Get("/api/v1/sites", f.handler.Sites)
	r.Get("/api/v1/sites/{site}/items/{itemID}/preview", f.handler.Preview)
	return r
}
