package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/iconidentify/moegrabba/internal/domain"
)

func TestItemHandler_Submit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
		wantTier   string
	}{
		{"default tier", `{"site":"pixiv","id":"123"}`, http.StatusAccepted, "auto"},
		{"explicit tier", `{"site":"pixiv","id":"123","tier":"large"}`, http.StatusAccepted, "large"},
		{"invalid json", `{"site":`, http.StatusBadRequest, ""},
		{"unknown site", `{"site":"other","id":"123"}`, http.StatusBadRequest, ""},
		{"missing id", `{"site":"pixiv"}`, http.StatusBadRequest, ""},
		{"bad tier", `{"site":"pixiv","id":"123","tier":"poster"}`, http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newItemFixture(t)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/items", strings.NewReader(tt.body))
			w := httptest.NewRecorder()
			f.router().ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				var resp map[string]string
				json.NewDecoder(w.Body).Decode(&resp)
				if resp["error"] == "" {
					t.Error("error message should be set")
				}
				return
			}

			var resp SubmitResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Tier != tt.wantTier || resp.Status != "queued" || resp.JobID == "" {
				t.Errorf("response = %+v", resp)
			}
			if _, err := f.jobs.Get(context.Background(), domain.JobID(resp.JobID)); err != nil {
				t.Errorf("job not enqueued: %v", err)
			}
		})
	}
}

func TestItemHandler_GetStatus(t *testing.T) {
	f := newItemFixture(t)
	job := domain.NewJob("job_abc", "pixiv", "123", domain.TierOrigin, 3)
	job.MarkCompleted([]string{"/data/pixiv/123.gif"})
	f.jobs.Enqueue(context.Background(), job)

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/items/job_abc", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var resp StatusResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "completed" || resp.Tier != "origin" || len(resp.Files) != 1 {
		t.Errorf("response = %+v", resp)
	}

	w = httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/items/missing", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("missing job status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestItemHandler_History(t *testing.T) {
	f := newItemFixture(t)
	for i := 0; i < 3; i++ {
		f.history.records = append(f.history.records, &domain.DownloadRecord{
			Site:   "pixiv",
			ItemID: domain.ItemID(fmt.Sprint(i)),
			Tier:   domain.TierOrigin,
		})
	}

	tests := []struct {
		name      string
		query     string
		wantLen   int
		wantLimit int
	}{
		{"default", "", 3, defaultHistoryLimit},
		{"paged", "?limit=2&offset=1", 2, 2},
		{"bad limit", "?limit=abc", 3, defaultHistoryLimit},
		{"limit too large", "?limit=100000", 3, defaultHistoryLimit},
		{"past end", "?offset=10", 0, defaultHistoryLimit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history"+tt.query, nil))

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
			}
			var resp HistoryResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if len(resp.Records) != tt.wantLen || resp.Total != 3 || resp.Limit != tt.wantLimit {
				t.Errorf("got %d records, total %d, limit %d", len(resp.Records), resp.Total, resp.Limit)
			}
		})
	}
}

func TestItemHandler_HistoryError(t *testing.T) {
	f := newItemFixture(t)
	f.history.err = errors.New("disk I/O error")

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/history", nil))

	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestItemHandler_Sites(t *testing.T) {
	f := newItemFixture(t)

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sites", nil))

	var resp []SiteResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].Name != "pixiv" || len(resp[0].Tiers) != 3 {
		t.Fatalf("sites = %+v", resp)
	}
	if resp[0].Tiers[0].Tier != domain.TierAuto {
		t.Errorf("first tier = %s, want auto", resp[0].Tiers[0].Tier)
	}
}

func TestItemHandler_Preview(t *testing.T) {
	f := newItemFixture(t)

	w := httptest.NewRecorder()
	f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/sites/pixiv/items/123/preview", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", ct)
	}
	if tier := w.Header().Get("X-Candidate-Tier"); tier != "thumbnail" {
		t.Errorf("X-Candidate-Tier = %q", tier)
	}
	if w.Body.String() != "JPEGDATA" {
		t.Errorf("body = %q", w.Body.String())
	}
}

func TestItemHandler_PreviewErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		lookupErr  error
		previewErr error
		wantStatus int
	}{
		{"unknown site", "/api/v1/sites/other/items/1/preview", nil, nil, http.StatusBadRequest},
		{"item missing", "/api/v1/sites/pixiv/items/1/preview", domain.ErrItemNotFound, nil, http.StatusNotFound},
		{"expired", "/api/v1/sites/pixiv/items/1/preview", nil, domain.ErrURLExpired, http.StatusBadGateway},
		{"rate limited", "/api/v1/sites/pixiv/items/1/preview", nil, domain.ErrRateLimited, http.StatusTooManyRequests},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newItemFixture(t)
			f.site.lookupErr = tt.lookupErr
			f.pipeline.previewErr = tt.previewErr

			w := httptest.NewRecorder()
			f.router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, tt.path, nil))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{domain.ErrInvalidRequest, http.StatusBadRequest},
		{fmt.Errorf("%w: x", domain.ErrUnknownSite), http.StatusBadRequest},
		{domain.ErrJobNotFound, http.StatusNotFound},
		{domain.NewItemError("1", "select", domain.ErrCandidateNotFound), http.StatusNotFound},
		{domain.ErrRateLimited, http.StatusTooManyRequests},
		{domain.ErrResolutionFailed, http.StatusBadGateway},
		{domain.Cancelled(context.Canceled), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
