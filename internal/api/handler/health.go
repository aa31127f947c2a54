package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/iconidentify/moegrabba/internal/repository"
)

var startTime = time.Now()

// Pinger reports whether a backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	jobRepo     repository.JobRepository
	history     Pinger
	storagePath string
}

// NewHealthHandler creates a new health handler. history may be nil.
func NewHealthHandler(jobRepo repository.JobRepository, history Pinger, storagePath string) *HealthHandler {
	return &HealthHandler{
		jobRepo:     jobRepo,
		history:     history,
		storagePath: storagePath,
	}
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp string                 `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
	Queue     *repository.QueueStats `json:"queue,omitempty"`
}

// Live handles GET /health - liveness probe.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeHealth(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready handles GET /ready - readiness probe.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	stats, err := h.jobRepo.Stats(ctx)
	if err != nil {
		writeHealth(w, http.StatusServiceUnavailable, HealthResponse{Status: "error", Error: "job queue: " + err.Error()})
		return
	}
	if h.history != nil {
		if err := h.history.Ping(ctx); err != nil {
			writeHealth(w, http.StatusServiceUnavailable, HealthResponse{Status: "error", Error: "history: " + err.Error()})
			return
		}
	}

	writeHealth(w, http.StatusOK, HealthResponse{Status: "ok", Queue: stats})
}

func writeHealth(w http.ResponseWriter, status int, resp HealthResponse) {
	resp.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// SystemStats contains system resource statistics.
type SystemStats struct {
	Uptime        int64  `json:"uptime_seconds"`
	UptimeHuman   string `json:"uptime_human"`
	MemAllocMB    int64  `json:"mem_alloc_mb"`
	MemSysMB      int64  `json:"mem_sys_mb"`
	NumGoroutines int    `json:"num_goroutines"`
	NumCPU        int    `json:"num_cpu"`
	DiskFreeBytes uint64 `json:"disk_free_bytes"`
	DiskFreeHuman string `json:"disk_free_human,omitempty"`
	StoragePath   string `json:"storage_path"`
}

// Stats handles GET /api/v1/stats - system statistics.
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(startTime)
	stats := SystemStats{
		Uptime:        int64(uptime.Seconds()),
		UptimeHuman:   formatUptime(uptime),
		MemAllocMB:    int64(m.Alloc / 1024 / 1024),
		MemSysMB:      int64(m.Sys / 1024 / 1024),
		NumGoroutines: runtime.NumGoroutine(),
		NumCPU:        runtime.NumCPU(),
		StoragePath:   h.storagePath,
	}

	if free, err := repository.FreeDiskSpace(h.storagePath); err == nil {
		stats.DiskFreeBytes = free
		stats.DiskFreeHuman = humanize.Bytes(free)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(stats)
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}
