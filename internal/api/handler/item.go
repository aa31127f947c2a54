package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/iconidentify/moegrabba/internal/domain"
	"github.com/iconidentify/moegrabba/internal/service"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// ItemHandler handles item download requests.
type ItemHandler struct {
	itemSvc *service.ItemService
	logger  *slog.Logger
}

// NewItemHandler creates a new item handler.
func NewItemHandler(itemSvc *service.ItemService, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{
		itemSvc: itemSvc,
		logger:  logger,
	}
}

// SubmitRequest is the JSON request body for item submission.
type SubmitRequest struct {
	Site   string `json:"site"`
	ItemID string `json:"id"`
	Tier   string `json:"tier,omitempty"`
}

// SubmitResponse is the JSON response after submission.
type SubmitResponse struct {
	JobID   string `json:"job_id"`
	Site    string `json:"site"`
	ItemID  string `json:"id"`
	Tier    string `json:"tier"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// StatusResponse is returned for job status queries.
type StatusResponse struct {
	JobID     string    `json:"job_id"`
	Site      string    `json:"site"`
	ItemID    string    `json:"id"`
	Tier      string    `json:"tier"`
	Status    string    `json:"status"`
	Progress  string    `json:"progress"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	Files     []string  `json:"files,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HistoryResponse contains a page of download history.
type HistoryResponse struct {
	Records []*domain.DownloadRecord `json:"records"`
	Total   int                      `json:"total"`
	Limit   int                      `json:"limit"`
	Offset  int                      `json:"offset"`
}

// SiteResponse describes one registered site.
type SiteResponse struct {
	Name  string              `json:"name"`
	Tiers []domain.TierOption `json:"tiers"`
}

// Submit handles POST /api/v1/items
func (h *ItemHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.itemSvc.Submit(r.Context(), service.SubmitRequest{
		Site:   req.Site,
		ItemID: req.ItemID,
		Tier:   req.Tier,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, SubmitResponse{
		JobID:   result.JobID.String(),
		Site:    result.Site,
		ItemID:  result.ItemID.String(),
		Tier:    result.Tier.String(),
		Status:  string(result.Status),
		Message: result.Message,
	})
}

// GetStatus handles GET /api/v1/items/{jobID}
func (h *ItemHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(chi.URLParam(r, "jobID"))

	status, err := h.itemSvc.GetStatus(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{
		JobID:     status.JobID.String(),
		Site:      status.Site,
		ItemID:    status.ItemID.String(),
		Tier:      status.Tier.String(),
		Status:    string(status.Status),
		Progress:  status.Progress,
		Attempts:  status.Attempts,
		Error:     status.Error,
		Files:     status.Files,
		CreatedAt: status.CreatedAt,
		UpdatedAt: status.UpdatedAt,
	})
}

// History handles GET /api/v1/history
func (h *ItemHandler) History(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	records, total, err := h.itemSvc.History(r.Context(), limit, offset)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if records == nil {
		records = []*domain.DownloadRecord{}
	}

	h.writeJSON(w, http.StatusOK, HistoryResponse{
		Records: records,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// Sites handles GET /api/v1/sites
func (h *ItemHandler) Sites(w http.ResponseWriter, r *http.Request) {
	infos := h.itemSvc.Sites()
	resp := make([]SiteResponse, 0, len(infos))
	for _, info := range infos {
		resp = append(resp, SiteResponse{Name: info.Name, Tiers: info.Tiers})
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Preview handles GET /api/v1/sites/{site}/items/{itemID}/preview by
// streaming the item's preview image.
func (h *ItemHandler) Preview(w http.ResponseWriter, r *http.Request) {
	site := chi.URLParam(r, "site")
	itemID := domain.ItemID(chi.URLParam(r, "itemID"))

	body, c, err := h.itemSvc.Preview(r.Context(), site, itemID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	defer body.Close()

	contentType := mime.TypeByExtension("." + c.FileExt())
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=3600")
	w.Header().Set("X-Candidate-Tier", c.Tier().String())
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		h.logger.Debug("preview stream interrupted", "site", site, "item_id", itemID, "error", err)
	}
}

func queryInt(r *http.Request, name string, def int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func (h *ItemHandler) writeServiceError(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "error", err)
	}
	h.writeError(w, status, err.Error())
}

// errorStatus maps domain errors to HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest), errors.Is(err, domain.ErrUnknownSite):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrJobNotFound),
		errors.Is(err, domain.ErrItemNotFound),
		errors.Is(err, domain.ErrCandidateNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, domain.ErrURLExpired), errors.Is(err, domain.ErrResolutionFailed):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *ItemHandler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *ItemHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
