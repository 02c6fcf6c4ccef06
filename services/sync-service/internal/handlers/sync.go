package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/credentials"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/engine"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/items"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/jobs"
	"github.com/usecmdr-rgb/ovrsee-sub004/services/sync-service/internal/provider"
)

// ItemReader serves canonical row lookups for the admin API.
type ItemReader interface {
	Get(ctx context.Context, id uuid.UUID) (items.Item, error)
}

type Handler struct {
	repo   *jobs.Repository
	engine *engine.Engine
	items  ItemReader
	logger *slog.Logger
}

func New(repo *jobs.Repository, eng *engine.Engine, itemReader ItemReader, logger *slog.Logger) *Handler {
	return &Handler{repo: repo, engine: eng, items: itemReader, logger: logger}
}

type enqueueRequest struct {
	TenantID   string `json:"tenant_id"`
	Provider   string `json:"provider"`
	JobType    string `json:"job_type"`
	FromCursor string `json:"from_cursor"`
}

// EnqueueJob creates a pending sync job for the worker loop (or an explicit
// run call) to pick up.
func (h *Handler) EnqueueJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	req.TenantID = strings.TrimSpace(req.TenantID)
	req.Provider = strings.TrimSpace(strings.ToLower(req.Provider))
	req.JobType = strings.TrimSpace(strings.ToLower(req.JobType))
	if req.TenantID == "" || req.Provider == "" || req.JobType == "" {
		http.Error(w, "tenant_id, provider and job_type are required", http.StatusBadRequest)
		return
	}

	id, err := h.repo.Enqueue(r.Context(), req.TenantID, req.Provider, req.JobType, req.FromCursor)
	if err != nil {
		if errors.Is(err, jobs.ErrUnknownType) {
			http.Error(w, "unknown job_type", http.StatusBadRequest)
			return
		}
		h.logger.Error("failed to enqueue sync job", "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	h.logger.Info("sync job enqueued", "job_id", id, "tenant_id", req.TenantID, "job_type", req.JobType)
	writeJSON(w, http.StatusCreated, map[string]any{"job_id": id.String()})
}

// JobStatus reports one job for UI polling ("needs reconnect" vs "temporary
// issue, will retry" is derived from error_kind).
func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	job, err := h.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":       job.ID.String(),
		"tenant_id":    job.TenantID,
		"provider":     job.Provider,
		"job_type":     job.Type,
		"status":       job.Status,
		"from_cursor":  job.FromCursor,
		"to_cursor":    job.ToCursor,
		"error_kind":   job.ErrorKind,
		"error_detail": job.ErrorDetail,
		"updated_at":   job.UpdatedAt.UTC().Format(time.RFC3339),
	})
}

// RunJob executes one page of the job synchronously. The worker loop covers
// normal operation; this endpoint exists for operators and tests.
func (h *Handler) RunJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	res, err := h.engine.RunOnce(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrNotFound):
			http.Error(w, "job not found", http.StatusNotFound)
		case errors.Is(err, jobs.ErrAlreadyRunning):
			http.Error(w, "job is not pending", http.StatusConflict)
		case errors.Is(err, credentials.ErrReauthRequired), errors.Is(err, provider.ErrAuthExpired):
			writeJSON(w, http.StatusOK, map[string]any{"status": jobs.StatusFailed, "error_kind": jobs.ErrorKindAuthExpired})
		case errors.Is(err, provider.ErrUnavailable):
			writeJSON(w, http.StatusOK, map[string]any{"status": jobs.StatusFailed, "error_kind": jobs.ErrorKindProviderUnavailable})
		default:
			h.logger.Error("sync job run failed", "job_id", id, "err", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":      jobs.StatusCompleted,
		"processed":   res.Processed,
		"next_cursor": res.NextCursor,
	})
}

// RequeueJob flips a failed job back to pending, e.g. after re-consent.
func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	if err := h.repo.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			http.Error(w, "no failed job with that id", http.StatusNotFound)
			return
		}
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": jobs.StatusPending})
}

// GetItem returns one synced row, including the soft-delete audit fields,
// for operator inspection.
func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id, ok := jobIDParam(w, r)
	if !ok {
		return
	}

	item, err := h.items.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, items.ErrNotFound) {
			http.Error(w, "item not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to load synced item", "item_id", id, "err", err)
		http.Error(w, "db error", http.StatusInternalServerError)
		return
	}

	resp := map[string]any{
		"item_id":    item.ID.String(),
		"tenant_id":  item.TenantID,
		"kind":       string(item.Kind),
		"payload":    item.Payload,
		"created_at": item.CreatedAt.UTC().Format(time.RFC3339),
		"updated_at": item.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if item.DeletedAt != nil {
		resp["deleted_at"] = item.DeletedAt.UTC().Format(time.RFC3339)
		resp["deleted_by"] = item.DeletedBy
	}
	writeJSON(w, http.StatusOK, resp)
}

func jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("id"))
	if raw == "" {
		http.Error(w, "id query parameter is required", http.StatusBadRequest)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "invalid job id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
