package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/medsync/agent/internal/middleware"
	"github.com/medsync/agent/internal/models"
	"github.com/medsync/agent/internal/services"
)

// SyncHandler handles sync queue and sync manager endpoints
type SyncHandler struct {
	records *services.RecordService
	manager *services.SyncManager
	queue   *services.SyncQueue
}

// NewSyncHandler creates a new SyncHandler
func NewSyncHandler(records *services.RecordService, manager *services.SyncManager, queue *services.SyncQueue) *SyncHandler {
	return &SyncHandler{
		records: records,
		manager: manager,
		queue:   queue,
	}
}

// EnqueueOperation applies a raw write and queues it for sync. The record's
// owner is taken from the request when the payload omits it.
// @Summary Queue a raw write
// @Tags sync
// @Accept json
// @Produce json
// @Param request body models.EnqueueWriteRequest true "Operation"
// @Success 202 {object} models.SyncOperation
// @Failure 400 {object} models.ErrorResponse
// @Failure 404 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/operations [post]
func (h *SyncHandler) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req models.EnqueueWriteRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	owner := middleware.GetOwnerFromContext(r.Context())
	payload, err := withOwner(req.TargetEntity, req.Payload, owner)
	if err != nil {
		respondErr(w, r, err)
		return
	}

	op, err := h.records.EnqueueWrite(r.Context(), req.Kind, req.TargetEntity, payload)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, op)
}

// withOwner fills in or checks the owner field of a raw record payload
func withOwner(target models.EntityKind, payload json.RawMessage, owner string) (json.RawMessage, error) {
	field := "ownerEmail"
	if target == models.EntityProfile {
		field = "email"
	}

	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		return nil, models.ErrInvalidRecord
	}

	current, _ := fields[field].(string)
	switch {
	case strings.TrimSpace(current) == "":
		fields[field] = owner
	case !strings.EqualFold(strings.TrimSpace(current), owner):
		return nil, models.ErrOwnerMismatch
	default:
		return payload, nil
	}
	return json.Marshal(fields)
}

// GetStatus returns the sync manager status
// @Summary Sync status
// @Tags sync
// @Produce json
// @Success 200 {object} models.SyncStatus
// @Security ApiKeyAuth
// @Router /api/sync/status [get]
func (h *SyncHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.manager.Status(r.Context()))
}

// ListQueue returns the pending operations in FIFO order
// @Summary List pending operations
// @Tags sync
// @Produce json
// @Success 200 {array} models.SyncOperation
// @Security ApiKeyAuth
// @Router /api/sync/queue [get]
func (h *SyncHandler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.List(r.Context())
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if ops == nil {
		ops = []*models.SyncOperation{}
	}
	respondJSON(w, http.StatusOK, ops)
}

// TriggerSync requests a drain. With ?wait=true the drain runs in the
// request and the resulting status is returned.
// @Summary Trigger a sync
// @Tags sync
// @Produce json
// @Param wait query bool false "Drain within the request"
// @Success 200 {object} models.SyncStatus
// @Success 202 {object} models.SyncStatus
// @Failure 409 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/trigger [post]
func (h *SyncHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") != "true" {
		h.manager.TriggerManualSync()
		respondJSON(w, http.StatusAccepted, h.manager.Status(r.Context()))
		return
	}

	err := h.manager.Drain(r.Context())
	if errors.Is(err, models.ErrSyncInProgress) {
		respondErr(w, r, err)
		return
	}
	// Remote failures are reported through the status, not the response code
	respondJSON(w, http.StatusOK, h.manager.Status(r.Context()))
}

// Refresh pulls the owner's records from the remote store
// @Summary Refresh from the remote store
// @Tags sync
// @Produce json
// @Success 200 {object} models.RefreshResult
// @Failure 502 {object} models.ErrorResponse
// @Security ApiKeyAuth
// @Router /api/sync/refresh [post]
func (h *SyncHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	owner := middleware.GetOwnerFromContext(r.Context())

	result, err := h.records.RefreshFromRemote(r.Context(), owner)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}
