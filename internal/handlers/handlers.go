// Package handlers exposes the read-only inspection API, the manual
// conflict-resolution endpoint, and the sync-now trigger over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"github.com/matkassa/tillsync/internal/conflict"
	"github.com/matkassa/tillsync/internal/connectivity"
	apperrors "github.com/matkassa/tillsync/internal/errors"
	"github.com/matkassa/tillsync/internal/logging"
	"github.com/matkassa/tillsync/internal/models"
	"github.com/matkassa/tillsync/internal/processor"
	"github.com/matkassa/tillsync/internal/queue"
)

// Handler bundles the collaborators the HTTP surface reads from.
type Handler struct {
	store     *queue.Store
	conflicts *conflict.Store
	resolver  *conflict.Resolver
	processor *processor.Processor
	monitor   *connectivity.Monitor
	validate  *validator.Validate
}

// New creates the HTTP handler set.
func New(store *queue.Store, conflicts *conflict.Store, resolver *conflict.Resolver,
	proc *processor.Processor, monitor *connectivity.Monitor) *Handler {
	return &Handler{
		store:     store,
		conflicts: conflicts,
		resolver:  resolver,
		processor: proc,
		monitor:   monitor,
		validate:  validator.New(),
	}
}

// RegisterRoutes attaches all endpoints to the router.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/queue/status", h.QueueStatus).Methods(http.MethodGet)
	api.HandleFunc("/queue/failed", h.FailedItems).Methods(http.MethodGet)
	api.HandleFunc("/queue/retry-failed", h.RetryFailed).Methods(http.MethodPost)
	api.HandleFunc("/sync/trigger", h.TriggerSync).Methods(http.MethodPost)
	api.HandleFunc("/connectivity", h.Connectivity).Methods(http.MethodGet)
	api.HandleFunc("/conflicts", h.ListConflicts).Methods(http.MethodGet)
	api.HandleFunc("/conflicts/{id}/audit", h.ConflictAudit).Methods(http.MethodGet)
	api.HandleFunc("/conflicts/{id}/resolve", h.ResolveConflict).Methods(http.MethodPost)
}

// Health reports liveness.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// QueueStatus returns the processor status snapshot including queue
// composition.
func (h *Handler) QueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.processor.GetStatus()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// FailedItems lists terminally failed items with their error text.
func (h *Handler) FailedItems(w http.ResponseWriter, r *http.Request) {
	items, err := h.store.FailedItems(queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if items == nil {
		items = []*models.SyncItem{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items})
}

// RetryFailed resets terminally failed items for another attempt.
func (h *Handler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.store.RetryFailed()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"reset": n})
}

// TriggerSync requests an immediate drain cycle. Returns 202 whether or
// not a cycle was started; "started" reports whether this request won
// the single-slot guard.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	go h.processor.TriggerSync(context.WithoutCancel(r.Context()))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// Connectivity returns the current connectivity state.
func (h *Handler) Connectivity(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.monitor.State())
}

// ListConflicts returns conflict records, optionally filtered by status.
func (h *Handler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := models.ConflictStatus(r.URL.Query().Get("status"))
	recs, err := h.conflicts.List(status, queryLimit(r, 100))
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.ConflictRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": recs})
}

// ConflictAudit returns the immutable audit trail of a conflict.
func (h *Handler) ConflictAudit(w http.ResponseWriter, r *http.Request) {
	id := models.UUID(mux.Vars(r)["id"])
	if _, err := h.conflicts.Get(id); err != nil {
		writeError(w, err)
		return
	}
	entries, err := h.conflicts.AuditTrail(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"audit": entries})
}

// resolveRequest is the manual resolution payload.
type resolveRequest struct {
	ChosenValue json.RawMessage `json:"chosen_value" validate:"required"`
	Notes       string          `json:"notes"`
	ResolvedBy  string          `json:"resolved_by" validate:"required"`
}

// ResolveConflict applies an operator's manual decision to a parked
// conflict.
func (h *Handler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := models.UUID(mux.Vars(r)["id"])

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "malformed request body", err))
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrValidation, "invalid resolve request", err))
		return
	}

	outcome, err := h.resolver.ManualResolve(id, req.ChosenValue, req.Notes, req.ResolvedBy)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflict":     outcome.Conflict,
		"resolution":   outcome.Resolution,
		"resubmit":     outcome.Resubmit,
		"apply_remote": outcome.ApplyRemote,
	})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 1000 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Error("Failed to encode response", err, nil)
	}
}

// writeError maps application error codes onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch apperrors.CodeOf(err) {
	case apperrors.ErrNotFound, apperrors.ErrQueueItemNotFound, apperrors.ErrConflictNotFound:
		status = http.StatusNotFound
	case apperrors.ErrInvalid, apperrors.ErrValidation:
		status = http.StatusBadRequest
	case apperrors.ErrConflictClosed, apperrors.ErrItemTerminal, apperrors.ErrItemClaimed:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  string(apperrors.CodeOf(err)),
	})
}
