package admin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/classifier"
	"github.com/medellinbot/medellinbot/internal/store"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBulkIDs      = 500
)

type requestList struct {
	Requests   []store.Request `json:"requests"`
	Total      int             `json:"total"`
	Page       int             `json:"page"`
	TotalPages int             `json:"totalPages"`
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.RequestFilter{Page: 1, Limit: defaultPageSize}

	if s := q.Get("status"); s != "" {
		f.Status = store.Status(s)
		if !f.Status.Valid() {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
	}
	if t := q.Get("type"); t != "" {
		rt, ok := classifier.ParseRequestType(t)
		if !ok {
			writeError(w, http.StatusBadRequest, "invalid type")
			return
		}
		f.Type = rt
	}
	if p := q.Get("page"); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid page")
			return
		}
		f.Page = n
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxPageSize {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		f.Limit = n
	}

	reqs, total, err := h.store.ListRequests(r.Context(), f)
	if err != nil {
		h.log.Error("list requests", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch requests")
		return
	}
	if reqs == nil {
		reqs = []store.Request{}
	}
	writeJSON(w, http.StatusOK, requestList{
		Requests:   reqs,
		Total:      total,
		Page:       f.Page,
		TotalPages: (total + f.Limit - 1) / f.Limit,
	})
}

func (h *Handler) getRequest(w http.ResponseWriter, r *http.Request) {
	req, err := h.store.RequestByID(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		h.log.Error("get request", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"request": req})
}

// validatePatch checks enum values and that a referenced entity exists.
func (h *Handler) validatePatch(ctx context.Context, p store.RequestPatch) (int, error) {
	if p.Empty() {
		return http.StatusBadRequest, errors.New("no fields to update")
	}
	if p.Status != nil && !p.Status.Valid() {
		return http.StatusBadRequest, fmt.Errorf("invalid status %q", *p.Status)
	}
	if p.Priority != nil && !p.Priority.Valid() {
		return http.StatusBadRequest, fmt.Errorf("invalid priority %q", *p.Priority)
	}
	if p.EntityID != nil && *p.EntityID != "" {
		_, err := h.store.EntityByID(ctx, *p.EntityID)
		if errors.Is(err, store.ErrNotFound) {
			return http.StatusBadRequest, errors.New("unknown entity_id")
		}
		if err != nil {
			return http.StatusInternalServerError, err
		}
	}
	return 0, nil
}

func (h *Handler) updateRequest(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var patch store.RequestPatch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if status, err := h.validatePatch(ctx, patch); err != nil {
		h.failValidation(w, status, err)
		return
	}

	id := chi.URLParam(r, "id")
	change, err := h.store.UpdateRequest(ctx, id, patch)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "request not found")
		return
	}
	if err != nil {
		h.log.Error("update request", zap.String("request_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update request")
		return
	}

	h.afterChange(ctx, *change)
	h.record(ctx, store.Event{
		Type:     store.EventPQRSDUpdated,
		Metadata: map[string]any{"request_id": id, "updates": patch},
	})
	writeJSON(w, http.StatusOK, map[string]any{"request": change.After})
}

type bulkBody struct {
	IDs     []string            `json:"ids"`
	Updates *store.RequestPatch `json:"updates"`
}

func (h *Handler) bulkUpdateRequests(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var body bulkBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(body.IDs) == 0 {
		writeError(w, http.StatusBadRequest, "ids array is required")
		return
	}
	if len(body.IDs) > maxBulkIDs {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d ids per call", maxBulkIDs))
		return
	}
	if body.Updates == nil {
		writeError(w, http.StatusBadRequest, "updates object is required")
		return
	}
	// Responses are written one request at a time, never in bulk.
	patch := *body.Updates
	patch.Response = nil
	if status, err := h.validatePatch(ctx, patch); err != nil {
		h.failValidation(w, status, err)
		return
	}

	changes, err := h.store.BulkUpdateRequests(ctx, body.IDs, patch)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "one or more requests not found")
		return
	}
	if err != nil {
		h.log.Error("bulk update requests", zap.Int("count", len(body.IDs)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update requests")
		return
	}

	updated := make([]store.Request, len(changes))
	for i, c := range changes {
		h.afterChange(ctx, c)
		updated[i] = c.After
	}
	h.record(ctx, store.Event{
		Type:     store.EventPQRSDBulkUpdated,
		Metadata: map[string]any{"count": len(changes), "updates": patch},
	})
	writeJSON(w, http.StatusOK, map[string]any{"updated": len(updated), "requests": updated})
}

// afterChange notifies the citizen when the status moved. Delivery problems
// are logged; the update itself already succeeded.
func (h *Handler) afterChange(ctx context.Context, c store.RequestChange) {
	if !c.StatusChanged() || h.notifier == nil || c.After.UserID == 0 {
		return
	}
	response := ""
	if c.After.Response != nil {
		response = *c.After.Response
	}
	err := h.notifier.NotifyStatusChange(ctx, c.After.UserID, c.After.TrackingNumber, c.Before.Status, c.After.Status, response)
	if err != nil {
		h.log.Warn("status change notification failed",
			zap.String("tracking_number", c.After.TrackingNumber), zap.Error(err))
	}
}

func (h *Handler) failValidation(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		h.log.Error("validate update", zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
