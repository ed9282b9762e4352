package admin

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/store"
)

const (
	notificationListLimit = 50
	defaultAnalyticsDays  = 7
	maxAnalyticsDays      = 365
)

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.store.Stats(r.Context(), h.loc)
	if err != nil {
		h.log.Error("stats", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch stats")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) analytics(w http.ResponseWriter, r *http.Request) {
	days := defaultAnalyticsDays
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 || n > maxAnalyticsDays {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = n
	}
	a, err := h.store.Analytics(r.Context(), h.now().AddDate(0, 0, -days))
	if err != nil {
		h.log.Error("analytics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch analytics")
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *Handler) listEntities(w http.ResponseWriter, r *http.Request) {
	entities, err := h.store.ActiveEntities(r.Context())
	if err != nil {
		h.log.Error("list entities", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch entities")
		return
	}
	if entities == nil {
		entities = []store.Entity{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (h *Handler) createEntity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var e store.Entity
	if err := decode(w, r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	e.Name = strings.TrimSpace(e.Name)
	e.Code = strings.ToUpper(strings.TrimSpace(e.Code))
	if e.Name == "" || e.Code == "" {
		writeError(w, http.StatusBadRequest, "name and code are required")
		return
	}

	_, err := h.store.EntityByCode(ctx, e.Code)
	switch {
	case err == nil:
		writeError(w, http.StatusConflict, "entity code already exists")
		return
	case !errors.Is(err, store.ErrNotFound):
		h.log.Error("check entity code", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	e.ID = ""
	e.IsActive = true
	if err := h.store.UpsertEntity(ctx, &e); err != nil {
		h.log.Error("create entity", zap.String("code", e.Code), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create entity")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"entity": e})
}

func (h *Handler) listPrograms(w http.ResponseWriter, r *http.Request) {
	programs, err := h.store.ListPrograms(r.Context())
	if err != nil {
		h.log.Error("list programs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch programs")
		return
	}
	if programs == nil {
		programs = []store.Program{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"programs": programs})
}

// checkEntity reports whether id names an existing entity, writing the error
// response when it does not.
func (h *Handler) checkEntity(w http.ResponseWriter, r *http.Request, id string) bool {
	_, err := h.store.EntityByID(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "unknown entity_id")
		return false
	}
	if err != nil {
		h.log.Error("check entity", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return false
	}
	return true
}

// createProgram stores a new program. Posting a name that already exists
// replaces that program's details.
func (h *Handler) createProgram(w http.ResponseWriter, r *http.Request) {
	var p store.Program
	if err := decode(w, r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || strings.TrimSpace(p.Description) == "" || p.EntityID == nil || *p.EntityID == "" {
		writeError(w, http.StatusBadRequest, "name, description, and entity_id are required")
		return
	}
	if !h.checkEntity(w, r, *p.EntityID) {
		return
	}

	p.ID = ""
	p.IsActive = true
	if err := h.store.UpsertProgram(r.Context(), &p); err != nil {
		h.log.Error("create program", zap.String("name", p.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create program")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"program": p})
}

func (h *Handler) updateProgram(w http.ResponseWriter, r *http.Request) {
	var patch store.ProgramPatch
	if err := decode(w, r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		writeError(w, http.StatusBadRequest, "name cannot be empty")
		return
	}
	if patch.EntityID != nil && *patch.EntityID != "" && !h.checkEntity(w, r, *patch.EntityID) {
		return
	}

	id := chi.URLParam(r, "id")
	p, err := h.store.UpdateProgram(r.Context(), id, patch)
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "program not found")
		return
	case errors.Is(err, store.ErrDuplicateProgram):
		writeError(w, http.StatusConflict, "program name already exists")
		return
	case err != nil:
		h.log.Error("update program", zap.String("program_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to update program")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"program": p})
}

func (h *Handler) listNotifications(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListNotifications(r.Context(), notificationListLimit)
	if err != nil {
		h.log.Error("list notifications", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to fetch notifications")
		return
	}
	if list == nil {
		list = []store.Notification{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notifications": list})
}

type notificationBody struct {
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	Type        string     `json:"notification_type"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func (h *Handler) createNotification(w http.ResponseWriter, r *http.Request) {
	var body notificationBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(body.Title) == "" || strings.TrimSpace(body.Message) == "" {
		writeError(w, http.StatusBadRequest, "title and message are required")
		return
	}

	n := store.Notification{
		Title:          body.Title,
		Message:        body.Message,
		Type:           body.Type,
		TargetAudience: "all",
	}
	if n.Type == "" {
		n.Type = "info"
	}
	if body.ScheduledAt != nil {
		n.ScheduledAt = *body.ScheduledAt
	}
	if err := h.store.CreateNotification(r.Context(), &n); err != nil {
		h.log.Error("create notification", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create notification")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"notification": n})
}

type reminderBody struct {
	UserID       int64     `json:"user_id"`
	Message      string    `json:"message"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

func (h *Handler) createReminder(w http.ResponseWriter, r *http.Request) {
	var body reminderBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.UserID == 0 || strings.TrimSpace(body.Message) == "" || body.ScheduledFor.IsZero() {
		writeError(w, http.StatusBadRequest, "user_id, message and scheduled_for are required")
		return
	}

	rem := store.Reminder{UserID: body.UserID, Message: body.Message, ScheduledFor: body.ScheduledFor}
	if err := h.store.CreateReminder(r.Context(), &rem); err != nil {
		h.log.Error("create reminder", zap.Int64("user_id", body.UserID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to create reminder")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"reminder": rem})
}
