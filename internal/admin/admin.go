// Package admin serves the staff JSON API: request triage, catalog upkeep,
// broadcasts and dashboard statistics.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"github.com/medellinbot/medellinbot/internal/store"
	"github.com/medellinbot/medellinbot/pkg/logger"
)

// Store is the persistence the admin API needs.
type Store interface {
	ListRequests(ctx context.Context, f store.RequestFilter) ([]store.Request, int, error)
	RequestByID(ctx context.Context, id string) (*store.Request, error)
	UpdateRequest(ctx context.Context, id string, patch store.RequestPatch) (*store.RequestChange, error)
	BulkUpdateRequests(ctx context.Context, ids []string, patch store.RequestPatch) ([]store.RequestChange, error)
	Stats(ctx context.Context, loc *time.Location) (*store.Stats, error)
	Analytics(ctx context.Context, since time.Time) (*store.Analytics, error)

	ActiveEntities(ctx context.Context) ([]store.Entity, error)
	EntityByCode(ctx context.Context, code string) (*store.Entity, error)
	EntityByID(ctx context.Context, id string) (*store.Entity, error)
	UpsertEntity(ctx context.Context, e *store.Entity) error

	ListPrograms(ctx context.Context) ([]store.Program, error)
	ProgramByID(ctx context.Context, id string) (*store.Program, error)
	UpsertProgram(ctx context.Context, p *store.Program) error
	UpdateProgram(ctx context.Context, id string, patch store.ProgramPatch) (*store.Program, error)

	ListNotifications(ctx context.Context, limit int) ([]store.Notification, error)
	CreateNotification(ctx context.Context, n *store.Notification) error
	CreateReminder(ctx context.Context, r *store.Reminder) error
}

// Notifier tells citizens about status changes made here.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, userID int64, tracking string, from, to store.Status, response string) error
}

type EventRecorder interface {
	Record(ctx context.Context, e store.Event)
}

type Options struct {
	RateLimit      int
	RateWindow     time.Duration
	AllowedOrigins []string
	Location       *time.Location
}

type Handler struct {
	store    Store
	notifier Notifier
	events   EventRecorder
	log      *logger.Logger
	loc      *time.Location
	now      func() time.Time
}

func NewHandler(s Store, notifier Notifier, events EventRecorder, log *logger.Logger) *Handler {
	return &Handler{
		store:    s,
		notifier: notifier,
		events:   events,
		log:      logger.OrNop(log).Named("admin"),
		loc:      time.UTC,
		now:      time.Now,
	}
}

// Routes returns the API router, meant to be mounted under /api/admin.
func (h *Handler) Routes(opts Options) http.Handler {
	if opts.Location != nil {
		h.loc = opts.Location
	}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Requested-With"},
		MaxAge:         300,
	}))
	if opts.RateLimit > 0 && opts.RateWindow > 0 {
		r.Use(httprate.Limit(opts.RateLimit, opts.RateWindow,
			httprate.WithKeyFuncs(httprate.KeyByIP),
			httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			}),
		))
	}

	r.Route("/requests", func(r chi.Router) {
		r.Get("/", h.listRequests)
		r.Patch("/bulk", h.bulkUpdateRequests)
		r.Get("/{id}", h.getRequest)
		r.Patch("/{id}", h.updateRequest)
	})
	r.Get("/stats", h.stats)
	r.Get("/analytics", h.analytics)

	r.Get("/entities", h.listEntities)
	r.Post("/entities", h.createEntity)
	r.Get("/programs", h.listPrograms)
	r.Post("/programs", h.createProgram)
	r.Patch("/programs/{id}", h.updateProgram)

	r.Get("/notifications", h.listNotifications)
	r.Post("/notifications", h.createNotification)
	r.Post("/reminders", h.createReminder)
	return r
}

func (h *Handler) record(ctx context.Context, e store.Event) {
	if h.events != nil {
		h.events.Record(ctx, e)
	}
}
