package gateway

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/medellinbot/medellinbot/internal/admin"
	"github.com/medellinbot/medellinbot/pkg/logger"
	"github.com/medellinbot/medellinbot/pkg/metrics"
)

const (
	WebhookPath       = "/telegram/webhook"
	CronPath          = "/cron/notifications"
	AdminPathPrefix   = "/api/admin"
	webhookAliveReply = "MedellínBot webhook is running"
)

func (g *Gateway) routes(api *admin.Handler, loc *time.Location) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogging(g.log))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})
	r.Get("/ready", g.ready)
	r.Handle("/metrics", promhttp.Handler())

	r.Post(WebhookPath, g.channel.WebhookHandler().ServeHTTP)
	r.Get(WebhookPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte(webhookAliveReply))
	})

	r.Get(CronPath, g.runNotifications)
	r.Post(CronPath, g.runNotifications)

	if g.cfg.Admin.Enabled {
		r.Mount(AdminPathPrefix, api.Routes(admin.Options{
			RateLimit:      g.cfg.Admin.RateLimit,
			RateWindow:     g.cfg.AdminRateWindow(),
			AllowedOrigins: g.cfg.Admin.AllowedOrigins,
			Location:       loc,
		}))
	}
	return r
}

func (g *Gateway) ready(w http.ResponseWriter, r *http.Request) {
	if err := g.store.Ping(r.Context()); err != nil {
		g.log.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// runNotifications is the external trigger for the dispatcher, for
// deployments that schedule it outside the process.
func (g *Gateway) runNotifications(w http.ResponseWriter, r *http.Request) {
	sum, err := g.dispatcher.Run(r.Context())
	if err != nil {
		g.log.Error("notification run failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{
			"status": "error", "error": err.Error(), "summary": sum,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "summary": sum})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusRecorder captures the status code written by the wrapped handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// requestLogging logs each request and records its duration, labelled by
// route pattern rather than raw path.
func requestLogging(log *logger.Logger) func(http.Handler) http.Handler {
	log = logger.OrNop(log)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)
			elapsed := time.Since(start)

			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			log.Debug("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", rw.status),
				zap.Int64("bytes", rw.written),
				zap.Duration("duration", elapsed),
				zap.String("request_id", chimiddleware.GetReqID(r.Context())),
				zap.String("remote_addr", r.RemoteAddr),
			)
			metrics.RecordRequest(r.Method, route, strconv.Itoa(rw.status), elapsed.Seconds())
		})
	}
}
