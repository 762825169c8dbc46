/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (zap)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the dispatch console

ROUTE GROUPS:
  /api/routes/*           Single-route operations
  /api/schedule/*         Copy operations and read models
  /api/children, /api/drivers, /api/non-school-days   Roster mirror
  /api/events             Event outbox
  /health                 Liveness

SECURITY NOTE:
  No authentication middleware. The service runs behind the gateway that
  authenticates operators and sets X-Actor-ID.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(RequestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders: []string{middleware.RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		r.Route("/routes", func(r chi.Router) {
			r.Post("/", h.CreateRoute)
			r.Get("/{id}", h.GetRoute)
			r.Delete("/{id}", h.DeleteRoute)
			r.Patch("/{id}/status", h.UpdateRouteStatus)
			r.Post("/{id}/reminder", h.ScheduleReminder)
			r.Delete("/{id}/reminder", h.CancelReminder)
			r.Get("/{id}/audit", h.GetRouteAudit)
		})

		r.Route("/schedule", func(r chi.Router) {
			r.Get("/calendar", h.GetCalendar)
			r.Get("/last-valid", h.GetLastValidSchedule)
			r.Post("/copy-previous", h.CopyPreviousDay)
			r.Post("/copy", h.CopyFromDate)
			r.Post("/smart-copy", h.SmartCopy)
			r.Get("/{date}/{period}", h.GetSnapshot)
		})

		r.Route("/children", func(r chi.Router) {
			r.Get("/", h.ListChildren)
			r.Post("/", h.SaveChild)
		})

		r.Route("/drivers", func(r chi.Router) {
			r.Get("/", h.ListDrivers)
			r.Post("/", h.SaveDriver)
		})

		r.Route("/non-school-days", func(r chi.Router) {
			r.Get("/", h.ListNonSchoolDays)
			r.Post("/", h.CreateNonSchoolDay)
			r.Delete("/{id}", h.DeleteNonSchoolDay)
		})

		r.Get("/events", h.ListEvents)
	})

	return r
}

// RequestLogger logs one line per request at a level chosen by status.
func RequestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.Int("status", status),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("actor", r.Header.Get(ActorHeader)),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("latency", time.Since(start)),
			}

			switch {
			case status >= 500:
				logger.Error("request failed", fields...)
			case status >= 400:
				logger.Warn("client error", fields...)
			default:
				logger.Info("request completed", fields...)
			}
		})
	}
}
