package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"worktrack-backend/internal/handlers"
	"worktrack-backend/internal/metrics"
	"worktrack-backend/internal/middleware"
	"worktrack-backend/internal/models"
)

type Deps struct {
	JWTAuth          *middleware.JWTAuth
	Sessions         *handlers.WorkSessionHandler
	ManualRequests   *handlers.ManualRequestHandler
	Admin            *handlers.AdminHandler
	Health           *handlers.HealthHandler
	HeartbeatLimiter *middleware.RateLimiter // optional
	WebSocket        http.HandlerFunc        // optional
	FrontendURL      string
	RequestTimeout   time.Duration
	Logger           zerolog.Logger
}

func New(d Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.AccessLog(d.Logger))
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(d.FrontendURL))

	r.Get("/health", d.Health.Health)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// ──── Work Session Routes ────
		r.Route("/work-sessions", func(r chi.Router) {
			r.Use(d.JWTAuth.Middleware)
			r.Use(timeout(d.RequestTimeout))
			r.Post("/start", d.Sessions.Start)
			r.Post("/pause", d.Sessions.Pause)
			r.Post("/resume", d.Sessions.Resume)
			r.Post("/stop", d.Sessions.Stop)
			r.Get("/current", d.Sessions.Current)
			r.Get("/my", d.Sessions.My)

			r.Group(func(r chi.Router) {
				if d.HeartbeatLimiter != nil {
					r.Use(d.HeartbeatLimiter.Middleware)
				}
				r.Post("/heartbeat", d.Sessions.Heartbeat)
			})
		})

		// ──── Manual Time Requests ────
		r.Route("/manual-requests", func(r chi.Router) {
			r.Use(d.JWTAuth.Middleware)
			r.Use(timeout(d.RequestTimeout))
			r.Post("/", d.ManualRequests.Create)
			r.Get("/", d.ManualRequests.ListMine)
			r.Put("/{id}", d.ManualRequests.Update)
			r.Delete("/{id}", d.ManualRequests.Delete)
		})

		// ──── Admin Routes ────
		r.Route("/admin", func(r chi.Router) {
			r.Use(d.JWTAuth.Middleware)
			r.Use(middleware.RequireRole(models.RoleAdmin))
			r.Use(timeout(d.RequestTimeout))
			r.Get("/work-sessions", d.Admin.Sessions)
			r.Get("/manual-requests", d.ManualRequests.List)
			r.Post("/manual-requests/{id}/approve", d.ManualRequests.Approve)
			r.Post("/manual-requests/{id}/reject", d.ManualRequests.Reject)
		})

		// ──── WebSocket ────
		if d.WebSocket != nil {
			r.Get("/ws", d.WebSocket)
		}
	})

	return r
}

func timeout(d time.Duration) func(http.Handler) http.Handler {
	if d <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	return chimiddleware.Timeout(d)
}
