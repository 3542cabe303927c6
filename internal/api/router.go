package api

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/alecgard/rentdesk/internal/auth"
	"github.com/alecgard/rentdesk/internal/metrics"
	"github.com/alecgard/rentdesk/internal/ratelimit"
	"github.com/alecgard/rentdesk/internal/role"
	"github.com/alecgard/rentdesk/internal/ui"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger reports whether the database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router. Auth, Guard,
// Accounts and Metrics are required.
type RouterDeps struct {
	Auth           *auth.Service
	Guard          *auth.Guard
	Accounts       AccountStore
	Events         EventLister
	Audit          auth.Recorder
	Limiter        ratelimit.Backend
	Metrics        *metrics.Metrics
	DB             Pinger
	UI             http.Handler
	AllowedOrigins []string
	TrustedProxies []*net.IPNet // forwarding headers are honoured only from these
	SecureCookies  bool
	RequestTimeout time.Duration // 0 disables the per-request deadline
}

// pagePaths are served by the UI shell in addition to every role area.
var pagePaths = []string{"/", "/login", "/forgot-password", "/reset-password"}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chimw.Recoverer)
	r.Use(trustedRealIP(deps.TrustedProxies))
	r.Use(requestIDMiddleware)
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))
	r.Use(requestLogger(deps.Metrics))
	r.Use(auditContext)
	if deps.RequestTimeout > 0 {
		r.Use(chimw.Timeout(deps.RequestTimeout))
	}
	r.Use(deps.Guard.Middleware)

	// Handlers.
	authH := newAuthHandler(deps.Auth, deps.SecureCookies)
	admin := newAdminHandler(deps.Accounts, deps.Auth, deps.Events, deps.Audit)

	// Health check.
	r.Get("/health", healthHandler(deps.DB))
	r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))

	// Auth routes. Credential-bearing POSTs are rate limited per client.
	r.Route("/api/auth", func(ar chi.Router) {
		ar.Group(func(lr chi.Router) {
			if deps.Limiter != nil {
				lr.Use(ratelimit.Middleware(deps.Limiter, authLimitKey, func() {
					deps.Metrics.IncRateLimitRejection("auth")
				}))
			}
			lr.Post("/login", authH.Login)
			lr.Post("/request-password-reset", authH.RequestPasswordReset)
			lr.Post("/reset-password", authH.ResetPassword)
			lr.Post("/magic-link", authH.MagicLink)
		})

		ar.Post("/logout", authH.Logout)
		ar.Get("/me", authH.Me)
		ar.Get("/dashboard", authH.Dashboard)
	})
	r.Get("/auth/callback", authH.Callback)

	// Admin routes. The guard already forbids /api/admin to other roles.
	r.Route("/api/admin", func(ar chi.Router) {
		ar.Use(auth.RequireRole(role.Admin.String()))

		ar.Get("/users", admin.ListUsers)
		ar.Put("/users/{id}/role", admin.SetRole)
		ar.Put("/users/{id}/status", admin.SetStatus)
		ar.Post("/invitations", admin.Invite)
		if deps.Events != nil {
			ar.Get("/events", admin.ListEvents)
		}
		ar.Get("/metrics", deps.Metrics.Handler())
	})

	// Pages.
	page := deps.UI
	if page == nil {
		page = ui.Handler()
	}
	for _, p := range pagePaths {
		r.Method(http.MethodGet, p, page)
	}
	for _, ro := range role.All() {
		r.Method(http.MethodGet, ro.Area(), page)
		r.Method(http.MethodGet, ro.Area()+"/*", page)
	}

	return r
}

// authLimitKey buckets auth requests per client and endpoint.
func authLimitKey(r *http.Request) string {
	return "auth:" + r.URL.Path + ":" + clientIP(r)
}

func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				slog.WarnContext(r.Context(), "health check failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// requestLogger is a structured logging middleware using slog that also
// records request metrics under the matched route pattern.
func requestLogger(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			elapsed := time.Since(start)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			pattern := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				pattern = rctx.RoutePattern()
			}
			if m != nil {
				m.ObserveRequest(r.Method, pattern, status, elapsed)
			}
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"duration_ms", elapsed.Milliseconds(),
				"bytes", ww.BytesWritten(),
				"request_id", RequestIDFromContext(r.Context()),
			)
		})
	}
}
