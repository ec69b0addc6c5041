// Package web is the operator-facing HTTP surface of the control plane:
// session login, bot CRUD, stats, admin reconciliation routes and the
// keyring admin pass-through. The UI is a thin client of this API.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/truongan5/botmaker/internal/auth"
	"github.com/truongan5/botmaker/internal/bot"
	"github.com/truongan5/botmaker/internal/docker"
	"github.com/truongan5/botmaker/internal/keyclient"
	"github.com/truongan5/botmaker/internal/reconcile"
	"github.com/truongan5/botmaker/internal/store"
)

const (
	rateLimitPerMinute = 100
	shutdownGrace      = 10 * time.Second
)

// BotManager is the lifecycle surface the server drives.
type BotManager interface {
	Create(ctx context.Context, req bot.CreateRequest) (*store.Bot, error)
	Delete(ctx context.Context, hostname string) error
	Start(ctx context.Context, hostname string) (*store.Bot, error)
	Stop(ctx context.Context, hostname string) (*store.Bot, error)
	Get(ctx context.Context, hostname string) (*bot.BotView, error)
	List(ctx context.Context) ([]*bot.BotView, error)
}

// Reconciler is the admin reconciliation surface.
type Reconciler interface {
	Report(ctx context.Context) (*reconcile.Report, error)
	Cleanup(ctx context.Context) (*reconcile.CleanupResult, error)
}

// StatsProvider samples container resource usage.
type StatsProvider interface {
	Stats(ctx context.Context) ([]docker.ContainerStats, error)
}

// Dependencies defines what the web server needs from the rest of the
// application.
type Dependencies struct {
	Manager        BotManager
	Reconciler     Reconciler
	Stats          StatsProvider
	Keyring        *keyclient.Client // nil when no keyring is configured
	Auth           *auth.Service
	MetricsEnabled bool
	Log            *slog.Logger
}

// Server is the control-plane HTTP server.
type Server struct {
	deps    Dependencies
	mux     *http.ServeMux
	server  *http.Server
	limiter *auth.RateLimiter
}

// NewServer creates a Server with all routes registered.
func NewServer(deps Dependencies) *Server {
	s := &Server{
		deps:    deps,
		mux:     http.NewServeMux(),
		limiter: auth.NewRateLimiter(rateLimitPerMinute, time.Minute),
	}
	s.registerRoutes()
	return s
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	handler := s.securityHeaders(s.rateLimit(s.countRequests(s.mux)))
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control plane listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight handlers within the grace window.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, shutdownGrace)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// --- Public routes ---
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/login", s.apiLogin)
	if s.deps.MetricsEnabled {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}

	// --- Session-gated routes ---
	authed := s.requireSession

	s.mux.Handle("POST /api/logout", authed(s.apiLogout))

	s.mux.Handle("GET /api/bots", authed(s.apiListBots))
	s.mux.Handle("POST /api/bots", authed(s.apiCreateBot))
	s.mux.Handle("GET /api/bots/{hostname}", authed(s.apiGetBot))
	s.mux.Handle("DELETE /api/bots/{hostname}", authed(s.apiDeleteBot))
	s.mux.Handle("POST /api/bots/{hostname}/start", authed(s.apiStartBot))
	s.mux.Handle("POST /api/bots/{hostname}/stop", authed(s.apiStopBot))

	s.mux.Handle("GET /api/stats", authed(s.apiStats))
	s.mux.Handle("GET /api/admin/orphans", authed(s.apiOrphans))
	s.mux.Handle("POST /api/admin/cleanup", authed(s.apiCleanup))

	s.mux.Handle("GET /api/proxy/keys", authed(s.apiProxyForward))
	s.mux.Handle("POST /api/proxy/keys", authed(s.apiProxyForward))
	s.mux.Handle("DELETE /api/proxy/keys/{id}", authed(s.apiProxyForward))
	s.mux.Handle("GET /api/proxy/health", authed(s.apiProxyForward))

	s.mux.Handle("POST /api/models/discover", authed(s.apiDiscoverModels))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeDomainError maps the error taxonomy onto HTTP statuses. Upstream
// failures are scrubbed to a generic message; validation text passes
// through verbatim.
func (s *Server) writeDomainError(w http.ResponseWriter, err error) {
	var ve *bot.ValidationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "bot not found")
	case errors.Is(err, store.ErrDuplicateHostname):
		writeError(w, http.StatusConflict, "hostname already in use")
	case errors.Is(err, store.ErrPortsExhausted):
		writeError(w, http.StatusConflict, "no free port available")
	case errors.Is(err, keyclient.ErrConflict):
		writeError(w, http.StatusConflict, "bot already registered with keyring")
	default:
		s.deps.Log.Error("internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
