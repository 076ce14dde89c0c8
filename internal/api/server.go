// Package api provides the HTTP surface of the router: the client WebSocket
// endpoint, health checks and the admin API.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/wsrouter/internal/auth"
	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/internal/config"
	"github.com/amurg-ai/wsrouter/internal/correlation"
	"github.com/amurg-ai/wsrouter/internal/dispatch"
	"github.com/amurg-ai/wsrouter/internal/registry"
	"github.com/amurg-ai/wsrouter/internal/session"
	"github.com/amurg-ai/wsrouter/internal/store"
)

// Deps are the components the API reports on.
type Deps struct {
	Store      store.Store
	Auth       auth.Provider
	Registry   *registry.Registry
	Pending    *correlation.Store
	Dispatcher *dispatch.Dispatcher
	Bus        bus.Bus
	WebSocket  http.Handler
	InstanceID string
}

// Server is the HTTP API server.
type Server struct {
	store        store.Store
	authProvider auth.Provider
	registry     *registry.Registry
	pending      *correlation.Store
	dispatcher   *dispatch.Dispatcher
	bus          bus.Bus
	instanceID   string
	adminRole    string
	logger       *slog.Logger
	mux          *chi.Mux
	startTime    time.Time
	handshakeRL  *rateLimiter
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:        deps.Store,
		authProvider: deps.Auth,
		registry:     deps.Registry,
		pending:      deps.Pending,
		dispatcher:   deps.Dispatcher,
		bus:          deps.Bus,
		instanceID:   deps.InstanceID,
		adminRole:    cfg.Auth.AdminRole,
		logger:       logger.With("component", "api"),
		startTime:    time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(chimw.SetHeader("X-Content-Type-Options", "nosniff"))
	mux.Use(chimw.SetHeader("X-Frame-Options", "DENY"))
	mux.Use(chimw.SetHeader("Referrer-Policy", "strict-origin-when-cross-origin"))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Client WebSocket endpoint, handshakes limited per client IP.
	perMinute := cfg.RateLimit.HandshakesPerMinute
	if perMinute <= 0 {
		perMinute = 120
	}
	wsPath := cfg.Server.WebSocketPath
	if wsPath == "" {
		wsPath = "/v0/websocket"
	}
	srv.handshakeRL = newRateLimiter(rate.Limit(float64(perMinute)/60), perMinute)
	ws := mux.With(ipRateLimitMiddleware(srv.handshakeRL))
	ws.Get(wsPath, deps.WebSocket.ServeHTTP)
	if wsPath != "/ws" {
		ws.Get("/ws", deps.WebSocket.ServeHTTP)
	}

	// Admin routes
	mux.Group(func(r chi.Router) {
		r.Use(requireRole(srv.authProvider, srv.adminRole, srv.logger))
		r.Get("/api/admin/stats", srv.handleAdminStats)
		r.Get("/api/admin/sessions", srv.handleAdminListSessions)
		r.Get("/api/admin/audit", srv.handleAdminListAuditEvents)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of the rate limiter.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.handshakeRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":      "ok",
		"instance_id": s.instanceID,
		"uptime":      time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.bus.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "bus: " + err.Error(),
		})
		return
	}
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  "store: " + err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Admin handlers ---

type statsResponse struct {
	InstanceID string         `json:"instance_id"`
	Uptime     string         `json:"uptime"`
	Sessions   int            `json:"sessions"`
	Users      int            `json:"users"`
	Pending    int            `json:"pending_requests"`
	Dispatch   dispatch.Stats `json:"dispatch"`
}

func (s *Server) handleAdminStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statsResponse{
		InstanceID: s.instanceID,
		Uptime:     time.Since(s.startTime).Truncate(time.Second).String(),
		Sessions:   s.registry.Len(),
		Users:      s.registry.Users(),
		Pending:    s.pending.Len(),
		Dispatch:   s.dispatcher.Stats(),
	})
}

func (s *Server) handleAdminListSessions(w http.ResponseWriter, r *http.Request) {
	var sessions []*session.Session
	if userID := r.URL.Query().Get("user_id"); userID != "" {
		sessions = s.registry.LookupByUser(userID)
	} else {
		sessions = s.registry.All()
	}

	out := make([]session.Snapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.Snapshot())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAdminListAuditEvents(w http.ResponseWriter, r *http.Request) {
	limit := store.DefaultListLimit
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	events, err := s.store.ListAuditEvents(r.Context(), store.AuditFilter{
		Action:    r.URL.Query().Get("action"),
		UserID:    r.URL.Query().Get("user_id"),
		SessionID: r.URL.Query().Get("session_id"),
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		s.logger.Error("list audit events failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []store.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
