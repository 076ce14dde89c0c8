// Package router terminates client WebSocket connections. It screens the
// handshake, creates a session per connection, parses client frames and
// publishes them to the bus.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/internal/config"
	"github.com/amurg-ai/wsrouter/internal/correlation"
	"github.com/amurg-ai/wsrouter/internal/dispatch"
	"github.com/amurg-ai/wsrouter/internal/logctx"
	"github.com/amurg-ai/wsrouter/internal/registry"
	"github.com/amurg-ai/wsrouter/internal/session"
	"github.com/amurg-ai/wsrouter/internal/store"
	"github.com/amurg-ai/wsrouter/internal/topology"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

// HeaderSessionID is the handshake response header carrying the connection id.
const HeaderSessionID = "x-router-session-id"

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Auditor records session lifecycle events. Writes are best effort.
type Auditor interface {
	LogAuditEvent(ctx context.Context, event *store.AuditEvent) error
}

// messageHandler handles one client request. A returned error is reported to
// the client as a read failure; the connection stays open.
type messageHandler func(ctx context.Context, s *session.Session, req *protocol.Request, correlationID string) error

// Options configures the Router.
type Options struct {
	Topology          topology.Topology
	Policy            func() *config.Policy
	AllowedOrigins    []string
	MaxMessageBytes   int64         // default 64KB
	WriteTimeout      time.Duration // default 10s
	PongWait          time.Duration // default 75s
	Grace             time.Duration // added to token expiry
	MessagesPerSecond float64       // per connection; default 20
	Burst             int           // default 40
	Auditor           Auditor
}

// Router owns the client endpoint.
type Router struct {
	registry   *registry.Registry
	pending    *correlation.Store
	dispatcher *dispatch.Dispatcher
	bus        bus.Bus
	topo       topology.Topology
	policy     func() *config.Policy
	auditor    Auditor
	logger     *slog.Logger
	upgrader   websocket.Upgrader
	handlers   map[string]messageHandler

	maxMessageBytes int64
	writeTimeout    time.Duration
	pongWait        time.Duration
	grace           time.Duration
	msgRate         rate.Limit
	msgBurst        int
}

// New creates a new Router.
func New(reg *registry.Registry, pending *correlation.Store, d *dispatch.Dispatcher, b bus.Bus, logger *slog.Logger, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Policy == nil {
		p := config.RouterConfig{}.Policy()
		opts.Policy = func() *config.Policy { return p }
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 * 1024
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PongWait <= 0 {
		opts.PongWait = DefaultPongWait
	}
	if opts.MessagesPerSecond <= 0 {
		opts.MessagesPerSecond = 20
	}
	if opts.Burst <= 0 {
		opts.Burst = 40
	}
	r := &Router{
		registry:        reg,
		pending:         pending,
		dispatcher:      d,
		bus:             b,
		topo:            opts.Topology,
		policy:          opts.Policy,
		auditor:         opts.Auditor,
		logger:          logger.With("component", "router"),
		upgrader:        makeUpgrader(opts.AllowedOrigins),
		maxMessageBytes: opts.MaxMessageBytes,
		writeTimeout:    opts.WriteTimeout,
		pongWait:        opts.PongWait,
		grace:           opts.Grace,
		msgRate:         rate.Limit(opts.MessagesPerSecond),
		msgBurst:        opts.Burst,
	}
	r.handlers = map[string]messageHandler{
		protocol.EventSubscribe: r.handleSubscribe,
		protocol.EventLogout:    r.handleLogout,
	}
	return r
}

// ServeHTTP upgrades a client connection and runs its read loop until the
// connection closes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	userAgent := req.UserAgent()
	clientVersion := req.Header.Get(headerClientVersion)
	policy := r.policy()
	if policy.BannedUserAgent(userAgent) || policy.BannedClientVersion(clientVersion) {
		r.logger.Warn("bad client, rejecting websocket handshake",
			"user_agent", userAgent, "client_version", clientVersion)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	connID := uuid.New().String()
	conn, err := r.upgrader.Upgrade(w, req, http.Header{HeaderSessionID: []string{connID}})
	if err != nil {
		r.logger.Warn("client websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(r.maxMessageBytes)
	armReadDeadline(conn, r.pongWait)

	clientIP, proxyIP := clientAddresses(req)
	info := session.ClientInfo{
		DeviceID:      req.Header.Get(headerDeviceID),
		ClientVersion: clientVersion,
		ClientIP:      clientIP,
		ProxyIP:       proxyIP,
		UserAgent:     userAgent,
	}
	s := session.New(connID, session.NewWSConn(conn, r.writeTimeout), info, session.Options{
		RouterID: r.topo.InstanceID,
		Grace:    r.grace,
		Logger:   r.logger,
	})
	r.registry.Register(s)

	ctx := logctx.WithConnData(context.Background(), &logctx.ConnData{SessionID: connID, IPAddress: clientIP})
	r.logger.InfoContext(ctx, "web socket opened", "user_agent", userAgent, "client_version", clientVersion)
	r.audit(ctx, &store.AuditEvent{Action: store.ActionConnect, SessionID: connID, UserID: s.UserID(), IPAddress: clientIP})

	defer r.onClose(ctx, s)

	limiter := rate.NewLimiter(r.msgRate, r.msgBurst)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			r.logger.DebugContext(ctx, "client read error", "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(r.pongWait))

		if !limiter.Allow() {
			r.logger.DebugContext(ctx, "client message rate limited")
			continue
		}
		r.handleFrame(ctx, s, data)
	}
}

func (r *Router) onClose(ctx context.Context, s *session.Session) {
	if r.registry.Remove(s.ID()) == nil {
		return
	}
	userID := s.UserID()
	r.logger.InfoContext(ctx, "closing websocket user session", "user_id", userID)
	r.audit(ctx, &store.AuditEvent{Action: store.ActionDisconnect, SessionID: s.ID(), UserID: userID, IPAddress: s.Info().ClientIP})

	closed := protocol.SessionClosed{UserID: userID, SessionID: s.ID()}
	pubCtx, cancel := context.WithTimeout(context.Background(), r.writeTimeout)
	defer cancel()
	if err := r.publishInternal(pubCtx, s, protocol.EventSessionClosed, "", closed); err != nil {
		r.logger.WarnContext(ctx, "publish session-closed failed", "error", err)
	}
}

// handleFrame parses and handles one client frame. Malformed frames and
// handler failures are reported to the client, never fatal to the
// connection.
func (r *Router) handleFrame(ctx context.Context, s *session.Session, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.ErrorContext(ctx, "could not handle websocket client message", "panic", rec)
			_ = s.SendText(protocol.ReadFailurePrefix + fmt.Sprint(rec))
		}
	}()

	if len(bytes.TrimSpace(data)) == 0 {
		r.logger.WarnContext(ctx, "received empty message, discarding message")
		return
	}

	var req protocol.Request
	if err := json.Unmarshal(data, &req); err != nil {
		r.logger.WarnContext(ctx, "could not parse websocket client message", "error", err)
		_ = s.SendText(protocol.ReadFailurePrefix + err.Error())
		return
	}

	correlationID := uuid.New().String()
	ctx = logctx.WithConnData(ctx, &logctx.ConnData{SessionID: s.ID(), UserID: s.UserID(), IPAddress: s.Info().ClientIP})
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		EventType:     req.Event,
		CorrelationID: correlationID,
		ClientTraceID: req.ClientTraceID,
	})

	if req.Event == "" {
		r.logger.WarnContext(ctx, "'event' information missing, discarding message")
		_ = s.SendError(protocol.ErrorTypeBadPayload, protocol.CodeEventMissing, "'event' missing", req.ClientTraceID)
		return
	}
	if req.Payload == nil {
		r.logger.WarnContext(ctx, "'payload' missing, discarding message")
		_ = s.SendError(protocol.ErrorTypeBadPayload, protocol.CodePayloadMissing, "'payload' missing", req.ClientTraceID)
		return
	}

	handler, ok := r.handlers[req.Event]
	if !ok {
		handler = r.handleDefault
	}
	if err := handler(ctx, s, &req, correlationID); err != nil {
		r.logger.ErrorContext(ctx, "could not handle websocket client message", "error", err)
		_ = s.SendText(protocol.ReadFailurePrefix + err.Error())
	}
}

// publishRequest publishes a client request and, unless its event is
// non-RPC, registers it for correlation first so a fast reply cannot beat
// the registration.
func (r *Router) publishRequest(ctx context.Context, s *session.Session, req *protocol.Request, correlationID string) error {
	msg := s.CreateBackendRequest(req.Event, req.Payload, req.ClientTraceID, correlationID)
	if !r.policy().NonRPC(req.Event) {
		r.pending.Register(correlation.NewPending(msg, r.pending.Now(), r.dispatcher.ReplyTo(s.ID())))
	}
	if err := r.bus.Publish(ctx, r.topo.Frontend(req.Event), msg); err != nil {
		return fmt.Errorf("publish %s: %w", req.Event, err)
	}
	return nil
}

// publishInternal publishes a router event about s. It is never correlated.
func (r *Router) publishInternal(ctx context.Context, s *session.Session, event, clientTraceID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	msg := s.CreateBackendRequest(event, body, clientTraceID, "")
	if err := r.bus.Publish(ctx, r.topo.Internal(event), msg); err != nil {
		return fmt.Errorf("publish %s: %w", event, err)
	}
	return nil
}

func (r *Router) audit(ctx context.Context, event *store.AuditEvent) {
	if r.auditor == nil {
		return
	}
	event.InstanceID = r.topo.InstanceID
	if err := r.auditor.LogAuditEvent(ctx, event); err != nil {
		r.logger.WarnContext(ctx, "audit write failed", "action", event.Action, "error", err)
	}
}
