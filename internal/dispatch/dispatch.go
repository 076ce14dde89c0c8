// Package dispatch routes messages arriving from the bus to client sessions.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/internal/config"
	"github.com/amurg-ai/wsrouter/internal/correlation"
	"github.com/amurg-ai/wsrouter/internal/logctx"
	"github.com/amurg-ai/wsrouter/internal/session"
	"github.com/amurg-ai/wsrouter/internal/topology"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

// DefaultConcurrency bounds parallel sends of one broadcast.
const DefaultConcurrency = 64

// Sessions is the part of the session registry the dispatcher reads.
type Sessions interface {
	LookupByConnection(id string) (*session.Session, bool)
	LookupByUser(userID string) []*session.Session
	All() []*session.Session
}

// Options configures a Dispatcher.
type Options struct {
	Topology    topology.Topology
	Policy      func() *config.Policy
	Concurrency int
	Logger      *slog.Logger
}

// Stats counts dispatch outcomes.
type Stats struct {
	Delivered  int64 `json:"delivered"`
	Correlated int64 `json:"correlated"`
	Foreign    int64 `json:"foreign"`
	Missed     int64 `json:"missed"`
	Rejected   int64 `json:"rejected"`
}

// Dispatcher delivers bus messages to sessions of this instance.
type Dispatcher struct {
	sessions    Sessions
	store       *correlation.Store
	topo        topology.Topology
	policy      func() *config.Policy
	concurrency int
	logger      *slog.Logger

	delivered  atomic.Int64
	correlated atomic.Int64
	foreign    atomic.Int64
	missed     atomic.Int64
	rejected   atomic.Int64
}

// New creates a dispatcher.
func New(sessions Sessions, store *correlation.Store, opts Options) *Dispatcher {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.Policy == nil {
		p := config.RouterConfig{}.Policy()
		opts.Policy = func() *config.Policy { return p }
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Dispatcher{
		sessions:    sessions,
		store:       store,
		topo:        opts.Topology,
		policy:      opts.Policy,
		concurrency: opts.Concurrency,
		logger:      opts.Logger.With("component", "dispatch"),
	}
}

// Dispatch handles one inbound message received in the given mode.
func (d *Dispatcher) Dispatch(ctx context.Context, mode protocol.Mode, msg *bus.Message) {
	event := msg.EventType()
	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		EventType:     event,
		CorrelationID: msg.CorrelationID,
		ClientTraceID: msg.Header(protocol.HeaderClientTraceID),
	})
	if event == "" {
		d.rejected.Add(1)
		d.logger.WarnContext(ctx, "message without event type rejected",
			"mode", mode, "source", msg.Header(protocol.HeaderCurrentServiceID))
		return
	}
	if router := msg.Header(protocol.HeaderRouterID); !d.topo.Owns(router) {
		d.foreign.Add(1)
		d.logger.DebugContext(ctx, "message belongs to another router, discarding", "router_id", router)
		return
	}

	if d.store != nil && d.store.IsOutstanding(msg.CorrelationID) {
		if d.store.Resolve(mode, msg) {
			d.correlated.Add(1)
			return
		}
		// Expired between the check and the resolve: treat as unsolicited.
	}
	d.route(ctx, mode, msg, msg.Header(protocol.HeaderSessionID))
}

// ReplyTo returns the correlation handler for a request sent by sessionID.
// Session and error replies go to that session whatever the reply's own
// session header says.
func (d *Dispatcher) ReplyTo(sessionID string) correlation.ReplyHandler {
	return func(mode protocol.Mode, msg *bus.Message) {
		d.route(context.Background(), mode, msg, sessionID)
	}
}

func (d *Dispatcher) route(ctx context.Context, mode protocol.Mode, msg *bus.Message, sessionID string) {
	switch mode {
	case protocol.ModeSession:
		d.toSession(ctx, msg, sessionID)
	case protocol.ModeUser:
		d.toUser(ctx, msg)
	case protocol.ModeBroadcast:
		d.broadcast(ctx, msg)
	case protocol.ModeError:
		d.logError(ctx, msg)
		d.toSession(ctx, msg, sessionID)
	default:
		d.rejected.Add(1)
		d.logger.WarnContext(ctx, "unknown delivery mode", "mode", mode)
	}
}

func (d *Dispatcher) toSession(ctx context.Context, msg *bus.Message, sessionID string) {
	if sessionID == "" {
		d.missed.Add(1)
		d.logger.WarnContext(ctx, "could not send session message, no session id",
			"body", correlation.Sanitize(msg.Body))
		return
	}
	s, ok := d.sessions.LookupByConnection(sessionID)
	if !ok {
		d.missed.Add(1)
		if !d.policy().NonRPC(msg.EventType()) {
			d.logger.WarnContext(ctx, "could not find session on this router",
				"session_id", sessionID, "body", correlation.Sanitize(msg.Body))
		}
		return
	}
	d.deliver(ctx, s, msg)
}

func (d *Dispatcher) toUser(ctx context.Context, msg *bus.Message) {
	userID := msg.Header(protocol.HeaderUserID)
	sessions := d.sessions.LookupByUser(userID)
	if len(sessions) == 0 {
		d.missed.Add(1)
		d.logger.DebugContext(ctx, "no sessions for user message", "user_id", userID)
		return
	}
	for _, s := range sessions {
		d.deliver(ctx, s, msg)
	}
}

func (d *Dispatcher) broadcast(ctx context.Context, msg *bus.Message) {
	sessions := d.sessions.All()
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, s := range sessions {
		g.Go(func() error {
			d.deliver(ctx, s, msg)
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) deliver(ctx context.Context, s *session.Session, msg *bus.Message) {
	err := s.Deliver(msg)
	switch {
	case err == nil:
		d.delivered.Add(1)
	case errors.Is(err, session.ErrSessionInvalid):
		d.logger.DebugContext(ctx, "delivery suppressed for invalid session", "session_id", s.ID())
	default:
		d.logger.DebugContext(ctx, "delivery failed", "session_id", s.ID(), "error", err)
	}
}

func (d *Dispatcher) logError(ctx context.Context, msg *bus.Message) {
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(msg.Body, &payload); err != nil {
		d.logger.InfoContext(ctx, "handling error message",
			"source", msg.Header(protocol.HeaderCurrentServiceID),
			"origin", msg.Header(protocol.HeaderOriginServiceID))
		return
	}
	d.logger.InfoContext(ctx, "handling error message",
		"source", msg.Header(protocol.HeaderCurrentServiceID),
		"origin", msg.Header(protocol.HeaderOriginServiceID),
		"error_type", payload.ErrorType,
		"code", payload.Code)
}

// Stats returns the dispatch counters.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Delivered:  d.delivered.Load(),
		Correlated: d.correlated.Load(),
		Foreign:    d.foreign.Load(),
		Missed:     d.missed.Load(),
		Rejected:   d.rejected.Load(),
	}
}
