// Package correlation tracks client requests awaiting a backend reply.
//
// An entry leaves the store exactly once: either a reply resolves it or the
// sweep expires it. Both paths remove the entry with an atomic
// load-and-delete, so the loser of a race sees nothing to do.
package correlation

import (
	"context"
	"log/slog"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

const (
	DefaultTimeout       = 30 * time.Second
	DefaultSweepInterval = 10 * time.Second
	DefaultSlowThreshold = 5 * time.Millisecond

	// bodyLimit bounds the request body kept for timeout diagnostics.
	bodyLimit = 400
)

// The value pattern consumes escaped characters so an embedded \" does not
// end the match early.
var secretFields = regexp.MustCompile(`"(email|password|authentication|jwtToken|token)"\s*:\s*"(?:[^"\\]|\\.)*"`)

// Sanitize masks credential-like fields in a JSON body and truncates it for
// logging.
func Sanitize(body []byte) string {
	s := secretFields.ReplaceAllString(string(body), `"$1":"**"`)
	if len(s) > bodyLimit {
		return s[:bodyLimit] + "..."
	}
	return s
}

// ReplyHandler delivers a correlated reply.
type ReplyHandler func(mode protocol.Mode, msg *bus.Message)

// Pending is an outstanding request.
type Pending struct {
	CorrelationID string
	EventType     string
	SessionID     string
	UserID        string
	DeviceID      string
	IPAddress     string
	UserAgent     string
	Body          string // sanitized, truncated
	CreatedAt     time.Time
	Handler       ReplyHandler
}

// NewPending records a request message about to be published.
func NewPending(req *bus.Message, createdAt time.Time, handler ReplyHandler) *Pending {
	return &Pending{
		CorrelationID: req.CorrelationID,
		EventType:     req.EventType(),
		SessionID:     req.Header(protocol.HeaderSessionID),
		UserID:        req.Header(protocol.HeaderUserID),
		DeviceID:      req.Header(protocol.HeaderDeviceID),
		IPAddress:     req.Header(protocol.HeaderIPAddress),
		UserAgent:     req.Header(protocol.HeaderUserAgent),
		Body:          Sanitize(req.Body),
		CreatedAt:     createdAt,
		Handler:       handler,
	}
}

// Options configures a Store.
type Options struct {
	Timeout       time.Duration
	SweepInterval time.Duration
	SlowThreshold time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
	// OnExpired, if set, is called for every entry the sweep removes.
	OnExpired func(p *Pending)
}

// Store maps correlation ids to pending requests.
type Store struct {
	pending sync.Map // correlation id -> *Pending
	count   atomic.Int64

	timeout       time.Duration
	sweepInterval time.Duration
	slow          time.Duration
	now           func() time.Time
	onExpired     func(*Pending)
	logger        *slog.Logger
}

// New creates an empty store.
func New(opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.SlowThreshold <= 0 {
		opts.SlowThreshold = DefaultSlowThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Store{
		timeout:       opts.Timeout,
		sweepInterval: opts.SweepInterval,
		slow:          opts.SlowThreshold,
		now:           opts.Now,
		onExpired:     opts.OnExpired,
		logger:        opts.Logger.With("component", "correlation"),
	}
}

// Now returns the store's clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Register adds p. A collision with an outstanding id is logged and the
// existing entry kept.
func (s *Store) Register(p *Pending) bool {
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	if _, loaded := s.pending.LoadOrStore(p.CorrelationID, p); loaded {
		s.logger.Warn("correlation id already outstanding", "correlation_id", p.CorrelationID, "event_type", p.EventType)
		return false
	}
	s.count.Add(1)
	return true
}

// IsOutstanding reports whether id awaits a reply.
func (s *Store) IsOutstanding(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.pending.Load(id)
	return ok
}

// Resolve removes the entry for msg's correlation id and invokes its handler.
// It returns false, without delivering, if the entry is gone.
func (s *Store) Resolve(mode protocol.Mode, msg *bus.Message) bool {
	v, ok := s.pending.LoadAndDelete(msg.CorrelationID)
	if !ok {
		s.logger.Info("request/correlation id no longer active",
			"correlation_id", msg.CorrelationID, "event_type", msg.EventType())
		return false
	}
	s.count.Add(-1)
	p := v.(*Pending)

	if elapsed := s.now().Sub(p.CreatedAt); elapsed >= s.slow {
		s.logger.Info("slow request",
			"correlation_id", p.CorrelationID,
			"event_type", p.EventType,
			"reply_event_type", msg.EventType(),
			"elapsed_ms", elapsed.Milliseconds())
	}
	if p.Handler != nil {
		p.Handler(mode, msg)
	}
	return true
}

// SweepExpired removes every entry older than the timeout and returns how
// many were removed.
func (s *Store) SweepExpired() int {
	now := s.now()
	removed := 0
	s.pending.Range(func(k, v any) bool {
		p := v.(*Pending)
		age := now.Sub(p.CreatedAt)
		if age < s.timeout {
			return true
		}
		if !s.pending.CompareAndDelete(k, v) {
			return true // resolved concurrently
		}
		s.count.Add(-1)
		removed++
		s.logger.Warn("request timed out",
			"correlation_id", p.CorrelationID,
			"event_type", p.EventType,
			"session_id", p.SessionID,
			"user_id", p.UserID,
			"device_id", p.DeviceID,
			"ip_address", p.IPAddress,
			"user_agent", p.UserAgent,
			"body", p.Body,
			"age_ms", age.Milliseconds())
		if s.onExpired != nil {
			s.onExpired(p)
		}
		return true
	})
	return removed
}

// Start runs SweepExpired every sweep interval until ctx is cancelled.
func (s *Store) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.SweepExpired(); n > 0 {
					s.logger.Debug("sweep removed expired requests", "count", n, "outstanding", s.Len())
				}
			}
		}
	}()
}

// Len returns the number of outstanding requests.
func (s *Store) Len() int { return int(s.count.Load()) }
