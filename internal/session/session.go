// Package session holds the per-connection state of a client socket: its
// identity, client metadata and the outbound write path.
//
// Identity (user id, authenticated flag, expiry) lives in one immutable value
// swapped atomically on login and logout, so a concurrent delivery never
// observes a half-updated identity.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/wsrouter/internal/auth"
	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

var (
	// ErrSessionInvalid is returned by Deliver when the session's credential
	// has expired. The client has been sent a TOKEN_EXPIRED error instead.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSubjectMismatch is returned by Login when the session is validly
	// logged in as a different user.
	ErrSubjectMismatch = errors.New("principal subject does not match session user")
)

const (
	anonymousPrefix = "a-"
	// logTrim bounds how much of a payload is written to debug logs.
	logTrim = 300
	// DefaultGrace is added to a token's expiry.
	DefaultGrace = 30 * time.Second
)

// ClientInfo is client metadata captured at handshake.
type ClientInfo struct {
	DeviceID      string
	ClientVersion string
	ClientIP      string
	ProxyIP       string
	UserAgent     string
}

// identity is replaced as a whole, never mutated.
type identity struct {
	userID        string
	authenticated bool
	expiry        time.Time
	roles         []string
	token         string
	tokenID       string
}

// Options configures a Session.
type Options struct {
	RouterID string
	Grace    time.Duration
	Logger   *slog.Logger
	Now      func() time.Time
}

// Session is one client connection.
type Session struct {
	id          string
	routerID    string
	conn        Conn
	info        ClientInfo
	connectedAt time.Time
	grace       time.Duration
	now         func() time.Time
	logger      *slog.Logger

	ident     atomic.Pointer[identity]
	deviceID  atomic.Pointer[string]
	heartbeat atomic.Bool
}

// New creates an anonymous session for connection id.
func New(id string, conn Conn, info ClientInfo, opts Options) *Session {
	if opts.Grace == 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		id:          id,
		routerID:    opts.RouterID,
		conn:        conn,
		info:        info,
		connectedAt: opts.Now(),
		grace:       opts.Grace,
		now:         opts.Now,
		logger:      opts.Logger.With("session_id", id),
	}
	s.ident.Store(&identity{userID: s.AnonymousID()})
	device := info.DeviceID
	s.deviceID.Store(&device)
	return s
}

// ID returns the connection id.
func (s *Session) ID() string { return s.id }

// AnonymousID is the user id the session carries while not logged in.
func (s *Session) AnonymousID() string { return anonymousPrefix + s.id }

// UserID returns the current logical user id.
func (s *Session) UserID() string { return s.ident.Load().userID }

// Authenticated reports whether the session is logged in.
func (s *Session) Authenticated() bool { return s.ident.Load().authenticated }

// Expiry returns the credential expiry including grace, zero while anonymous.
func (s *Session) Expiry() time.Time { return s.ident.Load().expiry }

// Roles returns the roles of the logged in principal.
func (s *Session) Roles() []string { return s.ident.Load().roles }

// ConnectedAt returns when the handshake completed.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Info returns the client metadata with the current device id.
func (s *Session) Info() ClientInfo {
	info := s.info
	info.DeviceID = s.DeviceID()
	return info
}

// DeviceID returns the current device id.
func (s *Session) DeviceID() string { return *s.deviceID.Load() }

// SetDeviceID replaces the device id. Empty values are ignored.
func (s *Session) SetDeviceID(id string) {
	if id == "" {
		return
	}
	s.deviceID.Store(&id)
}

// Heartbeat reports whether the client opted into heartbeat events.
func (s *Session) Heartbeat() bool { return s.heartbeat.Load() }

// SetHeartbeat sets the heartbeat opt-in.
func (s *Session) SetHeartbeat(on bool) { s.heartbeat.Store(on) }

// Valid reports whether the session may receive deliveries: it is anonymous,
// or authenticated with an unexpired credential.
func (s *Session) Valid() bool {
	return s.ident.Load().valid(s.now())
}

func (id *identity) valid(now time.Time) bool {
	return !id.authenticated || now.Before(id.expiry)
}

// Login moves the session to the principal's identity and returns the
// previous user id. Logging in again with the same token is a no-op. A
// session validly logged in as another user rejects the principal.
func (s *Session) Login(p *auth.Principal) (string, error) {
	for {
		cur := s.ident.Load()
		if cur.authenticated && cur.userID == p.Subject && p.TokenID != "" && cur.tokenID == p.TokenID {
			return cur.userID, nil
		}
		if cur.authenticated && cur.valid(s.now()) && cur.userID != p.Subject {
			s.logger.Warn("login rejected, subject differs from logged in user",
				"user_id", cur.userID, "subject", p.Subject)
			return cur.userID, ErrSubjectMismatch
		}
		next := &identity{
			userID:        p.Subject,
			authenticated: true,
			expiry:        p.ExpiresAt.Add(s.grace),
			roles:         append([]string(nil), p.Roles...),
			token:         p.Token,
			tokenID:       p.TokenID,
		}
		if !next.valid(s.now()) {
			s.logger.Warn("login with already expired token", "subject", p.Subject, "expires_at", p.ExpiresAt)
		}
		if s.ident.CompareAndSwap(cur, next) {
			return cur.userID, nil
		}
	}
}

// Logout reverts the session to its anonymous identity and returns the
// previous user id.
func (s *Session) Logout() string {
	anon := &identity{userID: s.AnonymousID()}
	prev := s.ident.Swap(anon)
	return prev.userID
}

// CreateBackendRequest builds the bus message for a client request. An
// empty correlationID gets a fresh one.
func (s *Session) CreateBackendRequest(event string, payload json.RawMessage, clientTraceID, correlationID string) *bus.Message {
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	id := s.ident.Load()
	info := s.Info()

	msg := &bus.Message{
		CorrelationID: correlationID,
		Body:          payload,
		Timestamp:     s.now().UTC(),
	}
	msg.SetHeader(protocol.HeaderEventType, event)
	msg.SetHeader(protocol.HeaderSessionID, s.id)
	msg.SetHeader(protocol.HeaderUserID, id.userID)
	msg.SetHeader(protocol.HeaderRouterID, s.routerID)
	msg.SetHeader(protocol.HeaderClientTraceID, clientTraceID)
	msg.SetHeader(protocol.HeaderIPAddress, info.ClientIP)
	msg.SetHeader(protocol.HeaderProxyIPAddress, info.ProxyIP)
	msg.SetHeader(protocol.HeaderUserAgent, info.UserAgent)
	msg.SetHeader(protocol.HeaderDeviceID, info.DeviceID)
	msg.SetHeader(protocol.HeaderClientVersion, info.ClientVersion)
	msg.SetHeader(protocol.HeaderRequestVia, protocol.RequestVia)
	if id.authenticated {
		msg.SetHeader(protocol.HeaderJWT, id.token)
	} else {
		msg.SetHeader(protocol.HeaderAnonymousID, id.userID)
	}
	return msg
}

// Deliver writes a bus message to the client. An invalid session gets only
// the session-expired error and ErrSessionInvalid is returned; the socket is
// left open.
func (s *Session) Deliver(msg *bus.Message) error {
	traceID := msg.Header(protocol.HeaderClientTraceID)
	if !s.Valid() {
		s.logger.Info("session invalid, suppressing delivery", "event_type", msg.EventType())
		if err := s.SendSessionInvalid(traceID); err != nil {
			return err
		}
		return ErrSessionInvalid
	}
	ev := protocol.Event{
		Event:          msg.EventType(),
		ClientTraceID:  traceID,
		SubscriptionID: msg.Header(protocol.HeaderSubscriptionID),
		Payload:        msg.Body,
	}
	return s.writeEvent(ev)
}

// SendEvent writes an event frame with a JSON-encoded payload.
func (s *Session) SendEvent(event, clientTraceID string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		raw = b
	}
	return s.writeEvent(protocol.Event{Event: event, ClientTraceID: clientTraceID, Payload: raw})
}

// SendError writes an "error" event.
func (s *Session) SendError(errorType, code, message, clientTraceID string) error {
	return s.SendEvent(protocol.EventError, clientTraceID, protocol.ErrorPayload{
		ErrorType: errorType,
		Code:      code,
		Message:   message,
	})
}

// SendSessionInvalid writes the session-expired error.
func (s *Session) SendSessionInvalid(clientTraceID string) error {
	return s.SendError(protocol.ErrorTypeUnauthorized, protocol.CodeTokenExpired, "Token has expired.", clientTraceID)
}

// SendText writes a plain text frame.
func (s *Session) SendText(text string) error {
	return s.conn.WriteText([]byte(text))
}

func (s *Session) writeEvent(ev protocol.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if s.logger.Enabled(context.Background(), slog.LevelDebug) {
		s.logger.Debug("sending event", "event_type", ev.Event, "payload", trim(string(ev.Payload), logTrim))
	}
	if err := s.conn.WriteText(data); err != nil {
		return fmt.Errorf("write %s: %w", ev.Event, err)
	}
	return nil
}

// Ping sends a transport-level liveness ping.
func (s *Session) Ping() error { return s.conn.Ping() }

// Close closes the transport with a close frame.
func (s *Session) Close(code int, reason string) error { return s.conn.Close(code, reason) }

func trim(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Snapshot is a point-in-time view of a session for operators.
type Snapshot struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Authenticated bool      `json:"authenticated"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	DeviceID      string    `json:"device_id,omitempty"`
	ClientVersion string    `json:"client_version,omitempty"`
	ClientIP      string    `json:"client_ip,omitempty"`
	UserAgent     string    `json:"user_agent,omitempty"`
	Heartbeat     bool      `json:"heartbeat"`
	ConnectedAt   time.Time `json:"connected_at"`
}

// Snapshot returns the session's current state.
func (s *Session) Snapshot() Snapshot {
	id := s.ident.Load()
	info := s.Info()
	return Snapshot{
		ID:            s.id,
		UserID:        id.userID,
		Authenticated: id.authenticated,
		ExpiresAt:     id.expiry,
		DeviceID:      info.DeviceID,
		ClientVersion: info.ClientVersion,
		ClientIP:      info.ClientIP,
		UserAgent:     info.UserAgent,
		Heartbeat:     s.Heartbeat(),
		ConnectedAt:   s.connectedAt,
	}
}
