// Package protocol defines the frames exchanged between clients and the
// router over WebSocket, and the header names the router stamps on messages
// it publishes to the bus.
//
// All client frames are JSON-encoded text frames with an "event" field that
// names the payload.
package protocol

import "encoding/json"

// Request is the frame a client sends to the router.
type Request struct {
	Event         string          `json:"event"`
	ClientTraceID string          `json:"client_trace_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// UnmarshalJSON accepts the legacy camelCase trace id alias.
func (r *Request) UnmarshalJSON(data []byte) error {
	var raw struct {
		Event         string          `json:"event"`
		ClientTraceID string          `json:"client_trace_id"`
		LegacyTraceID string          `json:"clientTraceId"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Event = raw.Event
	r.ClientTraceID = raw.ClientTraceID
	if r.ClientTraceID == "" {
		r.ClientTraceID = raw.LegacyTraceID
	}
	r.Payload = raw.Payload
	if string(r.Payload) == "null" {
		r.Payload = nil
	}
	return nil
}

// Event is the frame the router sends to a client.
type Event struct {
	Event          string          `json:"event"`
	ClientTraceID  string          `json:"client_trace_id,omitempty"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ErrorPayload is the payload of an "error" event.
type ErrorPayload struct {
	ErrorType string `json:"error_type"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// SubscribePayload is the payload of a "subscribe" request.
type SubscribePayload struct {
	Token     string     `json:"token,omitempty"`
	DeviceID  string     `json:"device_id,omitempty"`
	Heartbeat *bool      `json:"heartbeat,omitempty"`
	Resources []Resource `json:"resources,omitempty"`
}

// Resource names something a client wants pushes about.
type Resource struct {
	ResourceType string `json:"resource_type"`
	ResourceID   string `json:"resource_id"`
}

// UserAuthenticated is sent to the client after a successful login.
type UserAuthenticated struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// UserLoggedOut is sent to the client after a logout.
type UserLoggedOut struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// SessionClosed is published to the bus when a connection goes away.
type SessionClosed struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// IdentityAuthenticated is published to the bus after a login.
type IdentityAuthenticated struct {
	IdentityID string `json:"identity_id"`
}

// Heartbeat is the payload of a "heartbeat" event.
type Heartbeat struct {
	SessionID string `json:"session_id"`
	Timestamp int64  `json:"ts"`
}

// --- Event name constants ---

const (
	// client → router
	EventSubscribe = "subscribe"
	EventLogout    = "logout"

	// router → client
	EventError             = "error"
	EventHeartbeat         = "heartbeat"
	EventUserAuthenticated = "user-authenticated"
	EventUserLoggedOut     = "user-logged-out"

	// router → bus (internal)
	EventSessionClosed         = "session-closed"
	EventSubscribeInternal     = "subscribe-internal"
	EventIdentityAuthenticated = "identity/authenticated"
)

// --- Error taxonomy ---

const (
	ErrorTypeBadPayload   = "BAD_PAYLOAD"
	ErrorTypeUnauthorized = "UNAUTHORIZED"

	CodeEventMissing        = "EVENT_MISSING"
	CodePayloadMissing      = "PAYLOAD_MISSING"
	CodeTokenExpired        = "TOKEN_EXPIRED"
	CodeAuthorizationFailed = "AUTHORIZATION_FAILED"
)

// ReadFailurePrefix prefixes the plain text frame sent when a frame could not
// be handled.
const ReadFailurePrefix = "Could not read message "

// --- Bus header names ---

const (
	HeaderEventType        = "event_type"
	HeaderUserID           = "user_id"
	HeaderSessionID        = "session_id"
	HeaderClientTraceID    = "client_trace_id"
	HeaderSubscriptionID   = "subscription_id"
	HeaderRouterID         = "router_id"
	HeaderOriginServiceID  = "origin_service_id"
	HeaderCurrentServiceID = "current_service_id"
	HeaderIPAddress        = "ip_address"
	HeaderProxyIPAddress   = "proxy_ip_address"
	HeaderUserAgent        = "user_agent"
	HeaderDeviceID         = "device_id"
	HeaderClientVersion    = "client_version"
	HeaderAnonymousID      = "anonymous_id"
	HeaderJWT              = "jwt"
	HeaderRequestVia       = "request_via"
)

// RequestVia is the value of the request_via header on every request the
// router publishes.
const RequestVia = "router/WebSocket"

// Mode selects how a bus message addressed to clients is delivered.
type Mode string

const (
	ModeSession   Mode = "session"
	ModeUser      Mode = "user"
	ModeBroadcast Mode = "broadcast"
	ModeError     Mode = "error"
)

// Modes lists every delivery mode.
var Modes = []Mode{ModeSession, ModeUser, ModeBroadcast, ModeError}
