// Package bus defines the publish/subscribe client the router uses to talk to
// backend services, and the envelope carried on it.
//
// Delivery is at-most-once: publishes are fire-and-forget and subscribers that
// fall behind may lose messages. Implementations live in subpackages.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

// Message is the envelope exchanged with backends.
type Message struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          json.RawMessage   `json:"body,omitempty"`
	Timestamp     time.Time         `json:"ts"`
}

// Header returns the header value for key, or "".
func (m *Message) Header(key string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// SetHeader sets a header, allocating the map if needed. Empty values are
// not stored.
func (m *Message) SetHeader(key, value string) {
	if value == "" {
		return
	}
	if m.Headers == nil {
		m.Headers = make(map[string]string)
	}
	m.Headers[key] = value
}

// EventType returns the event_type header.
func (m *Message) EventType() string { return m.Header(protocol.HeaderEventType) }

// Handler is invoked for every message received on a subscription.
type Handler func(ctx context.Context, msg *Message)

// Subscription is an active subscription. Close stops delivery.
type Subscription interface {
	Channel() string
	Close() error
}

// Bus publishes messages to named channels and delivers messages published
// on subscribed channels.
type Bus interface {
	// Publish sends msg to every current subscriber of channel.
	Publish(ctx context.Context, channel string, msg *Message) error
	// Subscribe registers handler for channel. The subscription is active
	// when Subscribe returns; delivery runs on its own goroutine until ctx
	// is cancelled or the subscription is closed.
	Subscribe(ctx context.Context, channel string, handler Handler) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

// Encode serializes a message for the wire.
func Encode(msg *Message) ([]byte, error) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message from the wire.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}
