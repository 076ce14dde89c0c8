// Package topology names the bus channels a router instance publishes to and
// consumes from.
//
// Replies to requests a client sent through this instance are addressed to
// channels carrying the instance id, so only the instance holding the socket
// consumes them. User pushes and broadcasts use shared channels that every
// instance consumes.
package topology

import (
	"github.com/google/uuid"

	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

// NewInstanceID returns a fresh router instance id. It is generated once per
// process and stamped on every outbound request.
func NewInstanceID() string {
	return uuid.New().String()
}

// Binding is an inbound channel and the delivery mode of messages on it.
type Binding struct {
	Channel string
	Mode    protocol.Mode
}

// Topology derives channel names from a prefix and the instance id.
type Topology struct {
	Prefix     string
	InstanceID string
}

// New returns a topology. An empty instanceID generates one.
func New(prefix, instanceID string) Topology {
	if instanceID == "" {
		instanceID = NewInstanceID()
	}
	return Topology{Prefix: prefix, InstanceID: instanceID}
}

// Frontend is the channel a client request for event is published on.
func (t Topology) Frontend(event string) string {
	return t.Prefix + "frontend." + event
}

// Internal is the channel a router lifecycle event is published on.
func (t Topology) Internal(event string) string {
	return t.Prefix + "internal." + event
}

// Scoped is the channel for mode-addressed messages meant for this instance.
func (t Topology) Scoped(mode protocol.Mode) string {
	return t.Prefix + string(mode) + "." + t.InstanceID
}

// Shared is the channel for mode-addressed messages every instance consumes.
func (t Topology) Shared(mode protocol.Mode) string {
	return t.Prefix + string(mode)
}

// Bindings lists the inbound channels this instance consumes.
func (t Topology) Bindings() []Binding {
	return []Binding{
		{Channel: t.Scoped(protocol.ModeSession), Mode: protocol.ModeSession},
		{Channel: t.Scoped(protocol.ModeUser), Mode: protocol.ModeUser},
		{Channel: t.Scoped(protocol.ModeError), Mode: protocol.ModeError},
		{Channel: t.Shared(protocol.ModeUser), Mode: protocol.ModeUser},
		{Channel: t.Shared(protocol.ModeBroadcast), Mode: protocol.ModeBroadcast},
	}
}

// Owns reports whether a message stamped with routerID may be handled here.
// Messages with no router id are accepted.
func (t Topology) Owns(routerID string) bool {
	return routerID == "" || routerID == t.InstanceID
}
