// Package memory provides an in-process implementation of bus.Bus. It is
// suitable for single-node deployments and tests.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/amurg-ai/wsrouter/internal/bus"
)

// ErrClosed is returned by operations on a closed bus.
var ErrClosed = errors.New("bus closed")

// subscriberBuffer bounds how far a subscriber may fall behind before
// messages are dropped for it.
const subscriberBuffer = 256

// Bus fans published messages out to channel subscribers. Publish never
// blocks: a subscriber whose buffer is full misses the message.
type Bus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string]map[*subscription]struct{}
	closed bool

	dropped atomic.Int64
}

type subscription struct {
	bus     *Bus
	channel string
	ch      chan []byte
	once    sync.Once
	done    chan struct{}
}

// New creates an empty bus.
func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		logger: logger.With("component", "bus.memory"),
		subs:   make(map[string]map[*subscription]struct{}),
	}
}

// Publish delivers an encoded copy of msg to every subscriber of channel.
func (b *Bus) Publish(ctx context.Context, channel string, msg *bus.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := bus.Encode(msg)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for sub := range b.subs[channel] {
		select {
		case sub.ch <- data:
		default:
			b.dropped.Add(1)
			b.logger.Warn("subscriber buffer full, message dropped", "channel", channel)
		}
	}
	return nil
}

// Subscribe registers handler on channel.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler bus.Handler) (bus.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sub := &subscription{
		bus:     b,
		channel: channel,
		ch:      make(chan []byte, subscriberBuffer),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	set, ok := b.subs[channel]
	if !ok {
		set = make(map[*subscription]struct{})
		b.subs[channel] = set
	}
	set[sub] = struct{}{}
	b.mu.Unlock()

	go sub.run(ctx, handler)
	return sub, nil
}

func (s *subscription) run(ctx context.Context, handler bus.Handler) {
	defer s.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case data := <-s.ch:
			msg, err := bus.Decode(data)
			if err != nil {
				s.bus.logger.Warn("undecodable message", "channel", s.channel, "error", err)
				continue
			}
			handler(ctx, msg)
		}
	}
}

func (s *subscription) Channel() string { return s.channel }

// Close removes the subscription. Safe to call more than once.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
		s.bus.mu.Unlock()
		close(s.done)
	})
	return nil
}

// Subscribers returns the number of active subscriptions on channel.
func (b *Bus) Subscribers(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

// Dropped returns how many deliveries were dropped because a subscriber was
// full.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Ping reports whether the bus is open.
func (b *Bus) Ping(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

// Close stops all subscriptions.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var subs []*subscription
	for _, set := range b.subs {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
	return nil
}
