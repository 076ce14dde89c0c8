package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/internal/topology"
)

// Consumer subscribes the inbound bindings of an instance and feeds every
// message to a Dispatcher.
type Consumer struct {
	bus        bus.Bus
	dispatcher *Dispatcher
	bindings   []topology.Binding
	logger     *slog.Logger

	subs []bus.Subscription
}

// NewConsumer creates a consumer for the given bindings.
func NewConsumer(b bus.Bus, d *Dispatcher, bindings []topology.Binding, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		bus:        b,
		dispatcher: d,
		bindings:   bindings,
		logger:     logger.With("component", "consumer"),
	}
}

// Start subscribes every binding. On error the subscriptions already made
// are closed.
func (c *Consumer) Start(ctx context.Context) error {
	for _, b := range c.bindings {
		mode := b.Mode
		sub, err := c.bus.Subscribe(ctx, b.Channel, func(ctx context.Context, msg *bus.Message) {
			c.dispatcher.Dispatch(ctx, mode, msg)
		})
		if err != nil {
			c.Close()
			return fmt.Errorf("subscribe %s: %w", b.Channel, err)
		}
		c.subs = append(c.subs, sub)
		c.logger.Info("consuming", "channel", b.Channel, "mode", mode)
	}
	return nil
}

// Close stops every subscription.
func (c *Consumer) Close() {
	for _, sub := range c.subs {
		if err := sub.Close(); err != nil {
			c.logger.Debug("close subscription", "channel", sub.Channel(), "error", err)
		}
	}
	c.subs = nil
}
