// Package bustest holds a conformance suite every bus.Bus implementation
// must pass.
package bustest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/amurg-ai/wsrouter/internal/bus"
)

// Factory returns a fresh bus for one test.
type Factory func(t *testing.T) bus.Bus

// RunBusTests runs the suite against buses built by factory.
func RunBusTests(t *testing.T, factory Factory) {
	t.Run("PublishSubscribe", func(t *testing.T) { testPublishSubscribe(t, factory) })
	t.Run("ChannelIsolation", func(t *testing.T) { testChannelIsolation(t, factory) })
	t.Run("FanOut", func(t *testing.T) { testFanOut(t, factory) })
	t.Run("CloseSubscription", func(t *testing.T) { testCloseSubscription(t, factory) })
	t.Run("OrderWithinChannel", func(t *testing.T) { testOrder(t, factory) })
}

func channelName(t *testing.T) string {
	return "bustest." + t.Name() + "." + uuid.New().String()
}

func collector() (bus.Handler, func(t *testing.T, n int) []*bus.Message) {
	var mu sync.Mutex
	var got []*bus.Message
	handler := func(_ context.Context, msg *bus.Message) {
		mu.Lock()
		got = append(got, msg)
		mu.Unlock()
	}
	wait := func(t *testing.T, n int) []*bus.Message {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			mu.Lock()
			if len(got) >= n {
				out := append([]*bus.Message(nil), got...)
				mu.Unlock()
				return out
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
		}
		mu.Lock()
		defer mu.Unlock()
		t.Fatalf("timed out waiting for %d messages, got %d", n, len(got))
		return nil
	}
	return handler, wait
}

func newBus(t *testing.T, factory Factory) (bus.Bus, context.Context) {
	t.Helper()
	b := factory(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = b.Close()
	})
	return b, ctx
}

func testPublishSubscribe(t *testing.T, factory Factory) {
	b, ctx := newBus(t, factory)
	ch := channelName(t)

	handler, wait := collector()
	if _, err := b.Subscribe(ctx, ch, handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg := &bus.Message{CorrelationID: "corr-1", Body: json.RawMessage(`{"id":"42"}`)}
	msg.SetHeader("event_type", "ping-resource")
	if err := b.Publish(ctx, ch, msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := wait(t, 1)[0]
	if got.CorrelationID != "corr-1" {
		t.Errorf("CorrelationID: got %q", got.CorrelationID)
	}
	if got.EventType() != "ping-resource" {
		t.Errorf("event_type: got %q", got.EventType())
	}
	if string(got.Body) != `{"id":"42"}` {
		t.Errorf("Body: got %s", got.Body)
	}
	if got.Timestamp.IsZero() {
		t.Error("expected timestamp to be stamped on publish")
	}
}

func testChannelIsolation(t *testing.T, factory Factory) {
	b, ctx := newBus(t, factory)
	a, other := channelName(t), channelName(t)

	handlerA, waitA := collector()
	if _, err := b.Subscribe(ctx, a, handlerA); err != nil {
		t.Fatalf("Subscribe a: %v", err)
	}
	leaked := make(chan struct{}, 1)
	if _, err := b.Subscribe(ctx, other, func(context.Context, *bus.Message) { leaked <- struct{}{} }); err != nil {
		t.Fatalf("Subscribe other: %v", err)
	}

	if err := b.Publish(ctx, a, &bus.Message{CorrelationID: "only-a"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	waitA(t, 1)
	select {
	case <-leaked:
		t.Error("message leaked to another channel")
	case <-time.After(50 * time.Millisecond):
	}
}

func testFanOut(t *testing.T, factory Factory) {
	b, ctx := newBus(t, factory)
	ch := channelName(t)

	h1, wait1 := collector()
	h2, wait2 := collector()
	if _, err := b.Subscribe(ctx, ch, h1); err != nil {
		t.Fatalf("Subscribe 1: %v", err)
	}
	if _, err := b.Subscribe(ctx, ch, h2); err != nil {
		t.Fatalf("Subscribe 2: %v", err)
	}
	if err := b.Publish(ctx, ch, &bus.Message{CorrelationID: "both"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	wait1(t, 1)
	wait2(t, 1)
}

func testCloseSubscription(t *testing.T, factory Factory) {
	b, ctx := newBus(t, factory)
	ch := channelName(t)

	got := make(chan struct{}, 1)
	sub, err := b.Subscribe(ctx, ch, func(context.Context, *bus.Message) { got <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if sub.Channel() != ch {
		t.Errorf("Channel: got %q, want %q", sub.Channel(), ch)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_ = sub.Close()

	_ = b.Publish(ctx, ch, &bus.Message{CorrelationID: "after-close"})
	select {
	case <-got:
		t.Error("closed subscription received a message")
	case <-time.After(100 * time.Millisecond):
	}
}

func testOrder(t *testing.T, factory Factory) {
	b, ctx := newBus(t, factory)
	ch := channelName(t)

	handler, wait := collector()
	if _, err := b.Subscribe(ctx, ch, handler); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	const n = 20
	for i := 0; i < n; i++ {
		if err := b.Publish(ctx, ch, &bus.Message{CorrelationID: fmt.Sprint(i)}); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}
	got := wait(t, n)
	for i, m := range got {
		if m.CorrelationID != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: got %q", i, m.CorrelationID)
		}
	}
}
