package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/amurg-ai/wsrouter/internal/auth"
	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/internal/bus/memory"
	"github.com/amurg-ai/wsrouter/internal/config"
	"github.com/amurg-ai/wsrouter/internal/correlation"
	"github.com/amurg-ai/wsrouter/internal/registry"
	"github.com/amurg-ai/wsrouter/internal/session"
	"github.com/amurg-ai/wsrouter/internal/topology"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

type fakeConn struct {
	mu     sync.Mutex
	events []protocol.Event
	fail   bool
}

func (c *fakeConn) WriteText(data []byte) error {
	if c.fail {
		return errors.New("write failed")
	}
	var ev protocol.Event
	_ = json.Unmarshal(data, &ev)
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Ping() error             { return nil }
func (c *fakeConn) Close(int, string) error { return nil }

func (c *fakeConn) received() []protocol.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Event(nil), c.events...)
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

const routerID = "router-1"

type fixture struct {
	reg   *registry.Registry
	store *correlation.Store
	disp  *Dispatcher
	clk   *clock
	topo  topology.Topology
}

func setup(t *testing.T) *fixture {
	t.Helper()
	clk := &clock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	reg := registry.New(nil, nil)
	store := correlation.New(correlation.Options{Now: clk.Now})
	topo := topology.New("test.", routerID)
	disp := New(reg, store, Options{Topology: topo})
	return &fixture{reg: reg, store: store, disp: disp, clk: clk, topo: topo}
}

func (f *fixture) connect(t *testing.T, id string) (*session.Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := session.New(id, conn, session.ClientInfo{}, session.Options{RouterID: routerID, Now: f.clk.Now})
	f.reg.Register(s)
	return s, conn
}

func (f *fixture) login(t *testing.T, s *session.Session, user string) {
	t.Helper()
	prev, err := s.Login(&auth.Principal{Subject: user, ExpiresAt: f.clk.Now().Add(time.Hour)})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if err := f.reg.Relocate(prev, user, s); err != nil {
		t.Fatalf("relocate: %v", err)
	}
}

func message(event string, headers map[string]string) *bus.Message {
	msg := &bus.Message{Body: json.RawMessage(`{"ok":true}`)}
	msg.SetHeader(protocol.HeaderEventType, event)
	for k, v := range headers {
		msg.SetHeader(k, v)
	}
	return msg
}

func TestCorrelatedRoundTrip(t *testing.T) {
	f := setup(t)
	s, conn := f.connect(t, "s1")

	req := s.CreateBackendRequest("get-profile", json.RawMessage(`{}`), "trace-1", "")
	f.store.Register(correlation.NewPending(req, f.clk.Now(), f.disp.ReplyTo(s.ID())))

	reply := message("get-profile-response", map[string]string{protocol.HeaderClientTraceID: "trace-1"})
	reply.CorrelationID = req.CorrelationID
	f.disp.Dispatch(context.Background(), protocol.ModeSession, reply)

	got := conn.received()
	if len(got) != 1 || got[0].Event != "get-profile-response" || got[0].ClientTraceID != "trace-1" {
		t.Fatalf("expected reply delivered to originating session, got %+v", got)
	}
	if f.store.Len() != 0 {
		t.Errorf("pending entry should be resolved, Len=%d", f.store.Len())
	}
	if st := f.disp.Stats(); st.Correlated != 1 || st.Delivered != 1 {
		t.Errorf("stats: %+v", st)
	}
}

func TestForeignRouterDiscarded(t *testing.T) {
	f := setup(t)
	_, conn := f.connect(t, "s1")

	msg := message("push", map[string]string{
		protocol.HeaderSessionID: "s1",
		protocol.HeaderRouterID:  "router-2",
	})
	f.disp.Dispatch(context.Background(), protocol.ModeSession, msg)

	if got := conn.received(); len(got) != 0 {
		t.Fatalf("foreign message delivered: %+v", got)
	}
	if st := f.disp.Stats(); st.Foreign != 1 {
		t.Errorf("foreign count: %+v", st)
	}

	msg.Headers[protocol.HeaderRouterID] = routerID
	f.disp.Dispatch(context.Background(), protocol.ModeSession, msg)
	if got := conn.received(); len(got) != 1 {
		t.Fatalf("own message not delivered: %+v", got)
	}
}

func TestMissingEventTypeRejected(t *testing.T) {
	f := setup(t)
	_, conn := f.connect(t, "s1")
	msg := &bus.Message{Headers: map[string]string{protocol.HeaderSessionID: "s1"}}
	f.disp.Dispatch(context.Background(), protocol.ModeSession, msg)
	if len(conn.received()) != 0 {
		t.Fatal("message without event type must not be delivered")
	}
	if f.disp.Stats().Rejected != 1 {
		t.Errorf("rejected: %+v", f.disp.Stats())
	}
}

func TestUserFanOut(t *testing.T) {
	f := setup(t)
	phone, phoneConn := f.connect(t, "phone")
	laptop, laptopConn := f.connect(t, "laptop")
	other, otherConn := f.connect(t, "other")
	f.login(t, phone, "u1")
	f.login(t, laptop, "u1")
	f.login(t, other, "u2")

	f.disp.Dispatch(context.Background(), protocol.ModeUser,
		message("balance-updated", map[string]string{protocol.HeaderUserID: "u1"}))

	if len(phoneConn.received()) != 1 || len(laptopConn.received()) != 1 {
		t.Errorf("every device of u1 should receive: phone=%d laptop=%d",
			len(phoneConn.received()), len(laptopConn.received()))
	}
	if len(otherConn.received()) != 0 {
		t.Error("u2 must not receive u1's message")
	}

	// Closing one device leaves delivery to the other intact.
	if f.reg.Remove(phone.ID()) == nil {
		t.Fatal("phone was not registered")
	}
	if n := len(f.reg.LookupByUser("u1")); n != 1 {
		t.Fatalf("u1 sessions after remove: %d, want 1", n)
	}
	f.disp.Dispatch(context.Background(), protocol.ModeUser,
		message("balance-updated", map[string]string{protocol.HeaderUserID: "u1"}))
	if len(laptopConn.received()) != 2 {
		t.Errorf("laptop should receive the second push, got %d events", len(laptopConn.received()))
	}
	if len(phoneConn.received()) != 1 {
		t.Errorf("removed phone received %d events, want 1", len(phoneConn.received()))
	}

	f.disp.Dispatch(context.Background(), protocol.ModeUser,
		message("balance-updated", map[string]string{protocol.HeaderUserID: "nobody"}))
	if f.disp.Stats().Missed != 1 {
		t.Errorf("missed: %+v", f.disp.Stats())
	}
}

func TestBroadcastIsolatesFailures(t *testing.T) {
	f := setup(t)
	var conns []*fakeConn
	for _, id := range []string{"a", "b", "c", "d"} {
		_, c := f.connect(t, id)
		conns = append(conns, c)
	}
	conns[1].fail = true

	f.disp.Dispatch(context.Background(), protocol.ModeBroadcast, message("maintenance", nil))

	for i, c := range conns {
		want := 1
		if i == 1 {
			want = 0
		}
		if got := len(c.received()); got != want {
			t.Errorf("conn %d received %d, want %d", i, got, want)
		}
	}
	if f.disp.Stats().Delivered != 3 {
		t.Errorf("delivered: %+v", f.disp.Stats())
	}
}

func TestLateResponseAfterExpiry(t *testing.T) {
	f := setup(t)
	s, conn := f.connect(t, "s1")

	req := s.CreateBackendRequest("slow-op", nil, "", "")
	f.store.Register(correlation.NewPending(req, f.clk.Now(), f.disp.ReplyTo(s.ID())))
	f.clk.Advance(correlation.DefaultTimeout)
	if n := f.store.SweepExpired(); n != 1 {
		t.Fatalf("sweep removed %d", n)
	}

	// A late reply without addressing headers has nowhere to go.
	late := message("slow-op-response", nil)
	late.CorrelationID = req.CorrelationID
	f.disp.Dispatch(context.Background(), protocol.ModeSession, late)
	if len(conn.received()) != 0 {
		t.Fatal("late reply must not be delivered through the expired entry")
	}
	if f.disp.Stats().Correlated != 0 {
		t.Errorf("correlated: %+v", f.disp.Stats())
	}

	// With a session header it is addressed like any unsolicited message.
	late.Headers[protocol.HeaderSessionID] = s.ID()
	f.disp.Dispatch(context.Background(), protocol.ModeSession, late)
	if len(conn.received()) != 1 {
		t.Fatal("addressed late reply should be delivered by mode")
	}
}

func TestErrorModeTargetsSession(t *testing.T) {
	f := setup(t)
	s, conn := f.connect(t, "s1")
	_, bystander := f.connect(t, "s2")

	msg := message(protocol.EventError, map[string]string{protocol.HeaderSessionID: s.ID()})
	msg.Body = json.RawMessage(`{"error_type":"BAD_PAYLOAD","code":"X","message":"bad"}`)
	f.disp.Dispatch(context.Background(), protocol.ModeError, msg)

	got := conn.received()
	if len(got) != 1 || got[0].Event != protocol.EventError {
		t.Fatalf("expected error event, got %+v", got)
	}
	if len(bystander.received()) != 0 {
		t.Error("error must only reach the originating session")
	}
}

func TestNonRPCSessionMissIsCounted(t *testing.T) {
	f := setup(t)
	f.disp = New(f.reg, f.store, Options{
		Topology: f.topo,
		Policy: func() *config.Policy {
			return config.RouterConfig{NonRPCEvents: []string{"subscribe-message"}}.Policy()
		},
	})
	f.disp.Dispatch(context.Background(), protocol.ModeSession,
		message("subscribe-message", map[string]string{protocol.HeaderSessionID: "gone"}))
	if f.disp.Stats().Missed != 1 {
		t.Errorf("missed: %+v", f.disp.Stats())
	}
}

func TestInvalidSessionGetsTokenExpired(t *testing.T) {
	f := setup(t)
	s, conn := f.connect(t, "s1")
	if _, err := s.Login(&auth.Principal{Subject: "u1", ExpiresAt: f.clk.Now()}); err != nil {
		t.Fatal(err)
	}
	f.clk.Advance(time.Minute)

	f.disp.Dispatch(context.Background(), protocol.ModeSession,
		message("secret-data", map[string]string{protocol.HeaderSessionID: s.ID()}))

	got := conn.received()
	if len(got) != 1 || got[0].Event != protocol.EventError {
		t.Fatalf("expected only the expiry error, got %+v", got)
	}
	var payload protocol.ErrorPayload
	if err := json.Unmarshal(got[0].Payload, &payload); err != nil {
		t.Fatal(err)
	}
	if payload.Code != protocol.CodeTokenExpired {
		t.Errorf("code: got %q", payload.Code)
	}
}

func TestConsumerFeedsDispatcher(t *testing.T) {
	f := setup(t)
	_, conn := f.connect(t, "s1")

	b := memory.New(nil)
	defer b.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := NewConsumer(b, f.disp, f.topo.Bindings(), nil)
	if err := c.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer c.Close()

	msg := message("push", map[string]string{protocol.HeaderSessionID: "s1"})
	if err := b.Publish(ctx, f.topo.Scoped(protocol.ModeSession), msg); err != nil {
		t.Fatal(err)
	}
	if err := b.Publish(ctx, f.topo.Shared(protocol.ModeBroadcast), message("notice", nil)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(conn.received()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := conn.received(); len(got) != 2 {
		t.Fatalf("expected 2 events via the bus, got %+v", got)
	}
}
