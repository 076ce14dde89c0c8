package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/amurg-ai/wsrouter/internal/bus"
	"github.com/amurg-ai/wsrouter/internal/config"
	"github.com/amurg-ai/wsrouter/internal/store"
	"github.com/amurg-ai/wsrouter/pkg/protocol"
)

const testSecret = "test-secret-at-least-32-chars-long"

func startGateway(t *testing.T, mutate func(*config.Config)) (*Gateway, *httptest.Server) {
	t.Helper()
	cfg := config.Default(testSecret)
	cfg.Storage.DSN = "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	cfg.Router.InstanceID = "gw-test"
	if mutate != nil {
		mutate(cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, err := New(ctx, cfg, slog.Default())
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}
	if err := g.start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	srv := httptest.NewServer(g.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		g.close()
	})
	return g, srv
}

func dial(t *testing.T, srv *httptest.Server, header http.Header) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/websocket"
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGatewayRoundTrip(t *testing.T) {
	g, srv := startGateway(t, nil)
	if g.InstanceID() != "gw-test" {
		t.Fatalf("instance id = %q", g.InstanceID())
	}

	ctx := context.Background()
	sub, err := g.bus.Subscribe(ctx, g.topo.Frontend("ping"), func(ctx context.Context, req *bus.Message) {
		reply := &bus.Message{CorrelationID: req.CorrelationID, Body: json.RawMessage(`{"pong":true}`)}
		reply.SetHeader(protocol.HeaderEventType, "pong")
		reply.SetHeader(protocol.HeaderRouterID, req.Header(protocol.HeaderRouterID))
		_ = g.bus.Publish(ctx, g.topo.Scoped(protocol.ModeSession), reply)
	})
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	conn := dial(t, srv, nil)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping","payload":{}}`)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev protocol.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Event != "pong" || string(ev.Payload) != `{"pong":true}` {
		t.Errorf("unexpected reply %+v", ev)
	}
	if g.dispatcher.Stats().Correlated != 1 {
		t.Errorf("expected one correlated reply, stats %+v", g.dispatcher.Stats())
	}
}

func TestGatewayAuditsTimedOutRequests(t *testing.T) {
	g, srv := startGateway(t, func(cfg *config.Config) {
		cfg.Correlation.Timeout.Duration = 20 * time.Millisecond
		cfg.Correlation.SweepInterval.Duration = 10 * time.Millisecond
	})

	conn := dial(t, srv, nil)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"nobody-listens","payload":{}}`)); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		events, err := g.store.ListAuditEvents(context.Background(), store.AuditFilter{Action: store.ActionRequestTimeout})
		if err != nil {
			t.Fatal(err)
		}
		if len(events) == 1 {
			e := events[0]
			if e.EventType != "nobody-listens" || e.InstanceID != "gw-test" || e.CorrelationID == "" {
				t.Errorf("unexpected audit event %+v", e)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("no request.timeout audit event, have %d", len(events))
		}
		time.Sleep(10 * time.Millisecond)
	}
	if g.pending.Len() != 0 {
		t.Errorf("expired request still pending")
	}
}

func TestGatewayPolicyReload(t *testing.T) {
	g, srv := startGateway(t, nil)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v0/websocket"
	header := http.Header{"User-Agent": []string{"evil-bot/1.0"}}

	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial before ban: %v", err)
	}
	conn.Close()

	next := config.Default(testSecret)
	next.Router.BannedUserAgents = []string{"evil-bot/1.0"}
	g.applyConfig(next)

	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err == nil {
		t.Fatal("banned user agent was upgraded")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 after reload, got %v", resp)
	}
}

func TestPurgeAudit(t *testing.T) {
	g, _ := startGateway(t, nil)
	ctx := context.Background()
	old := &store.AuditEvent{Action: store.ActionConnect, CreatedAt: time.Now().UTC().Add(-48 * time.Hour)}
	fresh := &store.AuditEvent{Action: store.ActionConnect}
	for _, e := range []*store.AuditEvent{old, fresh} {
		if err := g.store.LogAuditEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	g.purgeAudit(ctx, 24*time.Hour)

	events, err := g.store.ListAuditEvents(ctx, store.AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].ID != fresh.ID {
		t.Errorf("expected only the fresh event to survive, got %+v", events)
	}
}

func TestNewRedisBusFallsBackToEnv(t *testing.T) {
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")
	cfg := config.Default(testSecret)
	cfg.Storage.DSN = "file:" + uuid.New().String() + "?mode=memory&cache=shared"
	cfg.Bus.Driver = "redis"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	g, err := New(ctx, cfg, slog.Default())
	if err == nil {
		_ = g.bus.Close()
		_ = g.store.Close()
		t.Fatal("expected bus init to fail against the REDIS_ADDR address")
	}
	if !strings.Contains(err.Error(), "init bus") {
		t.Errorf("unexpected error %v", err)
	}
}
