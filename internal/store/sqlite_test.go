package store

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	// A private in-memory database per test; ":memory:" would share one
	// cache across tests in the package.
	s, err := NewSQLite("file:" + uuid.New().String() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	events := []*AuditEvent{
		{Action: ActionConnect, SessionID: "s1", UserID: "a-s1", IPAddress: "10.0.0.1", CreatedAt: base},
		{Action: ActionLogin, SessionID: "s1", UserID: "u1", Detail: json.RawMessage(`{"provider":"builtin"}`), CreatedAt: base.Add(time.Second)},
		{Action: ActionLoginFailed, SessionID: "s2", CreatedAt: base.Add(2 * time.Second)},
		{Action: ActionRequestTimeout, SessionID: "s1", UserID: "u1", EventType: "get-profile", CorrelationID: "c1", CreatedAt: base.Add(3 * time.Second)},
	}
	for _, e := range events {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatalf("LogAuditEvent: %v", err)
		}
		if e.ID == "" {
			t.Fatal("LogAuditEvent should assign an id")
		}
	}

	all, err := s.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatalf("ListAuditEvents: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("ListAuditEvents: got %d, want 4", len(all))
	}
	if all[0].Action != ActionRequestTimeout {
		t.Errorf("expected newest first, got %q", all[0].Action)
	}
	if all[0].CorrelationID != "c1" || all[0].EventType != "get-profile" {
		t.Errorf("fields not round-tripped: %+v", all[0])
	}

	// Action is a prefix match.
	logins, err := s.ListAuditEvents(ctx, AuditFilter{Action: "login"})
	if err != nil {
		t.Fatalf("ListAuditEvents(action): %v", err)
	}
	if len(logins) != 2 {
		t.Fatalf("ListAuditEvents(action=login): got %d, want 2", len(logins))
	}

	byUser, err := s.ListAuditEvents(ctx, AuditFilter{UserID: "u1"})
	if err != nil {
		t.Fatalf("ListAuditEvents(user): %v", err)
	}
	if len(byUser) != 2 {
		t.Fatalf("ListAuditEvents(user=u1): got %d, want 2", len(byUser))
	}

	bySession, err := s.ListAuditEvents(ctx, AuditFilter{SessionID: "s1", Limit: 2})
	if err != nil {
		t.Fatalf("ListAuditEvents(session): %v", err)
	}
	if len(bySession) != 2 {
		t.Fatalf("ListAuditEvents(session=s1, limit=2): got %d, want 2", len(bySession))
	}

	offset, err := s.ListAuditEvents(ctx, AuditFilter{Offset: 3})
	if err != nil {
		t.Fatalf("ListAuditEvents(offset): %v", err)
	}
	if len(offset) != 1 || offset[0].Action != ActionConnect {
		t.Fatalf("ListAuditEvents(offset=3): got %+v", offset)
	}

	var login *AuditEvent
	for i := range all {
		if all[i].Action == ActionLogin {
			login = &all[i]
		}
	}
	if login == nil || !strings.Contains(string(login.Detail), "builtin") {
		t.Errorf("detail not preserved: %+v", login)
	}
}

func TestPurgeOldAuditEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &AuditEvent{Action: ActionConnect, CreatedAt: time.Now().UTC().Add(-8 * 24 * time.Hour)}
	fresh := &AuditEvent{Action: ActionConnect, CreatedAt: time.Now().UTC()}
	for _, e := range []*AuditEvent{old, fresh} {
		if err := s.LogAuditEvent(ctx, e); err != nil {
			t.Fatal(err)
		}
	}

	n, err := s.PurgeOldAuditEvents(ctx, time.Now().UTC().Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PurgeOldAuditEvents: %v", err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	rest, err := s.ListAuditEvents(ctx, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rest) != 1 || rest[0].ID != fresh.ID {
		t.Errorf("remaining events: %+v", rest)
	}
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestNewUnknownDriver(t *testing.T) {
	if _, err := New("mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestBuildAuditQueryPlaceholders(t *testing.T) {
	q, args := buildAuditQuery(AuditFilter{Action: "login", UserID: "u1", Offset: 5},
		func(n int) string { return "$" + string(rune('0'+n)) })
	for _, want := range []string{"action LIKE $1", "user_id = $2", "LIMIT $3", "OFFSET $4"} {
		if !strings.Contains(q, want) {
			t.Errorf("query missing %q: %s", want, q)
		}
	}
	if len(args) != 4 || args[0] != "login%" || args[2] != DefaultListLimit {
		t.Errorf("args: %v", args)
	}
}
