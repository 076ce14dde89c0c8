// Package store defines the audit trail interface for the router and provides
// SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Audit actions recorded by the router.
const (
	ActionConnect        = "connect"
	ActionDisconnect     = "disconnect"
	ActionLogin          = "login"
	ActionLoginFailed    = "login.failed"
	ActionLogout         = "logout"
	ActionRequestTimeout = "request.timeout"
)

// Store is the persistence interface for the session lifecycle audit trail.
type Store interface {
	LogAuditEvent(ctx context.Context, event *AuditEvent) error
	ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error)
	PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}

// AuditEvent is a log entry for audit purposes.
type AuditEvent struct {
	ID            string          `json:"id"`
	Action        string          `json:"action"`
	InstanceID    string          `json:"instance_id,omitempty"`
	SessionID     string          `json:"session_id,omitempty"`
	UserID        string          `json:"user_id,omitempty"`
	EventType     string          `json:"event_type,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	IPAddress     string          `json:"ip_address,omitempty"`
	Detail        json.RawMessage `json:"detail,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// AuditFilter specifies criteria for filtering audit events.
type AuditFilter struct {
	Action    string // prefix match, so "login" also matches "login.failed"
	UserID    string
	SessionID string
	Limit     int
	Offset    int
}

// DefaultListLimit is used when a filter has no limit.
const DefaultListLimit = 50

// New opens the store for driver ("sqlite" or "postgres").
func New(driver, dsn string) (Store, error) {
	switch driver {
	case "", "sqlite":
		return NewSQLite(dsn)
	case "postgres":
		return NewPostgres(dsn)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// buildAuditQuery appends filter clauses to the base audit select. placeholder
// renders the n-th bind parameter in the driver's syntax.
func buildAuditQuery(filter AuditFilter, placeholder func(n int) string) (string, []any) {
	query := `SELECT id, action, instance_id, session_id, user_id, event_type, correlation_id, ip_address, detail, created_at
	          FROM audit_events WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, placeholder(len(args)))
	}

	if filter.Action != "" {
		add(" AND action LIKE %s", filter.Action+"%")
	}
	if filter.UserID != "" {
		add(" AND user_id = %s", filter.UserID)
	}
	if filter.SessionID != "" {
		add(" AND session_id = %s", filter.SessionID)
	}

	query += " ORDER BY created_at DESC"

	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	add(" LIMIT %s", limit)
	if filter.Offset > 0 {
		add(" OFFSET %s", filter.Offset)
	}
	return query, args
}

type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanAuditEvents(rows rowScanner) ([]AuditEvent, error) {
	var events []AuditEvent
	for rows.Next() {
		var e AuditEvent
		var detail string
		if err := rows.Scan(&e.ID, &e.Action, &e.InstanceID, &e.SessionID, &e.UserID, &e.EventType,
			&e.CorrelationID, &e.IPAddress, &detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		if detail != "" {
			e.Detail = json.RawMessage(detail)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
