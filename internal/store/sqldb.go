package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// dialect holds what differs between the SQL backends.
type dialect struct {
	timestampType string // column type of created_at
	placeholder   func(n int) string
}

func (d dialect) schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_events (
			id TEXT PRIMARY KEY,
			action TEXT NOT NULL,
			instance_id TEXT NOT NULL DEFAULT '',
			session_id TEXT NOT NULL DEFAULT '',
			user_id TEXT NOT NULL DEFAULT '',
			event_type TEXT NOT NULL DEFAULT '',
			correlation_id TEXT NOT NULL DEFAULT '',
			ip_address TEXT NOT NULL DEFAULT '',
			detail TEXT NOT NULL DEFAULT '',
			created_at ` + d.timestampType + ` NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_created_at ON audit_events(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_action ON audit_events(action)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_user_id ON audit_events(user_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_events_session_id ON audit_events(session_id)`,
	}
}

// sqlDB implements Store on database/sql for a dialect.
type sqlDB struct {
	db *sql.DB
	d  dialect
}

func (s *sqlDB) migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w\n  SQL: %s", err, stmt)
		}
	}
	return nil
}

func (s *sqlDB) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *sqlDB) Close() error { return s.db.Close() }

// LogAuditEvent inserts event, filling in its ID and CreatedAt when unset.
func (s *sqlDB) LogAuditEvent(ctx context.Context, event *AuditEvent) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	p := s.d.placeholder
	query := fmt.Sprintf(`INSERT INTO audit_events
		(id, action, instance_id, session_id, user_id, event_type, correlation_id, ip_address, detail, created_at)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s)`,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9), p(10))
	_, err := s.db.ExecContext(ctx, query,
		event.ID, event.Action, event.InstanceID, event.SessionID, event.UserID, event.EventType,
		event.CorrelationID, event.IPAddress, string(event.Detail), event.CreatedAt,
	)
	return err
}

func (s *sqlDB) ListAuditEvents(ctx context.Context, filter AuditFilter) ([]AuditEvent, error) {
	query, args := buildAuditQuery(filter, s.d.placeholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanAuditEvents(rows)
}

func (s *sqlDB) PurgeOldAuditEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM audit_events WHERE created_at < "+s.d.placeholder(1), before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
