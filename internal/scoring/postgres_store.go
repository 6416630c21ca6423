package scoring

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresEventStore persists risk events in PostgreSQL.
type PostgresEventStore struct {
	db *sql.DB
}

// NewPostgresEventStore creates a PostgreSQL-backed risk event store.
func NewPostgresEventStore(db *sql.DB) *PostgresEventStore {
	return &PostgresEventStore{db: db}
}

// Migrate creates the risk_events table if it doesn't exist.
func (s *PostgresEventStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS risk_events (
			id          VARCHAR(36) PRIMARY KEY,
			session_id  VARCHAR(64) NOT NULL,
			reason      VARCHAR(32) NOT NULL CHECK (reason IN (
				'fingerprint-mismatch', 'ip-change', 'velocity-anomaly',
				'step-up-failed', 'step-up-passed')),
			score_delta INTEGER NOT NULL DEFAULT 0,
			created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_risk_events_session
			ON risk_events (session_id, created_at DESC);
	`)
	return err
}

func (s *PostgresEventStore) Record(ctx context.Context, ev *RiskEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO risk_events (id, session_id, reason, score_delta, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.ID, ev.SessionID, string(ev.Reason), ev.ScoreDelta, ev.At)
	if err != nil {
		return fmt.Errorf("record risk event: %w", err)
	}
	return nil
}

func (s *PostgresEventStore) ListBySession(ctx context.Context, sessionID string, limit int) ([]*RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, reason, score_delta, created_at
		FROM risk_events
		WHERE session_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk events: %w", err)
	}
	return scanEvents(rows)
}

func (s *PostgresEventStore) ListBySessionBefore(ctx context.Context, sessionID string, at time.Time, id string, limit int) ([]*RiskEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, reason, score_delta, created_at
		FROM risk_events
		WHERE session_id = $1 AND (created_at, id) < ($2, $3)
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, sessionID, at, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list risk events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*RiskEvent, error) {
	defer func() { _ = rows.Close() }()

	var result []*RiskEvent
	for rows.Next() {
		var (
			ev     RiskEvent
			reason string
			at     time.Time
		)
		if err := rows.Scan(&ev.ID, &ev.SessionID, &reason, &ev.ScoreDelta, &at); err != nil {
			continue
		}
		ev.Reason = Reason(reason)
		ev.At = at
		result = append(result, &ev)
	}
	return result, rows.Err()
}
