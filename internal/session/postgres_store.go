package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists sessions in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed session store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the sessions table if it doesn't exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sessions (
			id                 VARCHAR(64) PRIMARY KEY,
			user_id            VARCHAR(64) NOT NULL,
			hashed_fingerprint VARCHAR(64) NOT NULL,
			last_ip            VARCHAR(45) NOT NULL,
			last_asn           VARCHAR(32) NOT NULL DEFAULT '',
			risk_score         INTEGER NOT NULL DEFAULT 0,
			state              VARCHAR(20) NOT NULL DEFAULT 'ACTIVE'
				CHECK (state IN ('ACTIVE', 'STEP_UP_REQUIRED', 'REVOKED')),
			created_at         TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			expires_at         TIMESTAMPTZ NOT NULL,
			metadata           JSONB NOT NULL DEFAULT '{}'
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_user_id
			ON sessions (user_id, expires_at DESC);
	`)
	return err
}

func (s *PostgresStore) Create(ctx context.Context, sess *Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if sess.Metadata == nil {
		metadata = []byte("{}")
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, hashed_fingerprint, last_ip, last_asn,
			risk_score, state, created_at, expires_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`,
		sess.ID, sess.UserID, sess.HashedFingerprint, sess.LastIP, sess.LastASN,
		sess.RiskScore, string(sess.State), sess.CreatedAt, sess.ExpiresAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("%w: create session: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, hashed_fingerprint, last_ip, last_asn,
			risk_score, state, created_at, expires_at, metadata
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrStoreUnavailable, err)
	}
	return sess, nil
}

func (s *PostgresStore) Update(ctx context.Context, sess *Session) error {
	metadata, err := json.Marshal(sess.Metadata)
	if err != nil {
		return fmt.Errorf("marshal session metadata: %w", err)
	}
	if sess.Metadata == nil {
		metadata = []byte("{}")
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET last_ip = $2, last_asn = $3, risk_score = $4, state = $5,
			expires_at = $6, metadata = $7
		WHERE id = $1
	`,
		sess.ID, sess.LastIP, sess.LastASN, sess.RiskScore, string(sess.State),
		sess.ExpiresAt, metadata,
	)
	if err != nil {
		return fmt.Errorf("%w: update session: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, hashed_fingerprint, last_ip, last_asn,
			risk_score, state, created_at, expires_at, metadata
		FROM sessions
		WHERE user_id = $1 AND expires_at > NOW()
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			continue
		}
		result = append(result, sess)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var (
		sess     Session
		state    string
		metadata []byte
		created  time.Time
		expires  time.Time
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.HashedFingerprint, &sess.LastIP,
		&sess.LastASN, &sess.RiskScore, &state, &created, &expires, &metadata)
	if err != nil {
		return nil, err
	}
	sess.State = State(state)
	sess.CreatedAt = created
	sess.ExpiresAt = expires
	if len(metadata) > 0 {
		_ = json.Unmarshal(metadata, &sess.Metadata)
	}
	return &sess, nil
}
