// Package session defines the durable server-side session record, its
// lifecycle state machine, and the pluggable stores that persist it.
//
// A session is created at authentication time with a zero risk score and a
// one-way hash of the device fingerprint — never the raw material. It is
// mutated only by the risk scorer on protected requests, and destroyed when
// the scorer decides REVOKED or when it expires naturally.
package session

import (
	"context"
	"errors"
	"time"
)

// Errors.
var (
	// ErrSessionNotFound means no matching non-expired session exists. The
	// caller must clear the session cookie and deny the request.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStoreUnavailable is a transient store failure. Callers fail closed:
	// treat as a deny, never as an implicit allow.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrInvalidTransition is returned for lifecycle moves the state machine
	// does not permit.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// State is a session lifecycle state.
type State string

const (
	// StateActive is the initial state, set at authentication.
	StateActive State = "ACTIVE"
	// StateStepUpRequired blocks privileged actions until a verification
	// challenge is passed. Non-privileged read-only activity is still
	// permitted; callers decide which actions count as privileged.
	StateStepUpRequired State = "STEP_UP_REQUIRED"
	// StateRevoked is terminal. No transition leaves it.
	StateRevoked State = "REVOKED"
)

// Session is the durable per-session record.
type Session struct {
	ID                string            `json:"id"`
	UserID            string            `json:"userId"`
	HashedFingerprint string            `json:"-"`
	LastIP            string            `json:"lastIp"`
	LastASN           string            `json:"lastAsn,omitempty"`
	RiskScore         int               `json:"riskScore"`
	State             State             `json:"state"`
	CreatedAt         time.Time         `json:"createdAt"`
	ExpiresAt         time.Time         `json:"expiresAt"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Expired reports whether the session is past its expiry at the given time.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Clone returns a deep copy, so store snapshots never alias caller state.
func (s *Session) Clone() *Session {
	cp := *s
	if s.Metadata != nil {
		cp.Metadata = make(map[string]string, len(s.Metadata))
		for k, v := range s.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Transition moves the session to the given state, enforcing the lifecycle:
//
//	ACTIVE → STEP_UP_REQUIRED | REVOKED
//	STEP_UP_REQUIRED → ACTIVE | REVOKED
//	REVOKED → (terminal)
//
// A transition to the current state is a no-op.
func (s *Session) Transition(to State) error {
	if s.State == to {
		return nil
	}
	switch s.State {
	case StateActive:
		if to == StateStepUpRequired || to == StateRevoked {
			s.State = to
			return nil
		}
	case StateStepUpRequired:
		if to == StateActive || to == StateRevoked {
			s.State = to
			return nil
		}
	case StateRevoked:
		// Terminal.
	}
	return ErrInvalidTransition
}

// Store persists sessions. Get must not return expired sessions; whether the
// backing row is reaped lazily or by TTL is an implementation detail.
type Store interface {
	Create(ctx context.Context, s *Session) error
	// Get returns ErrSessionNotFound for missing or expired sessions.
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
	// ListByUser returns the user's non-expired sessions.
	ListByUser(ctx context.Context, userID string) ([]*Session, error)
}
