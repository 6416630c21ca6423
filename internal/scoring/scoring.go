// Package scoring implements per-request session risk evaluation.
//
// On every protected request the engine recomputes the request fingerprint,
// compares it and the network origin against the stored session state, folds
// any attached telemetry snapshot in, and combines the triggered deltas into
// a risk score. The score drives one of three lifecycle actions: allow the
// request, require a step-up verification challenge, or revoke the session.
// Scores are per-evaluation — recomputed from scratch against current
// signals, never accumulated across unrelated requests.
package scoring

import (
	"context"
	"time"
)

// Decision is the engine's verdict for a single evaluation.
type Decision string

const (
	DecisionAllow           Decision = "ALLOW"
	DecisionStepUp          Decision = "STEP_UP"
	DecisionRevoke          Decision = "REVOKE"
	DecisionSessionNotFound Decision = "SESSION_NOT_FOUND"
)

// Reason names a triggered delta source. Reasons are recorded in the
// append-only risk event log for audit; they never feed back into live
// scoring beyond the current request.
type Reason string

const (
	ReasonFingerprintMismatch Reason = "fingerprint-mismatch"
	ReasonIPChange            Reason = "ip-change"
	ReasonVelocityAnomaly     Reason = "velocity-anomaly"
	ReasonStepUpFailed        Reason = "step-up-failed"
	ReasonStepUpPassed        Reason = "step-up-passed"
)

// Default score deltas and decision thresholds.
const (
	DefaultFingerprintDelta = 40
	DefaultIPChangeDelta    = 20
	DefaultVelocityDelta    = 15

	DefaultRevokeThreshold = 70
	DefaultStepUpThreshold = 30
)

// Behavioral anomaly cutoffs, folded into the velocity delta.
const (
	// minHumanHesitation is the fastest plausible human page-to-action time.
	minHumanHesitation = 0.3 // seconds

	// lowEntropyMoveMax: 1..9 pointer moves is too little movement for a
	// human but typical for a replayed or scripted session.
	lowEntropyMoveMax = 10
)

// Evaluation is the result the caller maps onto HTTP status and cookie
// mutation.
type Evaluation struct {
	SessionID   string   `json:"sessionId"`
	Decision    Decision `json:"decision"`
	Score       int      `json:"score"`
	Reasons     []Reason `json:"reasons"`
	EvaluatedAt time.Time `json:"evaluatedAt"`
}

// RiskEvent is one append-only audit log entry.
type RiskEvent struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	Reason     Reason    `json:"reason"`
	ScoreDelta int       `json:"scoreDelta"`
	At         time.Time `json:"at"`
}

// EventStore persists risk events for audit. Listings are newest first,
// ordered by (at, id) so pagination cursors are stable across equal
// timestamps.
type EventStore interface {
	Record(ctx context.Context, ev *RiskEvent) error
	ListBySession(ctx context.Context, sessionID string, limit int) ([]*RiskEvent, error)
	// ListBySessionBefore returns events strictly older than the given
	// (at, id) position, for cursor pagination.
	ListBySessionBefore(ctx context.Context, sessionID string, at time.Time, id string, limit int) ([]*RiskEvent, error)
}
