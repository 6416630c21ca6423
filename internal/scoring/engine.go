package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sessionguard/sessionguard/internal/idgen"
	"github.com/sessionguard/sessionguard/internal/logging"
	"github.com/sessionguard/sessionguard/internal/metrics"
	"github.com/sessionguard/sessionguard/internal/session"
	"github.com/sessionguard/sessionguard/internal/syncutil"
	"github.com/sessionguard/sessionguard/internal/telemetry"
	"github.com/sessionguard/sessionguard/internal/traces"
)

// Input carries the current request's observable signals.
type Input struct {
	SessionID      string
	RemoteIP       string
	UserAgent      string
	AcceptLanguage string

	// Snapshot is the optional telemetry payload attached by the client.
	// Nil when the client did not transmit one; scoring proceeds on the
	// header-derived signals alone.
	Snapshot *telemetry.Snapshot
}

// ASNResolver is the optional network-reputation extension point. It maps a
// source address to an ASN label and whether that origin is suspicious. Its
// delta is additive and independent of the core sources.
type ASNResolver func(ip string) (asn string, suspicious bool)

// automationUAFragments are user-agent substrings of common automation
// frameworks.
var automationUAFragments = []string{"headless", "selenium", "puppeteer", "playwright"}

// Engine evaluates sessions. Evaluation against a single session is
// serialized through a per-key sharded mutex so that concurrent requests
// cannot double-apply deltas or race a delete against an update.
type Engine struct {
	sessions session.Store
	events   EventStore
	locks    *syncutil.SessionLocks
	logger   *slog.Logger
	now      func() time.Time

	fingerprintDelta int
	ipChangeDelta    int
	velocityDelta    int
	asnDelta         int

	revokeThreshold int
	stepUpThreshold int

	resolveASN ASNResolver
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithThresholds overrides the decision thresholds.
func WithThresholds(stepUp, revoke int) EngineOption {
	return func(e *Engine) {
		e.stepUpThreshold = stepUp
		e.revokeThreshold = revoke
	}
}

// WithDeltas overrides the per-source score deltas.
func WithDeltas(fingerprint, ipChange, velocity int) EngineOption {
	return func(e *Engine) {
		e.fingerprintDelta = fingerprint
		e.ipChangeDelta = ipChange
		e.velocityDelta = velocity
	}
}

// WithASNResolver enables the additive network-reputation delta.
func WithASNResolver(r ASNResolver, delta int) EngineOption {
	return func(e *Engine) {
		e.resolveASN = r
		e.asnDelta = delta
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = logger }
}

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a risk scoring engine over the given session and audit
// stores.
func NewEngine(sessions session.Store, events EventStore, opts ...EngineOption) *Engine {
	e := &Engine{
		sessions:         sessions,
		events:           events,
		locks:            syncutil.NewSessionLocks(),
		logger:           slog.Default(),
		now:              time.Now,
		fingerprintDelta: DefaultFingerprintDelta,
		ipChangeDelta:    DefaultIPChangeDelta,
		velocityDelta:    DefaultVelocityDelta,
		revokeThreshold:  DefaultRevokeThreshold,
		stepUpThreshold:  DefaultStepUpThreshold,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores the session named by the input against the request's
// current signals and applies the resulting lifecycle action atomically.
//
// A missing or expired session yields DecisionSessionNotFound with no error;
// the caller clears the cookie and denies the request. Store failures are
// returned as errors and must be treated as a deny (fail closed), never an
// implicit allow.
func (e *Engine) Evaluate(ctx context.Context, in Input) (*Evaluation, error) {
	ctx, span := traces.StartSpan(ctx, "scoring.Evaluate", traces.SessionID(in.SessionID))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	sess, err := e.sessions.Get(ctx, in.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		metrics.EvaluationsTotal.WithLabelValues(string(DecisionSessionNotFound)).Inc()
		return &Evaluation{
			SessionID:   in.SessionID,
			Decision:    DecisionSessionNotFound,
			EvaluatedAt: e.now(),
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session lookup: %w", err)
	}

	score := 0
	var reasons []Reason

	if delta, hit := e.fingerprintSource(sess, in); hit {
		score += delta
		reasons = append(reasons, ReasonFingerprintMismatch)
	}
	if delta, hit := e.ipChangeSource(sess, in); hit {
		score += delta
		reasons = append(reasons, ReasonIPChange)
	}
	if delta, hit := e.velocitySource(in); hit {
		score += delta
		reasons = append(reasons, ReasonVelocityAnomaly)
	}

	asn := sess.LastASN
	if e.resolveASN != nil {
		resolved, suspicious := e.resolveASN(in.RemoteIP)
		asn = resolved
		if suspicious {
			score += e.asnDelta
			reasons = append(reasons, ReasonIPChange)
		}
	}

	decision := e.decide(score)

	// A session already gated on step-up stays gated until the challenge
	// resolves, even when the fresh score alone would allow.
	if decision == DecisionAllow && sess.State == session.StateStepUpRequired {
		decision = DecisionStepUp
	}

	eval := &Evaluation{
		SessionID:   sess.ID,
		Decision:    decision,
		Score:       score,
		Reasons:     reasons,
		EvaluatedAt: e.now(),
	}

	for _, r := range reasons {
		e.recordEvent(ctx, sess.ID, r, e.deltaFor(r))
	}

	if err := e.apply(ctx, sess, eval, in.RemoteIP, asn); err != nil {
		return nil, err
	}

	metrics.EvaluationsTotal.WithLabelValues(string(decision)).Inc()
	span.SetAttributes(traces.Decision(string(decision)), traces.Score(score))
	logging.L(ctx).Debug("session evaluated",
		"session_id", sess.ID, "decision", decision, "score", score, "reasons", reasons)

	return eval, nil
}

// apply persists the decision: REVOKE deletes the session row, everything
// else writes lastIp and riskScore back unconditionally.
func (e *Engine) apply(ctx context.Context, sess *session.Session, eval *Evaluation, ip, asn string) error {
	if eval.Decision == DecisionRevoke {
		metrics.SessionsRevokedTotal.Inc()
		if err := e.sessions.Delete(ctx, sess.ID); err != nil {
			return fmt.Errorf("revoke session: %w", err)
		}
		return nil
	}

	sess.LastIP = ip
	sess.LastASN = asn
	sess.RiskScore = eval.Score
	if eval.Decision == DecisionStepUp {
		if err := sess.Transition(session.StateStepUpRequired); err != nil {
			return fmt.Errorf("mark step-up: %w", err)
		}
	}
	if err := e.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("persist evaluation: %w", err)
	}
	return nil
}

// ResolveStepUp applies a verification challenge result to a gated session.
// A pass resets the risk score to baseline and reactivates the session; a
// fail escalates directly to revocation.
func (e *Engine) ResolveStepUp(ctx context.Context, sessionID string, passed bool) (Decision, error) {
	ctx, span := traces.StartSpan(ctx, "scoring.ResolveStepUp", traces.SessionID(sessionID))
	defer span.End()

	unlock, err := e.locks.LockContext(ctx, sessionID)
	if err != nil {
		return "", err
	}
	defer unlock()

	sess, err := e.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return DecisionSessionNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("session lookup: %w", err)
	}

	if !passed {
		e.recordEvent(ctx, sess.ID, ReasonStepUpFailed, 0)
		metrics.StepUpsTotal.WithLabelValues("failed").Inc()
		metrics.SessionsRevokedTotal.Inc()
		if err := e.sessions.Delete(ctx, sess.ID); err != nil {
			return "", fmt.Errorf("revoke session: %w", err)
		}
		return DecisionRevoke, nil
	}

	sess.RiskScore = 0
	if err := sess.Transition(session.StateActive); err != nil {
		return "", fmt.Errorf("reactivate session: %w", err)
	}
	if err := e.sessions.Update(ctx, sess); err != nil {
		return "", fmt.Errorf("persist step-up pass: %w", err)
	}
	e.recordEvent(ctx, sess.ID, ReasonStepUpPassed, 0)
	metrics.StepUpsTotal.WithLabelValues("passed").Inc()
	return DecisionAllow, nil
}

// decide maps a score onto a decision. Boundaries are exact: revoke at
// score >= revokeThreshold, step-up at score >= stepUpThreshold.
func (e *Engine) decide(score int) Decision {
	switch {
	case score >= e.revokeThreshold:
		return DecisionRevoke
	case score >= e.stepUpThreshold:
		return DecisionStepUp
	default:
		return DecisionAllow
	}
}

// fingerprintSource fires when the hash of the current request's fingerprint
// material differs from the hash stored at session creation. At most one
// mismatch delta per evaluation.
func (e *Engine) fingerprintSource(sess *session.Session, in Input) (int, bool) {
	current := telemetry.HashMaterial(in.UserAgent, in.AcceptLanguage)
	if current != sess.HashedFingerprint {
		return e.fingerprintDelta, true
	}
	return 0, false
}

// ipChangeSource fires when the source address differs from the last one
// seen for this session.
func (e *Engine) ipChangeSource(sess *session.Session, in Input) (int, bool) {
	if in.RemoteIP != "" && in.RemoteIP != sess.LastIP {
		return e.ipChangeDelta, true
	}
	return 0, false
}

// velocitySource fires on behavioral anomalies: an automation framework in
// the user agent, or — when a telemetry snapshot is attached — teleporting
// pointer movement, automation environment indicators, impossibly fast
// page-to-action timing, or too little pointer movement to be a human.
func (e *Engine) velocitySource(in Input) (int, bool) {
	ua := strings.ToLower(in.UserAgent)
	for _, frag := range automationUAFragments {
		if strings.Contains(ua, frag) {
			return e.velocityDelta, true
		}
	}

	snap := in.Snapshot
	if snap == nil {
		return 0, false
	}
	if snap.TeleportDetected || snap.Fingerprint.LikelyAutomated {
		return e.velocityDelta, true
	}
	if snap.HesitationSecs > 0 && snap.HesitationSecs < minHumanHesitation {
		return e.velocityDelta, true
	}
	if snap.PointerMoveCount > 0 && snap.PointerMoveCount < lowEntropyMoveMax {
		return e.velocityDelta, true
	}
	return 0, false
}

func (e *Engine) deltaFor(r Reason) int {
	switch r {
	case ReasonFingerprintMismatch:
		return e.fingerprintDelta
	case ReasonIPChange:
		return e.ipChangeDelta
	case ReasonVelocityAnomaly:
		return e.velocityDelta
	default:
		return 0
	}
}

// recordEvent appends to the audit log. Audit failures are logged, never
// allowed to abort the scoring decision.
func (e *Engine) recordEvent(ctx context.Context, sessionID string, reason Reason, delta int) {
	if e.events == nil {
		return
	}
	ev := &RiskEvent{
		ID:         idgen.WithPrefix("evt_"),
		SessionID:  sessionID,
		Reason:     reason,
		ScoreDelta: delta,
		At:         e.now(),
	}
	if err := e.events.Record(ctx, ev); err != nil {
		e.logger.Warn("risk event record failed",
			"session_id", sessionID, "reason", reason, "error", err)
	}
	metrics.RiskReasonsTotal.WithLabelValues(string(reason)).Inc()
}
