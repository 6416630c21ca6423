package scoring

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/sessionguard/sessionguard/internal/session"
	"github.com/sessionguard/sessionguard/internal/telemetry"
)

const (
	testUA   = "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/130.0"
	testLang = "en-US,en;q=0.9"
	testIP   = "203.0.113.10"
)

func seedSession(t *testing.T, store session.Store, id string) *session.Session {
	t.Helper()
	sess := &session.Session{
		ID:                id,
		UserID:            "user1",
		HashedFingerprint: telemetry.HashMaterial(testUA, testLang),
		LastIP:            testIP,
		State:             session.StateActive,
		CreatedAt:         time.Now(),
		ExpiresAt:         time.Now().Add(time.Hour),
	}
	if err := store.Create(context.Background(), sess); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return sess
}

func cleanInput(id string) Input {
	return Input{
		SessionID:      id,
		RemoteIP:       testIP,
		UserAgent:      testUA,
		AcceptLanguage: testLang,
	}
}

func TestEvaluateCleanRequestAllows(t *testing.T) {
	store := session.NewMemoryStore()
	engine := NewEngine(store, NewMemoryEventStore())
	seedSession(t, store, "s1")

	eval, err := engine.Evaluate(context.Background(), cleanInput("s1"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Decision != DecisionAllow || eval.Score != 0 || len(eval.Reasons) != 0 {
		t.Errorf("clean request should allow with score 0: %+v", eval)
	}
}

func TestEvaluateFingerprintMismatchOnce(t *testing.T) {
	store := session.NewMemoryStore()
	events := NewMemoryEventStore()
	engine := NewEngine(store, events)
	seedSession(t, store, "s1")

	in := cleanInput("s1")
	in.UserAgent = "Mozilla/5.0 (Windows NT 10.0) Chrome/129.0"

	eval, err := engine.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Score != DefaultFingerprintDelta {
		t.Errorf("expected exactly one mismatch delta (%d), got score %d",
			DefaultFingerprintDelta, eval.Score)
	}

	count := 0
	for _, r := range eval.Reasons {
		if r == ReasonFingerprintMismatch {
			count++
		}
	}
	if count != 1 {
		t.Errorf("mismatch reason should appear exactly once, got %d", count)
	}

	logged, _ := events.ListBySession(context.Background(), "s1", 10)
	if len(logged) != 1 || logged[0].Reason != ReasonFingerprintMismatch {
		t.Errorf("expected one fingerprint-mismatch event, got %+v", logged)
	}
}

func TestEvaluateIPChange(t *testing.T) {
	store := session.NewMemoryStore()
	engine := NewEngine(store, NewMemoryEventStore())
	seedSession(t, store, "s1")

	in := cleanInput("s1")
	in.RemoteIP = "198.51.100.7"

	eval, err := engine.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Score != DefaultIPChangeDelta || eval.Decision != DecisionAllow {
		t.Errorf("ip change alone should score %d and allow: %+v", DefaultIPChangeDelta, eval)
	}

	// lastIp is written back: the same IP next time triggers nothing.
	eval2, _ := engine.Evaluate(context.Background(), in)
	if eval2.Score != 0 {
		t.Errorf("second evaluation from the same IP should score 0, got %d", eval2.Score)
	}
}

func TestEvaluateCombinedSignalsStepUp(t *testing.T) {
	store := session.NewMemoryStore()
	engine := NewEngine(store, NewMemoryEventStore())
	seedSession(t, store, "s1")

	in := cleanInput("s1")
	in.UserAgent = "Mozilla/5.0 (Windows NT 10.0) Chrome/129.0" // mismatch: +40
	in.RemoteIP = "198.51.100.7"                                // change: +20

	eval, err := engine.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Score != 60 || eval.Decision != DecisionStepUp {
		t.Errorf("expected score 60 / STEP_UP, got %+v", eval)
	}

	got, _ := store.Get(context.Background(), "s1")
	if got.State != session.StateStepUpRequired {
		t.Errorf("session should be marked step-up-required, got %s", got.State)
	}
	if got.RiskScore != 60 {
		t.Errorf("risk score should be persisted, got %d", got.RiskScore)
	}
}

func TestEvaluateRevokeDeletesSession(t *testing.T) {
	store := session.NewMemoryStore()
	engine := NewEngine(store, NewMemoryEventStore())
	seedSession(t, store, "s1")

	snap := &telemetry.Snapshot{TeleportDetected: true}
	in := cleanInput("s1")
	in.UserAgent = "Mozilla/5.0 (Windows NT 10.0) Chrome/129.0" // +40
	in.RemoteIP = "198.51.100.7"                                // +20
	in.Snapshot = snap                                          // +15 = 75

	eval, err := engine.Evaluate(context.Background(), in)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Decision != DecisionRevoke {
		t.Errorf("expected REVOKE at score %d, got %s", eval.Score, eval.Decision)
	}

	if _, err := store.Get(context.Background(), "s1"); err != session.ErrSessionNotFound {
		t.Error("revoked session row must be deleted")
	}
}

func TestDecideBoundaries(t *testing.T) {
	engine := NewEngine(session.NewMemoryStore(), nil)

	cases := []struct {
		score int
		want  Decision
	}{
		{0, DecisionAllow},
		{29, DecisionAllow},
		{30, DecisionStepUp},
		{69, DecisionStepUp},
		{70, DecisionRevoke},
		{100, DecisionRevoke},
	}
	for _, tc := range cases {
		if got := engine.decide(tc.score); got != tc.want {
			t.Errorf("decide(%d) = %s, want %s", tc.score, got, tc.want)
		}
	}
}

func TestEvaluateSessionNotFound(t *testing.T) {
	engine := NewEngine(session.NewMemoryStore(), NewMemoryEventStore())

	eval, err := engine.Evaluate(context.Background(), cleanInput("missing"))
	if err != nil {
		t.Fatalf("missing session is not an error: %v", err)
	}
	if eval.Decision != DecisionSessionNotFound {
		t.Errorf("expected SESSION_NOT_FOUND, got %s", eval.Decision)
	}
}

func TestEvaluateExpiredSessionNotFound(t *testing.T) {
	store := session.NewMemoryStore()
	engine := NewEngine(store, NewMemoryEventStore())
	sess := seedSession(t, store, "s1")
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	_ = store.Update(context.Background(), sess)

	eval, err := engine.Evaluate(context.Background(), cleanInput("s1"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Decision != DecisionSessionNotFound {
		t.Errorf("expired session should be SESSION_NOT_FOUND, got %s", eval.Decision)
	}
}

func TestVelocitySourceTriggers(t *testing.T) {
	engine := NewEngine(session.NewMemoryStore(), nil)

	cases := []struct {
		name string
		in   Input
		want bool
	}{
		{"no snapshot, clean ua", Input{UserAgent: testUA}, false},
		{"automation ua", Input{UserAgent: "HeadlessChrome/129.0"}, true},
		{"teleport", Input{UserAgent: testUA, Snapshot: &telemetry.Snapshot{TeleportDetected: true, PointerMoveCount: 50}}, true},
		{"automation env", Input{UserAgent: testUA, Snapshot: &telemetry.Snapshot{Fingerprint: telemetry.Fingerprint{LikelyAutomated: true}, PointerMoveCount: 50}}, true},
		{"impossible timing", Input{UserAgent: testUA, Snapshot: &telemetry.Snapshot{HesitationSecs: 0.1, PointerMoveCount: 50}}, true},
		{"low entropy movement", Input{UserAgent: testUA, Snapshot: &telemetry.Snapshot{HesitationSecs: 5, PointerMoveCount: 3}}, true},
		{"normal human", Input{UserAgent: testUA, Snapshot: &telemetry.Snapshot{HesitationSecs: 5, PointerMoveCount: 50}}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, hit := engine.velocitySource(tc.in)
			if hit != tc.want {
				t.Errorf("velocitySource = %v, want %v", hit, tc.want)
			}
		})
	}
}

func TestStepUpGateStaysUntilResolved(t *testing.T) {
	store := session.NewMemoryStore()
	engine := NewEngine(store, NewMemoryEventStore())
	sess := seedSession(t, store, "s1")
	sess.State = session.StateStepUpRequired
	_ = store.Update(context.Background(), sess)

	// A clean follow-up request scores 0, but the gate holds.
	eval, err := engine.Evaluate(context.Background(), cleanInput("s1"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Decision != DecisionStepUp {
		t.Errorf("gated session must stay gated, got %s", eval.Decision)
	}
}

func TestResolveStepUpPass(t *testing.T) {
	store := session.NewMemoryStore()
	events := NewMemoryEventStore()
	engine := NewEngine(store, events)
	sess := seedSession(t, store, "s1")
	sess.State = session.StateStepUpRequired
	sess.RiskScore = 60
	_ = store.Update(context.Background(), sess)

	decision, err := engine.ResolveStepUp(context.Background(), "s1", true)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision != DecisionAllow {
		t.Errorf("pass should resolve to ALLOW, got %s", decision)
	}

	got, _ := store.Get(context.Background(), "s1")
	if got.State != session.StateActive || got.RiskScore != 0 {
		t.Errorf("pass should reset to ACTIVE/0, got %s/%d", got.State, got.RiskScore)
	}

	logged, _ := events.ListBySession(context.Background(), "s1", 10)
	if len(logged) != 1 || logged[0].Reason != ReasonStepUpPassed {
		t.Errorf("expected step-up-passed event, got %+v", logged)
	}
}

func TestResolveStepUpFailRevokes(t *testing.T) {
	store := session.NewMemoryStore()
	events := NewMemoryEventStore()
	engine := NewEngine(store, events)
	sess := seedSession(t, store, "s1")
	sess.State = session.StateStepUpRequired
	_ = store.Update(context.Background(), sess)

	decision, err := engine.ResolveStepUp(context.Background(), "s1", false)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if decision != DecisionRevoke {
		t.Errorf("fail should escalate to REVOKE, got %s", decision)
	}
	if _, err := store.Get(context.Background(), "s1"); err != session.ErrSessionNotFound {
		t.Error("failed step-up must delete the session")
	}

	logged, _ := events.ListBySession(context.Background(), "s1", 10)
	if len(logged) != 1 || logged[0].Reason != ReasonStepUpFailed {
		t.Errorf("expected step-up-failed event, got %+v", logged)
	}
}

func TestASNResolverIsAdditive(t *testing.T) {
	store := session.NewMemoryStore()
	engine := NewEngine(store, NewMemoryEventStore(),
		WithASNResolver(func(ip string) (string, bool) { return "AS64500", true }, 10))
	seedSession(t, store, "s1")

	eval, err := engine.Evaluate(context.Background(), cleanInput("s1"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if eval.Score != 10 {
		t.Errorf("asn delta should add independently, got %d", eval.Score)
	}

	got, _ := store.Get(context.Background(), "s1")
	if got.LastASN != "AS64500" {
		t.Errorf("resolved ASN should persist, got %q", got.LastASN)
	}
}

func TestConcurrentEvaluationsNoLostUpdate(t *testing.T) {
	store := session.NewMemoryStore()
	events := NewMemoryEventStore()
	engine := NewEngine(store, events)
	seedSession(t, store, "s1")

	inA := cleanInput("s1")
	inA.RemoteIP = "198.51.100.1"
	inB := cleanInput("s1")
	inB.RemoteIP = "198.51.100.2"

	var wg sync.WaitGroup
	evals := make([]*Evaluation, 2)
	errs := make([]error, 2)
	for i, in := range []Input{inA, inB} {
		wg.Add(1)
		go func(i int, in Input) {
			defer wg.Done()
			evals[i], errs[i] = engine.Evaluate(context.Background(), in)
		}(i, in)
	}
	wg.Wait()

	for i := range errs {
		if errs[i] != nil {
			t.Fatalf("evaluation %d: %v", i, errs[i])
		}
	}

	// Serialized through the per-session lock, each evaluation compares
	// against the other's persisted lastIp, so both observe an ip change
	// and both audit events land.
	for i, ev := range evals {
		if len(ev.Reasons) != 1 || ev.Reasons[0] != ReasonIPChange {
			t.Errorf("evaluation %d should see exactly one ip-change, got %v", i, ev.Reasons)
		}
	}
	logged, _ := events.ListBySession(context.Background(), "s1", 10)
	if len(logged) != 2 {
		t.Errorf("expected both evaluations' events persisted, got %d", len(logged))
	}

	got, _ := store.Get(context.Background(), "s1")
	if got.LastIP != inA.RemoteIP && got.LastIP != inB.RemoteIP {
		t.Errorf("final lastIp must be one of the evaluated IPs, got %s", got.LastIP)
	}
}
