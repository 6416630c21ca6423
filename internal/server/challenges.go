package server

import (
	"context"
	"sync"
	"time"
)

// challengeTTL is how long an issued challenge stays answerable.
const challengeTTL = 10 * time.Minute

// activeChallenge is the server-side record of an issued step-up challenge.
type activeChallenge struct {
	kind     string // "rhythm" or "grid"
	issuedAt time.Time
	attempts int
}

// challengeRegistry tracks issued step-up challenges per session. Challenges
// are short-lived and node-local; a session that lands on another node simply
// gets a fresh challenge.
type challengeRegistry struct {
	mu          sync.Mutex
	active      map[string]*activeChallenge
	maxAttempts int
}

func newChallengeRegistry(maxAttempts int) *challengeRegistry {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &challengeRegistry{
		active:      make(map[string]*activeChallenge),
		maxAttempts: maxAttempts,
	}
}

// issue creates (or replaces) the challenge for a session. Re-issuing resets
// nothing but the kind and clock; failed attempts carry over so cycling the
// challenge type cannot buy extra tries.
func (r *challengeRegistry) issue(sessionID, kind string) *activeChallenge {
	r.mu.Lock()
	defer r.mu.Unlock()

	attempts := 0
	if prev, ok := r.active[sessionID]; ok {
		attempts = prev.attempts
	}
	ch := &activeChallenge{kind: kind, issuedAt: time.Now(), attempts: attempts}
	r.active[sessionID] = ch
	return ch
}

// get returns the live challenge for a session, if any.
func (r *challengeRegistry) get(sessionID string) (*activeChallenge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.active[sessionID]
	if !ok || time.Since(ch.issuedAt) > challengeTTL {
		delete(r.active, sessionID)
		return nil, false
	}
	return ch, true
}

// fail records a failed attempt and reports how many remain. Zero remaining
// means the caller must escalate.
func (r *challengeRegistry) fail(sessionID string) (remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.active[sessionID]
	if !ok {
		return 0
	}
	ch.attempts++
	remaining = r.maxAttempts - ch.attempts
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// remove drops the challenge once resolved.
func (r *challengeRegistry) remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.active, sessionID)
}

// janitor expires abandoned challenges. Exits when ctx is done.
func (r *challengeRegistry) janitor(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.mu.Lock()
			for id, ch := range r.active {
				if time.Since(ch.issuedAt) > challengeTTL {
					delete(r.active, id)
				}
			}
			r.mu.Unlock()
		}
	}
}
