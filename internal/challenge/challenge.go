// Package challenge implements the interactive step-up verification
// challenges: a timing-based rhythm check and a selection-based grid check.
//
// Both challenges are short-lived state machines instantiated fresh per
// step-up event. They know nothing about risk scores — a caller renders them
// through a Renderer adapter, feeds user input in, and receives a single
// pass/fail completion callback.
//
// These are weak signals by design. The rhythm check is a crude
// proof-of-synchronized-attention, not a statistically strong classifier,
// and the grid check has no ground-truth answer key (see Grid). Neither
// should be trusted in isolation; they are inputs combined with telemetry.
package challenge

import "sync"

// State identifies where a challenge state machine currently is.
type State string

const (
	// Rhythm states.
	StateWaitingTaps State = "waiting_taps"
	StateEvaluating  State = "evaluating"

	// Grid state.
	StateSelecting State = "selecting"

	// Terminal states.
	StatePassed State = "passed"
	StateFailed State = "failed"
)

// CompleteFunc receives the challenge outcome. It is invoked exactly once
// per challenge instance.
type CompleteFunc func(passed bool)

// Renderer is the adapter a UI host implements. The state machines drive it;
// they never touch a DOM or widget tree themselves, which keeps them
// unit-testable without a UI host.
type Renderer interface {
	// Pulse fires once per rhythm cycle, at the start of the pulse window.
	Pulse()
	// StateChanged reports every state transition, including tap progress.
	StateChanged(s State, tapCount int)
}

// NopRenderer discards all rendering callbacks.
type NopRenderer struct{}

func (NopRenderer) Pulse()                 {}
func (NopRenderer) StateChanged(State, int) {}

// completion guards the exactly-once contract on the completion callback.
type completion struct {
	mu   sync.Mutex
	fn   CompleteFunc
	done bool
}

// fire invokes the callback if it has not fired yet and reports whether this
// call was the one that fired it.
func (c *completion) fire(passed bool) bool {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return false
	}
	c.done = true
	fn := c.fn
	c.mu.Unlock()

	if fn != nil {
		fn(passed)
	}
	return true
}

func (c *completion) fired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}
