package challenge

import (
	"sync"
	"time"
)

// Rhythm defaults. The pulse fires once per cycle; a human tapping along
// lands near a pulse, a scripted fixed-interval clicker drifts across the
// cycle.
const (
	DefaultPeriod        = 1500 * time.Millisecond
	DefaultTapThreshold  = 400 * time.Millisecond
	DefaultRequiredTaps  = 3
	DefaultPulseDuration = 200 * time.Millisecond
)

// RhythmConfig tunes the rhythm challenge.
type RhythmConfig struct {
	// Period is the pulse cycle length.
	Period time.Duration
	// Threshold is the maximum mean tap-to-pulse distance that passes.
	Threshold time.Duration
	// MaxAttempts caps the retry loop. Zero means unbounded retries; the
	// caller decides whether to impose a limit.
	MaxAttempts int
}

func (c RhythmConfig) withDefaults() RhythmConfig {
	if c.Period <= 0 {
		c.Period = DefaultPeriod
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultTapThreshold
	}
	return c
}

// Rhythm is the timing-based step-up challenge. A recurring pulse cycle of
// fixed period runs from challenge start; the user must tap in time with it.
// After three taps the mean distance to the nearest pulse decides pass or
// retry.
type Rhythm struct {
	cfg RhythmConfig
	now func() time.Time

	mu       sync.Mutex
	started  time.Time // cycle origin; reset on every retry
	state    State
	taps     []time.Duration // distance-to-nearest-pulse per tap
	attempts int

	renderer Renderer
	complete completion

	pulseStop chan struct{}
	stopOnce  sync.Once
}

// RhythmOption configures a Rhythm.
type RhythmOption func(*Rhythm)

// WithRhythmClock overrides the time source (for tests).
func WithRhythmClock(now func() time.Time) RhythmOption {
	return func(r *Rhythm) { r.now = now }
}

// NewRhythm creates a rhythm challenge. The pulse cycle starts immediately;
// call Render to attach a UI host and start the pulse ticker, or drive Tap
// directly in tests.
func NewRhythm(cfg RhythmConfig, onComplete CompleteFunc, opts ...RhythmOption) *Rhythm {
	r := &Rhythm{
		cfg:      cfg.withDefaults(),
		now:      time.Now,
		state:    StateWaitingTaps,
		renderer: NopRenderer{},
	}
	r.complete.fn = onComplete
	for _, opt := range opts {
		opt(r)
	}
	r.started = r.now()
	return r
}

// Render attaches the renderer and starts the cooperative pulse ticker.
// The ticker stops when the challenge resolves or Close is called; an
// abandoned challenge must be Closed to avoid leaking the interval.
func (r *Rhythm) Render(renderer Renderer) {
	r.mu.Lock()
	if renderer != nil {
		r.renderer = renderer
	}
	if r.pulseStop != nil {
		r.mu.Unlock()
		return
	}
	r.pulseStop = make(chan struct{})
	stop := r.pulseStop
	period := r.cfg.Period
	r.mu.Unlock()

	r.renderer.StateChanged(StateWaitingTaps, 0)

	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		r.renderer.Pulse()
		for {
			select {
			case <-ticker.C:
				r.renderer.Pulse()
			case <-stop:
				return
			}
		}
	}()
}

// Close cancels the pulse ticker. Idempotent; safe on an unresolved
// (abandoned) challenge.
func (r *Rhythm) Close() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		stop := r.pulseStop
		r.mu.Unlock()
		if stop != nil {
			close(stop)
		}
	})
}

// State returns the current machine state.
func (r *Rhythm) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// TapCount returns the taps registered in the current attempt.
func (r *Rhythm) TapCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.taps)
}

// Attempts returns the number of completed (failed) evaluation rounds.
func (r *Rhythm) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Tap registers a user tap at the current instant. After the third tap the
// attempt is evaluated: mean distance below the threshold passes, anything
// else clears the taps and restarts the cycle from now.
func (r *Rhythm) Tap() {
	r.mu.Lock()
	if r.state != StateWaitingTaps {
		r.mu.Unlock()
		return
	}

	elapsed := r.now().Sub(r.started)
	pos := elapsed % r.cfg.Period
	if pos < 0 {
		pos += r.cfg.Period
	}
	dist := pos
	if other := r.cfg.Period - pos; other < dist {
		dist = other
	}
	r.taps = append(r.taps, dist)

	if len(r.taps) < DefaultRequiredTaps {
		count := len(r.taps)
		r.mu.Unlock()
		r.renderer.StateChanged(StateWaitingTaps, count)
		return
	}

	r.state = StateEvaluating
	r.mu.Unlock()
	r.renderer.StateChanged(StateEvaluating, DefaultRequiredTaps)
	r.evaluate()
}

func (r *Rhythm) evaluate() {
	r.mu.Lock()
	var total time.Duration
	for _, d := range r.taps {
		total += d
	}
	mean := total / time.Duration(len(r.taps))

	if mean < r.cfg.Threshold {
		r.state = StatePassed
		r.mu.Unlock()
		r.renderer.StateChanged(StatePassed, DefaultRequiredTaps)
		r.Close()
		r.complete.fire(true)
		return
	}

	r.attempts++
	if r.cfg.MaxAttempts > 0 && r.attempts >= r.cfg.MaxAttempts {
		r.state = StateFailed
		r.mu.Unlock()
		r.renderer.StateChanged(StateFailed, 0)
		r.Close()
		r.complete.fire(false)
		return
	}

	// Retry: clear taps, restart the pulse cycle from now.
	r.taps = r.taps[:0]
	r.state = StateWaitingTaps
	r.started = r.now()
	r.mu.Unlock()
	r.renderer.StateChanged(StateWaitingTaps, 0)
}
