package telemetry

import (
	"math"
	"time"
)

// Collector accumulates interaction events and produces snapshots on demand.
//
// It is designed for a single-threaded client context: RecordEvent and
// Snapshot never block, all state is in-memory counters plus a bounded ring
// buffer. It is not safe for concurrent use.
type Collector struct {
	now     func() time.Time
	started time.Time

	pointerMoves int
	scrolls      int
	clicks       int
	focusLosses  int
	paste        bool

	lastX, lastY float64
	lastMoveAt   time.Time
	hasLastMove  bool

	// ring is a fixed-capacity velocity sample buffer; ringLen counts the
	// valid entries and ringHead is the next write position once full.
	ring     [velocityBufferSize]float64
	ringLen  int
	ringHead int

	teleport bool

	probe Probe
}

// Option configures a Collector.
type Option func(*Collector)

// WithClock overrides the time source (for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// WithProbe sets the environment probe used to gather fingerprint fields.
func WithProbe(p Probe) Option {
	return func(c *Collector) { c.probe = p }
}

// NewCollector creates a collector whose hesitation clock starts now.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	c.started = c.now()
	return c
}

// RecordEvent updates counters for the given event. Pointer-move events
// additionally contribute a velocity sample: euclidean distance from the
// previous position divided by elapsed milliseconds (floored at 1ms).
// A sample above the teleport threshold latches TeleportDetected for the
// lifetime of the collector.
func (c *Collector) RecordEvent(ev Event) {
	switch ev.Kind {
	case EventPointerMove:
		c.pointerMoves++
		c.recordMove(ev)
	case EventScroll:
		c.scrolls++
	case EventClick:
		c.clicks++
	case EventFocusLoss:
		c.focusLosses++
	case EventPaste:
		c.paste = true
	}
}

func (c *Collector) recordMove(ev Event) {
	at := ev.At
	if at.IsZero() {
		at = c.now()
	}

	if !c.hasLastMove {
		c.lastX, c.lastY = ev.X, ev.Y
		c.lastMoveAt = at
		c.hasLastMove = true
		return
	}

	dx := ev.X - c.lastX
	dy := ev.Y - c.lastY
	dist := math.Sqrt(dx*dx + dy*dy)

	elapsedMs := float64(at.Sub(c.lastMoveAt)) / float64(time.Millisecond)
	if elapsedMs < 1 {
		elapsedMs = 1
	}

	speed := dist / elapsedMs
	c.pushSample(speed)
	if speed > teleportThreshold {
		c.teleport = true
	}

	c.lastX, c.lastY = ev.X, ev.Y
	c.lastMoveAt = at
}

func (c *Collector) pushSample(v float64) {
	if c.ringLen < velocityBufferSize {
		c.ring[c.ringLen] = v
		c.ringLen++
		return
	}
	c.ring[c.ringHead] = v
	c.ringHead = (c.ringHead + 1) % velocityBufferSize
}

// samples returns the buffered velocity samples oldest-first.
func (c *Collector) samples() []float64 {
	out := make([]float64, 0, c.ringLen)
	if c.ringLen < velocityBufferSize {
		out = append(out, c.ring[:c.ringLen]...)
		return out
	}
	out = append(out, c.ring[c.ringHead:]...)
	out = append(out, c.ring[:c.ringHead]...)
	return out
}

// Snapshot returns an immutable view of the collector state. It may be called
// repeatedly; two back-to-back snapshots differ only in HesitationSecs.
func (c *Collector) Snapshot() Snapshot {
	samples := c.samples()
	return Snapshot{
		PointerMoveCount: c.pointerMoves,
		ScrollCount:      c.scrolls,
		ClickCount:       c.clicks,
		FocusLossCount:   c.focusLosses,
		PasteDetected:    c.paste,
		HesitationSecs:   c.now().Sub(c.started).Seconds(),
		TeleportDetected: c.teleport,
		VelocityVariance: populationVariance(samples),
		VelocitySamples:  samples,
		Fingerprint:      CollectFingerprint(c.probe),
	}
}

// populationVariance computes the population variance of the samples, or the
// insufficient-data sentinel when fewer than minVarianceSamples are present.
func populationVariance(samples []float64) float64 {
	n := len(samples)
	if n < minVarianceSamples {
		return VarianceInsufficient
	}

	var sum float64
	for _, s := range samples {
		sum += s
	}
	mean := sum / float64(n)

	var ss float64
	for _, s := range samples {
		d := s - mean
		ss += d * d
	}
	return ss / float64(n)
}
