package telemetry

import (
	"testing"
	"time"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCollector() (*Collector, *fakeClock) {
	clk := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewCollector(WithClock(clk.now)), clk
}

func moveAt(clk *fakeClock, x, y float64) Event {
	return Event{Kind: EventPointerMove, X: x, Y: y, At: clk.t}
}

func TestCountersAndStickyPaste(t *testing.T) {
	c, _ := newTestCollector()

	c.RecordEvent(Event{Kind: EventScroll})
	c.RecordEvent(Event{Kind: EventScroll})
	c.RecordEvent(Event{Kind: EventClick})
	c.RecordEvent(Event{Kind: EventFocusLoss})
	c.RecordEvent(Event{Kind: EventPaste})

	snap := c.Snapshot()
	if snap.ScrollCount != 2 || snap.ClickCount != 1 || snap.FocusLossCount != 1 {
		t.Errorf("unexpected counters: %+v", snap)
	}
	if !snap.PasteDetected {
		t.Error("paste should be detected")
	}

	// Paste stays latched across further events.
	c.RecordEvent(Event{Kind: EventClick})
	if !c.Snapshot().PasteDetected {
		t.Error("paste flag must be sticky")
	}
}

func TestVelocitySampleAndTeleport(t *testing.T) {
	c, clk := newTestCollector()

	c.RecordEvent(moveAt(clk, 0, 0))
	clk.advance(10 * time.Millisecond)
	c.RecordEvent(moveAt(clk, 30, 40)) // 50px over 10ms = 5 px/ms

	if c.teleport {
		t.Error("5 px/ms should not trip teleport detection")
	}
	if got := c.samples(); len(got) != 1 || got[0] != 5.0 {
		t.Errorf("expected one 5.0 sample, got %v", got)
	}

	// 500px in 10ms = 50 px/ms, well above the threshold.
	clk.advance(10 * time.Millisecond)
	c.RecordEvent(moveAt(clk, 530, 40))
	if !c.Snapshot().TeleportDetected {
		t.Error("teleport should be detected")
	}

	// Teleport stays latched even after slow movement.
	clk.advance(time.Second)
	c.RecordEvent(moveAt(clk, 531, 40))
	if !c.Snapshot().TeleportDetected {
		t.Error("teleport flag must be permanent")
	}
}

func TestVelocityZeroElapsedUsesFloor(t *testing.T) {
	c, clk := newTestCollector()

	c.RecordEvent(moveAt(clk, 0, 0))
	// Same timestamp: denominator floors at 1ms instead of dividing by zero.
	c.RecordEvent(moveAt(clk, 10, 0))

	if got := c.samples(); len(got) != 1 || got[0] != 10.0 {
		t.Errorf("expected 10 px over floored 1ms = 10.0, got %v", got)
	}
}

func TestVarianceInsufficientData(t *testing.T) {
	c, clk := newTestCollector()

	c.RecordEvent(moveAt(clk, 0, 0))
	for i := 0; i < 9; i++ { // 9 samples, below the 10-sample minimum
		clk.advance(10 * time.Millisecond)
		c.RecordEvent(moveAt(clk, float64(10*(i+1)), 0))
	}

	if got := c.Snapshot().VelocityVariance; got != VarianceInsufficient {
		t.Errorf("expected insufficient-data sentinel, got %f", got)
	}
}

func TestVarianceIdenticalSamplesIsZero(t *testing.T) {
	c, clk := newTestCollector()

	c.RecordEvent(moveAt(clk, 0, 0))
	for i := 0; i < 12; i++ { // constant 1 px/ms
		clk.advance(10 * time.Millisecond)
		c.RecordEvent(moveAt(clk, float64(10*(i+1)), 0))
	}

	snap := c.Snapshot()
	if snap.VelocityVariance != 0 {
		t.Errorf("variance of identical samples should be 0, got %f", snap.VelocityVariance)
	}
	if len(snap.VelocitySamples) != 12 {
		t.Errorf("expected 12 samples, got %d", len(snap.VelocitySamples))
	}
}

func TestRingBufferBounded(t *testing.T) {
	c, clk := newTestCollector()

	c.RecordEvent(moveAt(clk, 0, 0))
	for i := 0; i < velocityBufferSize+20; i++ {
		clk.advance(10 * time.Millisecond)
		c.RecordEvent(moveAt(clk, float64(10 * (i + 1)), 0))
	}

	if got := len(c.samples()); got != velocityBufferSize {
		t.Errorf("ring buffer should cap at %d, got %d", velocityBufferSize, got)
	}
}

func TestSnapshotIdempotentExceptHesitation(t *testing.T) {
	c, clk := newTestCollector()

	c.RecordEvent(Event{Kind: EventClick})
	clk.advance(2 * time.Second)
	first := c.Snapshot()

	clk.advance(3 * time.Second)
	second := c.Snapshot()

	if second.HesitationSecs <= first.HesitationSecs {
		t.Errorf("hesitation must strictly increase: %f then %f",
			first.HesitationSecs, second.HesitationSecs)
	}

	// Everything else is identical with no intervening events.
	first.HesitationSecs = 0
	second.HesitationSecs = 0
	if first.ClickCount != second.ClickCount ||
		first.TeleportDetected != second.TeleportDetected ||
		first.VelocityVariance != second.VelocityVariance ||
		len(first.VelocitySamples) != len(second.VelocitySamples) {
		t.Errorf("snapshots differ beyond hesitation: %+v vs %+v", first, second)
	}
}
