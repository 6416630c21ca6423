// Package telemetry implements the passive client-side interaction collector.
//
// A Collector observes interaction events for the lifetime of a page context
// and derives behavioral aggregates: event counters, a bounded ring buffer of
// pointer velocity samples, teleport detection, and a device fingerprint.
// Raw input coordinates are never retained past the velocity computation —
// only derived aggregates leave this package.
package telemetry

import (
	"time"
)

// EventKind identifies an observed interaction event.
type EventKind string

const (
	EventPointerMove EventKind = "pointer_move"
	EventScroll      EventKind = "scroll"
	EventClick       EventKind = "click"
	EventFocusLoss   EventKind = "focus_loss"
	EventPaste       EventKind = "paste"
)

// Event is a single interaction observation. X and Y are only meaningful for
// pointer-move events.
type Event struct {
	Kind EventKind
	X    float64
	Y    float64
	At   time.Time
}

// Velocity ring buffer and detection constants.
const (
	// velocityBufferSize bounds the ring buffer of instantaneous speed samples.
	velocityBufferSize = 64

	// teleportThreshold is the instantaneous speed (px/ms) above which a
	// pointer jump is considered impossible for a human hand.
	teleportThreshold = 20.0

	// minVarianceSamples is the minimum sample count before a variance
	// estimate is reported instead of the sentinel.
	minVarianceSamples = 10
)

// VarianceInsufficient is reported as VelocityVariance when the ring buffer
// holds fewer than minVarianceSamples samples.
const VarianceInsufficient = -1.0

// Snapshot is a point-in-time view of everything the collector has derived.
// It is immutable once returned.
type Snapshot struct {
	PointerMoveCount int     `json:"pointerMoveCount"`
	ScrollCount      int     `json:"scrollCount"`
	ClickCount       int     `json:"clickCount"`
	FocusLossCount   int     `json:"focusLossCount"`
	PasteDetected    bool    `json:"pasteDetected"`
	HesitationSecs   float64 `json:"hesitationSeconds"`
	TeleportDetected bool    `json:"teleportDetected"`
	VelocityVariance float64 `json:"velocityVariance"`

	// VelocitySamples is a copy of the current ring buffer contents,
	// oldest first.
	VelocitySamples []float64 `json:"velocitySamples,omitempty"`

	Fingerprint Fingerprint `json:"fingerprint"`
}
