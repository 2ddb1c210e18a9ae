// Package governor holds small, pure, independently-testable timing
// primitives used by the strategy controller to
// turn an instantaneous boolean condition into a debounced decision. The
// pattern is adapted from the teacher's stepped-hysteresis and timer-reset
// idioms (threshold crossings hold state until explicitly recrossed) but
// reshaped around "condition held continuously for at least N" rather than
// multi-step value hysteresis, which is what this domain's start/stop
// delays and battery-protection clamp actually need.
package governor

import "time"

// DurationGate reports whether a boolean condition has been continuously
// true for at least a configured duration. Any Update(false) resets the
// timer immediately, matching spec.md's "a reading below threshold resets
// the timer" rule for both the start-delay and stop-delay trackers.
type DurationGate struct {
	since *time.Time
}

// Update records the condition's value at time now and returns the
// timestamp the condition has been continuously true since (nil if false).
func (g *DurationGate) Update(conditionTrue bool, now time.Time) *time.Time {
	if !conditionTrue {
		g.since = nil
		return nil
	}
	if g.since == nil {
		t := now
		g.since = &t
	}
	return g.since
}

// Since returns the timestamp the condition has held since, or nil.
func (g *DurationGate) Since() *time.Time {
	return g.since
}

// Elapsed returns how long the condition has held as of now, or 0 if false.
func (g *DurationGate) Elapsed(now time.Time) time.Duration {
	if g.since == nil {
		return 0
	}
	return now.Sub(*g.since)
}

// Satisfied reports whether the condition has held continuously for at
// least required.
func (g *DurationGate) Satisfied(now time.Time, required time.Duration) bool {
	return g.since != nil && now.Sub(*g.since) >= required
}

// Remaining returns how much longer the condition must hold before
// Satisfied would return true, clamped to 0. Used to drive the UI's
// remainingStartDelay/remainingStopDelay countdowns.
func (g *DurationGate) Remaining(now time.Time, required time.Duration) time.Duration {
	if g.since == nil {
		return required
	}
	left := required - now.Sub(*g.since)
	if left < 0 {
		return 0
	}
	return left
}

// Reset clears the gate unconditionally.
func (g *DurationGate) Reset() {
	g.since = nil
}

// SetSince restores a gate from persisted state (e.g. ChargingContext
// loaded from the Store on startup).
func (g *DurationGate) SetSince(t *time.Time) {
	g.since = t
}
