package conn

import "time"

// ewmaAlpha is the exponential moving average smoothing factor applied to
// queued bytes, per spec.md §4.C.
const ewmaAlpha = 0.2

// slowAssertDuration is how long the EWMA must stay above the assert
// threshold before the slow-flag is raised.
const slowAssertDuration = 3 * time.Second

// Tracker maintains one connection's EWMA of queued bytes and its
// slow-flag state. Not safe for concurrent use; owned by one Connection.
type Tracker struct {
	ewma        float64
	initialized bool

	slow          bool
	aboveSince    time.Time
	aboveAsserted bool
}

// Observe folds a new queued-bytes sample into the EWMA and updates the
// slow-flag using thresholds derived from fair and the controller's
// unclamped limit. now is passed in explicitly so callers can drive the
// clock in tests.
func (t *Tracker) Observe(now time.Time, queuedBytes int64, fair int64, unclampedLimit int64) {
	sample := float64(queuedBytes)
	if !t.initialized {
		t.ewma = sample
		t.initialized = true
	} else {
		t.ewma = ewmaAlpha*sample + (1-ewmaAlpha)*t.ewma
	}

	assertThreshold := float64(fair) * 1.5
	if cap := float64(unclampedLimit) * 0.9; cap < assertThreshold {
		assertThreshold = cap
	}
	clearThreshold := float64(fair) * 1.1
	if cap := float64(unclampedLimit) * 0.75; cap < clearThreshold {
		clearThreshold = cap
	}

	switch {
	case t.slow:
		if t.ewma < clearThreshold {
			t.slow = false
			t.aboveAsserted = false
		}
	case t.ewma > assertThreshold:
		if !t.aboveAsserted {
			t.aboveAsserted = true
			t.aboveSince = now
		} else if now.Sub(t.aboveSince) >= slowAssertDuration {
			t.slow = true
		}
	default:
		t.aboveAsserted = false
	}
}

// Slow reports whether the slow-flag is currently asserted.
func (t *Tracker) Slow() bool {
	return t.slow
}

// EWMA returns the current exponential moving average of queued bytes.
func (t *Tracker) EWMA() float64 {
	return t.ewma
}
