// Package reorder implements the small fixed-size RTP reordering window
// spec.md §4.D describes: it absorbs the short out-of-order bursts typical
// of IGMP-delivered RTP without adding perceptible latency, recovering
// from a missing packet by timeout rather than waiting forever.
package reorder

import (
	"sync"
	"time"

	"github.com/iptvgw/iptvgw/internal/protocol"
)

// WindowSize is W, the number of reorder slots, indexed by seq mod W.
const WindowSize = 16

// DefaultTimeout is the bounded wait for a missing packet before it is
// declared lost and the window advances past it.
const DefaultTimeout = 50 * time.Millisecond

// Stats accumulates reorder-window counters for the status facility.
type Stats struct {
	OutOfOrder uint64
	Duplicates uint64
	Recovered  uint64
	Drops      uint64
}

type slot struct {
	occupied bool
	seq      uint16
	payload  []byte
}

// Emit is called, in sequence order, for every packet the window releases
// — either immediately (in-order) or once a gap is filled or timed out.
type Emit func(seq uint16, payload []byte)

// Window is a single-stream RTP reordering window. Not safe for
// concurrent use by more than one goroutine without external
// synchronization beyond what Push/CheckTimeout already provide.
type Window struct {
	mu sync.Mutex

	slots [WindowSize]slot

	expectedSeq uint16
	baseSeq     uint16
	firstPacket bool
	waiting     bool
	waitStart   time.Time
	timeout     time.Duration

	stats Stats
	emit  Emit
}

// New creates a Window that calls emit for every released packet.
func New(emit Emit) *Window {
	return &Window{
		firstPacket: true,
		timeout:     DefaultTimeout,
		emit:        emit,
	}
}

// Push admits a packet with sequence s and its payload, per spec.md §4.D's
// transition table.
func (w *Window) Push(now time.Time, s uint16, payload []byte) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.firstPacket {
		w.expectedSeq = s
		w.baseSeq = s
		w.firstPacket = false
		w.emit(s, payload)
		return
	}

	dist := protocol.SeqDistance(s, w.expectedSeq)

	switch {
	case dist == 0:
		// In-order.
		w.emit(s, payload)
		w.expectedSeq++
		w.flushContiguousLocked()

	case dist > 0 && dist < WindowSize:
		// Ahead, within the window: hold it.
		idx := s % WindowSize
		sl := &w.slots[idx]
		if sl.occupied && sl.seq == s {
			w.stats.Duplicates++
			return
		}
		if !w.waiting {
			w.waiting = true
			w.waitStart = now
		}
		sl.occupied = true
		sl.seq = s
		sl.payload = payload
		w.stats.OutOfOrder++

	case dist >= WindowSize:
		// Too far ahead: treat as a stream reset.
		w.resetLocked(s, payload)

	case dist < 0 && dist >= -4:
		// Behind, within a small late-arrival grace: duplicate.
		w.stats.Duplicates++

	default:
		// Far behind (wraparound-aware): also a stream reset.
		w.resetLocked(s, payload)
	}
}

// resetLocked drops all held slots and re-seeds the window at s, per
// spec.md §4.D's "too far ahead / far behind" transition.
func (w *Window) resetLocked(s uint16, payload []byte) {
	for i := range w.slots {
		w.slots[i] = slot{}
	}
	w.waiting = false
	w.expectedSeq = s
	w.baseSeq = s
	w.emit(s, payload)
}

// flushContiguousLocked releases any contiguous run of held slots starting
// at expectedSeq.
func (w *Window) flushContiguousLocked() {
	for {
		idx := w.expectedSeq % WindowSize
		sl := &w.slots[idx]
		if !sl.occupied || sl.seq != w.expectedSeq {
			return
		}
		w.emit(sl.seq, sl.payload)
		w.stats.Recovered++
		*sl = slot{}
		w.expectedSeq++
		if w.pendingCountLocked() == 0 {
			w.waiting = false
		}
	}
}

func (w *Window) pendingCountLocked() int {
	n := 0
	for _, sl := range w.slots {
		if sl.occupied {
			n++
		}
	}
	return n
}

// CheckTimeout recovers from a stalled gap: if a hole has been waiting
// ≥ timeout, the missing packet is declared lost, expected_seq advances
// past it, and any newly contiguous slots are flushed. Callers invoke this
// once per worker tick.
func (w *Window) CheckTimeout(now time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.waiting || now.Sub(w.waitStart) < w.timeout {
		return
	}

	// spec.md §4.D: a timed-out gap is counted as a drop, not a recovery —
	// only a held packet that gets emitted back in order (flushContiguousLocked)
	// counts toward Recovered.
	w.stats.Drops++
	w.expectedSeq++
	w.flushContiguousLocked()

	if w.pendingCountLocked() > 0 {
		w.waitStart = now
	} else {
		w.waiting = false
	}
}

// Stats returns a snapshot of the window's counters.
func (w *Window) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// Waiting reports whether the window currently has an open gap.
func (w *Window) Waiting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.waiting
}
