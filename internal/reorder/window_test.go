package reorder

import (
	"testing"
	"time"
)

func TestWindow_FirstPacket_SeedsAndEmits(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })

	w.Push(time.Now(), 100, []byte("a"))
	if len(emitted) != 1 || emitted[0] != 100 {
		t.Fatalf("expected first packet emitted immediately, got %v", emitted)
	}
}

func TestWindow_InOrder_EmitsImmediately(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })
	now := time.Now()

	w.Push(now, 1, nil)
	w.Push(now, 2, nil)
	w.Push(now, 3, nil)

	want := []uint16{1, 2, 3}
	if !seqEqual(emitted, want) {
		t.Fatalf("expected %v, got %v", want, emitted)
	}
}

func TestWindow_OutOfOrder_HoldsThenFlushesContiguous(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })
	now := time.Now()

	w.Push(now, 1, nil)
	w.Push(now, 3, nil) // held — gap at 2
	if len(emitted) != 1 {
		t.Fatalf("expected packet 3 held pending packet 2, got emitted=%v", emitted)
	}
	if !w.Waiting() {
		t.Fatal("expected waiting=true once a gap is opened")
	}

	w.Push(now, 2, nil) // fills the gap
	want := []uint16{1, 2, 3}
	if !seqEqual(emitted, want) {
		t.Fatalf("expected %v after gap fill, got %v", want, emitted)
	}
	if w.Waiting() {
		t.Fatal("expected waiting=false once gap is filled")
	}
	if w.Stats().Recovered != 1 {
		t.Fatalf("expected 1 recovered packet (the held 3, flushed once 2 arrived), got %d", w.Stats().Recovered)
	}
}

// TestWindow_OutOfOrder_SpecScenario2 reproduces spec.md §8 scenario 2's
// exact sequence and counter expectations: seqs 100,101,103,102,104 must
// emit in order with out_of_order=1, recovered=1, drops=0.
func TestWindow_OutOfOrder_SpecScenario2(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })
	now := time.Now()

	for _, seq := range []uint16{100, 101, 103, 102, 104} {
		w.Push(now, seq, nil)
	}

	want := []uint16{100, 101, 102, 103, 104}
	if !seqEqual(emitted, want) {
		t.Fatalf("expected %v, got %v", want, emitted)
	}
	stats := w.Stats()
	if stats.OutOfOrder != 1 {
		t.Errorf("expected OutOfOrder=1, got %d", stats.OutOfOrder)
	}
	if stats.Recovered != 1 {
		t.Errorf("expected Recovered=1, got %d", stats.Recovered)
	}
	if stats.Drops != 0 {
		t.Errorf("expected Drops=0, got %d", stats.Drops)
	}
}

func TestWindow_Duplicate_Discarded(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })
	now := time.Now()

	w.Push(now, 1, nil)
	w.Push(now, 3, nil)
	w.Push(now, 3, nil) // duplicate of held slot

	if w.Stats().Duplicates != 1 {
		t.Errorf("expected 1 duplicate counted, got %d", w.Stats().Duplicates)
	}
}

func TestWindow_TimeoutRecovery_DeclaresLossAndAdvances(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })
	w.timeout = 10 * time.Millisecond
	now := time.Now()

	w.Push(now, 1, nil)
	w.Push(now, 3, nil) // gap at 2

	w.CheckTimeout(now) // too soon
	if w.Stats().Drops != 0 {
		t.Fatal("expected no drop before timeout elapses")
	}

	later := now.Add(20 * time.Millisecond)
	w.CheckTimeout(later)

	want := []uint16{1, 3}
	if !seqEqual(emitted, want) {
		t.Fatalf("expected %v after timeout recovery (2 declared lost), got %v", want, emitted)
	}
	if w.Stats().Drops != 1 {
		t.Errorf("expected 1 drop counted, got %d", w.Stats().Drops)
	}
	if w.Waiting() {
		t.Fatal("expected waiting=false once recovered gap is cleared")
	}
}

func TestWindow_TooFarAhead_ResetsStream(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })
	now := time.Now()

	w.Push(now, 1, nil)
	w.Push(now, 1+WindowSize+10, nil) // far beyond the window: reset

	want := []uint16{1, 1 + WindowSize + 10}
	if !seqEqual(emitted, want) {
		t.Fatalf("expected reset to re-seed and emit immediately, got %v", emitted)
	}
	if w.Waiting() {
		t.Fatal("expected waiting=false after a reset")
	}
}

func TestWindow_WraparoundBoundary_TreatedInOrder(t *testing.T) {
	var emitted []uint16
	w := New(func(seq uint16, payload []byte) { emitted = append(emitted, seq) })
	now := time.Now()

	w.Push(now, 65534, nil)
	w.Push(now, 65535, nil)
	w.Push(now, 0, nil) // wraps around uint16

	want := []uint16{65534, 65535, 0}
	if !seqEqual(emitted, want) {
		t.Fatalf("expected wraparound handled as in-order, got %v", emitted)
	}
}

func seqEqual(a, b []uint16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
