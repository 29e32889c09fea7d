package status

import "testing"

func TestIndex_RegisterGetUnregister(t *testing.T) {
	idx := New(4)

	slot := idx.Register("conn-1", "10.0.0.5:4000", "news1")
	if slot < 0 {
		t.Fatalf("expected a valid slot, got %d", slot)
	}
	snap, ok := idx.Get(slot)
	if !ok {
		t.Fatal("expected snapshot to exist")
	}
	if snap.ConnID != "conn-1" || snap.Service != "news1" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	idx.Unregister(slot)
	if _, ok := idx.Get(slot); ok {
		t.Fatal("expected snapshot to be gone after Unregister")
	}
}

func TestIndex_CapacityExhausted(t *testing.T) {
	idx := New(2)
	if s := idx.Register("a", "", ""); s < 0 {
		t.Fatal("expected first registration to succeed")
	}
	if s := idx.Register("b", "", ""); s < 0 {
		t.Fatal("expected second registration to succeed")
	}
	if s := idx.Register("c", "", ""); s != -1 {
		t.Fatalf("expected -1 once capacity is exhausted, got %d", s)
	}
}

func TestIndex_ReportQueueEvent_UpdatesByConnID(t *testing.T) {
	idx := New(4)
	slot := idx.Register("conn-1", "", "")

	idx.ReportQueueEvent("conn-1", 4096, 8192, true, true)

	snap, _ := idx.Get(slot)
	if snap.QueuedBytes != 4096 || snap.QueueLimit != 8192 || !snap.Slow {
		t.Fatalf("unexpected snapshot after ReportQueueEvent: %+v", snap)
	}
	if snap.DroppedPackets != 1 {
		t.Fatalf("expected DroppedPackets=1, got %d", snap.DroppedPackets)
	}

	idx.ReportQueueEvent("no-such-conn", 1, 1, false, false)
}

func TestIndex_SetStateAndBandwidth(t *testing.T) {
	idx := New(4)
	slot := idx.Register("conn-1", "", "")

	idx.SetState(slot, "streaming")
	idx.SetBandwidth(slot, 12345)

	snap, _ := idx.Get(slot)
	if snap.State != "streaming" || snap.BandwidthBps != 12345 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestIndex_RequestDisconnect_ObservedOnce(t *testing.T) {
	idx := New(4)
	slot := idx.Register("conn-1", "", "")

	if idx.DisconnectRequested(slot) {
		t.Fatal("expected no pending disconnect before RequestDisconnect")
	}
	if !idx.RequestDisconnect(slot) {
		t.Fatal("expected RequestDisconnect to succeed on a registered slot")
	}
	if !idx.DisconnectRequested(slot) {
		t.Fatal("expected DisconnectRequested to report the pending flag")
	}
	if idx.DisconnectRequested(slot) {
		t.Fatal("expected DisconnectRequested to clear after first observation")
	}
}

func TestIndex_RequestDisconnect_UnregisteredSlot(t *testing.T) {
	idx := New(4)
	if idx.RequestDisconnect(0) {
		t.Fatal("expected RequestDisconnect to fail on an unregistered slot")
	}
}

func TestIndex_ActiveCount_TracksRegisterUnregister(t *testing.T) {
	idx := New(4)
	if n := idx.ActiveCount(); n != 0 {
		t.Fatalf("expected 0 active on a fresh index, got %d", n)
	}

	a := idx.Register("a", "", "")
	b := idx.Register("b", "", "")
	if n := idx.ActiveCount(); n != 2 {
		t.Fatalf("expected 2 active after two registrations, got %d", n)
	}

	idx.Unregister(a)
	if n := idx.ActiveCount(); n != 1 {
		t.Fatalf("expected 1 active after one unregister, got %d", n)
	}

	// Unregistering an already-unregistered slot must not double-decrement.
	idx.Unregister(a)
	if n := idx.ActiveCount(); n != 1 {
		t.Fatalf("expected repeated Unregister to be a no-op, got %d", n)
	}

	idx.Unregister(b)
	if n := idx.ActiveCount(); n != 0 {
		t.Fatalf("expected 0 active once all connections are unregistered, got %d", n)
	}
}

func TestIndex_All_ListsOnlyRegistered(t *testing.T) {
	idx := New(4)
	idx.Register("a", "", "svc-a")
	s2 := idx.Register("b", "", "svc-b")
	idx.Unregister(s2)

	all := idx.All()
	if len(all) != 1 {
		t.Fatalf("expected 1 registered snapshot, got %d", len(all))
	}
	if all[0].ConnID != "a" {
		t.Fatalf("unexpected snapshot: %+v", all[0])
	}
}
