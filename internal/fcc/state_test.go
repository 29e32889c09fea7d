package fcc

import (
	"net"
	"testing"
	"time"

	"github.com/iptvgw/iptvgw/internal/protocol"
)

func testMachine(t *testing.T) (*Machine, *[]string) {
	t.Helper()
	var calls []string
	m := New(Config{
		Rendezvous: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 5000},
		Actions: Actions{
			SendRequest:   func(addr *net.UDPAddr) { calls = append(calls, "send_request") },
			JoinMulticast: func() { calls = append(calls, "join_multicast") },
			LeaveUnicast:  func() { calls = append(calls, "leave_unicast") },
			SendTerminate: func() { calls = append(calls, "send_terminate") },
			OnFallback:    func(reason FallbackReason) { calls = append(calls, "fallback:"+string(reason)) },
		},
	})
	return m, &calls
}

func TestMachine_Start_TransitionsToRequested(t *testing.T) {
	m, calls := testMachine(t)
	m.Start(time.Now())
	if m.State() != StateRequested {
		t.Fatalf("expected Requested, got %v", m.State())
	}
	if len(*calls) != 1 || (*calls)[0] != "send_request" {
		t.Fatalf("expected send_request action, got %v", *calls)
	}
}

func TestMachine_Response_TransitionsToUnicastPending(t *testing.T) {
	m, _ := testMachine(t)
	now := time.Now()
	m.Start(now)

	m.OnControlFrame(now, protocol.FCCResponse, nil)
	if m.State() != StateUnicastPending {
		t.Fatalf("expected UnicastPending, got %v", m.State())
	}
}

func TestMachine_Response_WithRedirect_StaysRequestedAndResends(t *testing.T) {
	m, calls := testMachine(t)
	now := time.Now()
	m.Start(now)
	*calls = nil

	body := make([]byte, 6)
	copy(body, net.IPv4(10, 0, 0, 1).To4())
	body[4] = 0x1f
	body[5] = 0x90 // port 8080

	m.OnControlFrame(now, protocol.FCCResponse, body)
	if m.State() != StateRequested {
		t.Fatalf("expected still Requested after redirect, got %v", m.State())
	}
	if len(*calls) != 1 || (*calls)[0] != "send_request" {
		t.Fatalf("expected a re-send on redirect, got %v", *calls)
	}
}

func TestMachine_FirstUnicastPacket_ActivatesUnicast(t *testing.T) {
	m, _ := testMachine(t)
	now := time.Now()
	m.Start(now)
	m.OnControlFrame(now, protocol.FCCResponse, nil)

	m.OnUnicastPacket(now, 100)
	if m.State() != StateUnicastActive {
		t.Fatalf("expected UnicastActive, got %v", m.State())
	}
}

func TestMachine_SyncNotify_RequestsMulticastJoin(t *testing.T) {
	m, calls := testMachine(t)
	now := time.Now()
	m.Start(now)
	m.OnControlFrame(now, protocol.FCCResponse, nil)
	m.OnUnicastPacket(now, 100)
	*calls = nil

	m.OnControlFrame(now, protocol.FCCSyncNotify, nil)
	if m.State() != StateMcastRequested {
		t.Fatalf("expected McastRequested, got %v", m.State())
	}
	if len(*calls) != 1 || (*calls)[0] != "join_multicast" {
		t.Fatalf("expected join_multicast action, got %v", *calls)
	}
}

func TestMachine_MulticastCatchesUp_CompletesSwitchover(t *testing.T) {
	m, calls := testMachine(t)
	now := time.Now()
	m.Start(now)
	m.OnControlFrame(now, protocol.FCCResponse, nil)
	m.OnUnicastPacket(now, 100)
	m.OnControlFrame(now, protocol.FCCSyncNotify, nil)
	*calls = nil

	m.OnMulticastPacket(now, 50) // behind last forwarded unicast seq — ignored
	if m.State() != StateMcastRequested {
		t.Fatalf("expected still McastRequested while multicast lags, got %v", m.State())
	}

	m.OnMulticastPacket(now, 101) // caught up
	if m.State() != StateMcastActive {
		t.Fatalf("expected McastActive once multicast catches up, got %v", m.State())
	}
	if len(*calls) != 2 {
		t.Fatalf("expected leave_unicast and send_terminate actions, got %v", *calls)
	}
}

func TestMachine_SignalingTimeout_FallsBackToMcastActive(t *testing.T) {
	m, calls := testMachine(t)
	m.signalingTimeout = 10 * time.Millisecond
	now := time.Now()
	m.Start(now)
	*calls = nil

	m.Tick(now.Add(20 * time.Millisecond))
	if m.State() != StateMcastActive {
		t.Fatalf("expected McastActive fallback, got %v", m.State())
	}
	found := false
	for _, c := range *calls {
		if c == "fallback:signaling_timeout" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected fallback reason recorded, got %v", *calls)
	}
}

func TestMachine_UnicastStreamInterrupted_FallsBack(t *testing.T) {
	m, _ := testMachine(t)
	m.unicastTimeout = 10 * time.Millisecond
	now := time.Now()
	m.Start(now)
	m.OnControlFrame(now, protocol.FCCResponse, nil)
	m.OnUnicastPacket(now, 100)

	m.Tick(now.Add(50 * time.Millisecond))
	if m.State() != StateMcastActive {
		t.Fatalf("expected McastActive fallback after stream interruption, got %v", m.State())
	}
}

func TestMachine_SyncWaitCapElapsed_ProceedsWithoutNotify(t *testing.T) {
	m, _ := testMachine(t)
	m.syncWaitCap = 10 * time.Millisecond
	m.unicastTimeout = time.Hour
	now := time.Now()
	m.Start(now)
	m.OnControlFrame(now, protocol.FCCResponse, nil)
	m.OnUnicastPacket(now, 100)

	m.Tick(now.Add(50 * time.Millisecond))
	if m.State() != StateMcastRequested {
		t.Fatalf("expected McastRequested once sync-wait cap elapses, got %v", m.State())
	}
}
