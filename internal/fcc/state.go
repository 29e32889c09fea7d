// Package fcc implements the vendor Fast Channel Change client state
// machine: a short unicast burst negotiated over a control socket shaped
// like RTCP, falling back to a direct multicast join from any state on
// timeout or signaling failure.
package fcc

import (
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iptvgw/iptvgw/internal/protocol"
)

// State is one position in the FCC negotiation.
type State int32

const (
	StateInit State = iota
	StateRequested
	StateUnicastPending
	StateUnicastActive
	StateMcastRequested
	StateMcastActive
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateRequested:
		return "requested"
	case StateUnicastPending:
		return "unicast_pending"
	case StateUnicastActive:
		return "unicast_active"
	case StateMcastRequested:
		return "mcast_requested"
	case StateMcastActive:
		return "mcast_active"
	default:
		return "unknown"
	}
}

// Default timer durations, per spec.md §4.E.
const (
	DefaultSignalingTimeout = 3 * time.Second
	DefaultUnicastTimeout   = 5 * time.Second
	DefaultSyncWaitCap      = 10 * time.Second
)

// FallbackReason records why the machine took the Any→McastActive
// fallback edge, for logs/status.
type FallbackReason string

const (
	FallbackNone             FallbackReason = ""
	FallbackSignalingTimeout FallbackReason = "signaling_timeout"
	FallbackFirstPacket      FallbackReason = "first_unicast_packet_timeout"
	FallbackStreamInterrupt  FallbackReason = "unicast_stream_interrupted"
)

// Actions the machine asks its owner (the Stream Context) to perform. The
// machine itself does no I/O — it is driven by events and returns
// instructions, matching the teacher's callback-driven control-channel
// shape without embedding socket code in the state machine.
type Actions struct {
	SendRequest   func(addr *net.UDPAddr)
	JoinMulticast func()
	LeaveUnicast  func()
	SendTerminate func()
	OnFallback    func(reason FallbackReason)
}

// Machine drives one FCC session.
type Machine struct {
	mu sync.Mutex

	state   atomic.Int32
	actions Actions
	logger  *slog.Logger

	rendezvous *net.UDPAddr

	signalingTimeout time.Duration
	unicastTimeout   time.Duration
	syncWaitCap      time.Duration

	requestedAt   time.Time
	unicastSince  time.Time
	lastUnicastAt time.Time
	syncNotifyAt  time.Time

	lastForwardedSeq uint16
	haveLastSeq      bool
}

// Config configures a Machine.
type Config struct {
	Rendezvous       *net.UDPAddr
	SignalingTimeout time.Duration
	UnicastTimeout   time.Duration
	SyncWaitCap      time.Duration
	Actions          Actions
	Logger           *slog.Logger
}

// New creates a Machine in StateInit.
func New(cfg Config) *Machine {
	if cfg.SignalingTimeout <= 0 {
		cfg.SignalingTimeout = DefaultSignalingTimeout
	}
	if cfg.UnicastTimeout <= 0 {
		cfg.UnicastTimeout = DefaultUnicastTimeout
	}
	if cfg.SyncWaitCap <= 0 {
		cfg.SyncWaitCap = DefaultSyncWaitCap
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Machine{
		rendezvous:       cfg.Rendezvous,
		signalingTimeout: cfg.SignalingTimeout,
		unicastTimeout:   cfg.UnicastTimeout,
		syncWaitCap:      cfg.SyncWaitCap,
		actions:          cfg.Actions,
		logger:           cfg.Logger,
	}
	m.state.Store(int32(StateInit))
	return m
}

// State returns the machine's current state.
func (m *Machine) State() State {
	return State(m.state.Load())
}

func (m *Machine) setState(s State) {
	m.state.Store(int32(s))
}

// Start issues the initial FCC request: Init → Requested.
func (m *Machine) Start(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requestedAt = now
	m.setState(StateRequested)
	if m.actions.SendRequest != nil {
		m.actions.SendRequest(m.rendezvous)
	}
}

// OnControlFrame handles a control-byte-tagged datagram from the
// rendezvous socket.
func (m *Machine) OnControlFrame(now time.Time, tag byte, body []byte) {
	switch tag {
	case protocol.FCCResponse:
		m.onResponse(now, body)
	case protocol.FCCSyncNotify:
		m.onSyncNotify(now)
	}
}

func (m *Machine) onResponse(now time.Time, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != StateRequested {
		return
	}

	resp, err := protocol.ParseFCCResponse(body)
	if err != nil {
		return
	}
	if resp.Redirect != nil {
		// Requested → Requested (self-transition): reopen toward the new
		// rendezvous address and re-send.
		m.rendezvous = resp.Redirect
		m.requestedAt = now
		if m.actions.SendRequest != nil {
			m.actions.SendRequest(m.rendezvous)
		}
		return
	}
	m.setState(StateUnicastPending)
}

// OnUnicastPacket is called for every RTP packet arriving on the announced
// unicast media port.
func (m *Machine) OnUnicastPacket(now time.Time, seq uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateUnicastPending:
		m.unicastSince = now
		m.setState(StateUnicastActive)
	case StateUnicastActive:
	default:
		return
	}
	m.lastUnicastAt = now
	m.lastForwardedSeq = seq
	m.haveLastSeq = true
}

func (m *Machine) onSyncNotify(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != StateUnicastActive {
		return
	}
	m.transitionToMcastRequestedLocked(now)
}

func (m *Machine) transitionToMcastRequestedLocked(now time.Time) {
	m.syncNotifyAt = now
	m.setState(StateMcastRequested)
	if m.actions.JoinMulticast != nil {
		m.actions.JoinMulticast()
	}
}

// OnMulticastPacket is called for every packet arriving on the multicast
// socket once it has been joined.
func (m *Machine) OnMulticastPacket(now time.Time, seq uint16) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.State() != StateMcastRequested {
		return
	}

	if m.haveLastSeq && protocol.SeqDistance(seq, m.lastForwardedSeq) < 0 {
		// Multicast hasn't caught up to the last unicast-forwarded
		// sequence yet; keep forwarding unicast.
		return
	}

	m.setState(StateMcastActive)
	if m.actions.LeaveUnicast != nil {
		m.actions.LeaveUnicast()
	}
	if m.actions.SendTerminate != nil {
		m.actions.SendTerminate()
	}
}

// Tick runs the machine's timeout checks; callers invoke this once per
// worker tick, per spec.md §4.G's per-tick responsibilities.
func (m *Machine) Tick(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case StateRequested:
		if now.Sub(m.requestedAt) >= m.signalingTimeout {
			m.fallbackLocked(now, FallbackSignalingTimeout)
		}
	case StateUnicastPending:
		if now.Sub(m.requestedAt) >= m.unicastTimeout {
			m.fallbackLocked(now, FallbackFirstPacket)
		}
	case StateUnicastActive:
		if now.Sub(m.lastUnicastAt) >= m.unicastTimeout {
			m.fallbackLocked(now, FallbackStreamInterrupt)
			return
		}
		if now.Sub(m.unicastSince) >= m.syncWaitCap {
			// Sync-wait cap elapsed without an FCCSyncNotify: proceed to
			// McastRequested anyway, per spec.md §4.E.
			m.transitionToMcastRequestedLocked(now)
		}
	}
}

// fallbackLocked implements the Any→McastActive fallback edge: join
// multicast directly and record the reason.
func (m *Machine) fallbackLocked(now time.Time, reason FallbackReason) {
	m.setState(StateMcastActive)
	if m.actions.JoinMulticast != nil {
		m.actions.JoinMulticast()
	}
	if m.actions.OnFallback != nil {
		m.actions.OnFallback(reason)
	}
	m.logger.Info("fcc: fallback to direct multicast join", "reason", reason)
}
