// Package rtsp implements the client-side RTSP 1.0 session state machine
// used to pull a stream from an RTSP-speaking upstream: OPTIONS/DESCRIBE/
// SETUP/PLAY negotiation, interleaved or UDP transport, keepalive, and an
// asynchronous TEARDOWN that defers final cleanup until the response (or a
// bounded timeout) arrives.
package rtsp

import (
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"
)

// State is one position in the RTSP session lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOptionsSent
	StateDescribeSent
	StateSetupSent
	StatePlaySent
	StatePlaying
	StateTeardown
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOptionsSent:
		return "options_sent"
	case StateDescribeSent:
		return "describe_sent"
	case StateSetupSent:
		return "setup_sent"
	case StatePlaySent:
		return "play_sent"
	case StatePlaying:
		return "playing"
	case StateTeardown:
		return "teardown"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Transport is the negotiated media transport mode.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportInterleaved
	TransportUDP
)

// Actions are the side effects the owning Stream Context performs on
// behalf of the session; the state machine itself issues no I/O.
type Actions struct {
	SendRequest func(method, uri string, headers map[string]string, cseq int)
	OnPlaying   func()
	OnTeardownComplete func()

	// OnTransportNegotiated, if set, is called once SETUP's response has
	// been parsed, reporting the transport the server actually accepted —
	// which may differ from what was requested if it doesn't support UDP.
	// The Stream Context uses this to release an unused UDP media socket
	// when the server falls back to interleaved.
	OnTransportNegotiated func(Transport)
}

// Session drives one RTSP client conversation against a single upstream
// URL.
type Session struct {
	mu sync.Mutex

	state   State
	actions Actions
	logger  *slog.Logger

	serverURL  *url.URL
	sessionID  string
	transport  Transport
	preferUDP  bool
	clientPort int

	cseq           int
	outstandingReq string

	keepaliveInterval time.Duration
	lastKeepalive     time.Time

	playseek string

	teardownDeadline time.Time
	teardownPending  bool
}

// Config configures a Session.
type Config struct {
	ServerURL *url.URL
	Playseek  string
	Actions   Actions
	Logger    *slog.Logger

	// PreferUDP requests Transport: RTP/AVP;unicast;client_port=p-p+1 in
	// SETUP instead of the default interleaved-over-TCP transport.
	// Ignored (treated as false) unless ClientPort is also set.
	PreferUDP bool

	// ClientPort is the local RTP port advertised in the UDP transport
	// request (RTCP is ClientPort+1). The caller binds this port before
	// starting the session so the number is already known.
	ClientPort int
}

// New creates a Session in StateIdle.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{
		state:      StateIdle,
		actions:    cfg.Actions,
		logger:     cfg.Logger,
		serverURL:  cfg.ServerURL,
		playseek:   cfg.Playseek,
		preferUDP:  cfg.PreferUDP && cfg.ClientPort > 0,
		clientPort: cfg.ClientPort,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start begins the negotiation: Idle → Connecting → (immediately) sends
// OPTIONS, moving to OptionsSent.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateConnecting
	s.sendLocked(StateOptionsSent, "OPTIONS", s.serverURL.String(), nil)
}

func (s *Session) sendLocked(next State, method, uri string, headers map[string]string) {
	s.cseq++
	s.outstandingReq = method
	s.state = next
	if headers == nil {
		headers = map[string]string{}
	}
	if s.actions.SendRequest != nil {
		s.actions.SendRequest(method, uri, headers, s.cseq)
	}
}

// OnResponse handles a response matched by CSeq to the outstanding
// request. statusOK reports whether the response was a 200 OK (or
// equivalent); headers carries any Session:/Transport: values the caller
// already parsed out of the response.
func (s *Session) OnResponse(cseq int, statusOK bool, headers map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cseq != s.cseq {
		return // stale or mismatched response
	}
	if !statusOK {
		return
	}

	switch s.state {
	case StateOptionsSent:
		s.sendLocked(StateDescribeSent, "DESCRIBE", s.serverURL.String(), nil)

	case StateDescribeSent:
		setupHeaders := map[string]string{"Transport": s.transportRequestLocked()}
		s.sendLocked(StateSetupSent, "SETUP", s.serverURL.String(), setupHeaders)

	case StateSetupSent:
		if sid, ok := headers["Session"]; ok {
			s.sessionID = sid
		}
		s.parseTransportLocked(headers["Transport"])
		if s.actions.OnTransportNegotiated != nil {
			s.actions.OnTransportNegotiated(s.transport)
		}
		playHeaders := map[string]string{}
		if s.sessionID != "" {
			playHeaders["Session"] = s.sessionID
		}
		if s.playseek != "" {
			playHeaders["Range"] = s.playseek
		}
		s.sendLocked(StatePlaySent, "PLAY", s.serverURL.String(), playHeaders)

	case StatePlaySent:
		s.state = StatePlaying
		s.lastKeepalive = time.Now()
		if s.actions.OnPlaying != nil {
			s.actions.OnPlaying()
		}

	case StateTeardown:
		s.teardownPending = false
		s.state = StateClosed
		if s.actions.OnTeardownComplete != nil {
			s.actions.OnTeardownComplete()
		}
	}
}

// transportRequestLocked builds SETUP's Transport header: a UDP unicast
// request when the session was configured with a client port, else the
// default interleaved-over-TCP form.
func (s *Session) transportRequestLocked() string {
	if s.preferUDP {
		return fmt.Sprintf("RTP/AVP;unicast;client_port=%d-%d", s.clientPort, s.clientPort+1)
	}
	return "RTP/AVP/TCP;interleaved=0-1"
}

func (s *Session) parseTransportLocked(transportHeader string) {
	if transportHeader == "" {
		return
	}
	if containsInterleaved(transportHeader) {
		s.transport = TransportInterleaved
	} else {
		s.transport = TransportUDP
	}
}

func containsInterleaved(h string) bool {
	for i := 0; i+11 <= len(h); i++ {
		if h[i:i+11] == "interleaved" {
			return true
		}
	}
	return false
}

// SetKeepaliveInterval sets keepalive_interval_ms, typically derived from a
// Session: ...;timeout= header value by the caller.
func (s *Session) SetKeepaliveInterval(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepaliveInterval = d
}

// Tick drives time-based behavior: in Playing with UDP transport and a
// positive keepalive interval, sends OPTIONS whenever the interval has
// elapsed, per spec.md §4.F. Failures are the caller's concern (OnResponse
// is simply never matched); the session does not tear down on a missed
// keepalive.
func (s *Session) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying {
		return
	}
	if s.transport != TransportUDP || s.keepaliveInterval <= 0 {
		return
	}
	if now.Sub(s.lastKeepalive) < s.keepaliveInterval {
		return
	}
	s.lastKeepalive = now
	s.cseq++
	headers := map[string]string{}
	if s.sessionID != "" {
		headers["Session"] = s.sessionID
	}
	if s.actions.SendRequest != nil {
		s.actions.SendRequest("OPTIONS", s.serverURL.String(), headers, s.cseq)
	}
}

// Teardown issues an asynchronous TEARDOWN when Playing: the session
// moves to StateTeardown and reports an "async in progress" signal so the
// caller (Stream Context) defers final destruction until OnResponse or
// TeardownTimedOut fires.
func (s *Session) Teardown(now time.Time, timeout time.Duration) (asyncInProgress bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StatePlaying {
		s.state = StateClosed
		return false
	}

	s.teardownDeadline = now.Add(timeout)
	s.teardownPending = true
	s.sendLocked(StateTeardown, "TEARDOWN", s.serverURL.String(), map[string]string{"Session": s.sessionID})
	return true
}

// TeardownTimedOut reports whether an in-progress TEARDOWN's bounded
// timeout has elapsed without a matching response, in which case the
// caller should force-close regardless.
func (s *Session) TeardownTimedOut(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.teardownPending && now.After(s.teardownDeadline)
}

// SessionID returns the negotiated RTSP Session id.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// TransportMode returns the negotiated transport.
func (s *Session) TransportMode() Transport {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transport
}
