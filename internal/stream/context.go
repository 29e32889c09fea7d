package stream

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/iptvgw/iptvgw/internal/conn"
	"github.com/iptvgw/iptvgw/internal/fcc"
	"github.com/iptvgw/iptvgw/internal/pool"
	"github.com/iptvgw/iptvgw/internal/protocol"
	"github.com/iptvgw/iptvgw/internal/reorder"
	"github.com/iptvgw/iptvgw/internal/rtsp"
)

// ErrUnsupportedService is returned when a Service names neither RTSP nor
// a multicast group.
var ErrUnsupportedService = errors.New("stream: service has no upstream protocol")

// Dialer opens the sockets a Context needs; implementations live in
// internal/worker (real IGMP join, SO_REUSEPORT-aware dial) while tests
// inject a fake.
type Dialer interface {
	JoinMulticast(group, source net.IP, port int) (net.PacketConn, error)
	Rejoin(pc net.PacketConn, group, source net.IP) error
	DialUDP() (net.PacketConn, error)
	DialRTSP(addr string) (net.Conn, error)
}

// Config configures a Context.
type Config struct {
	Service        *Service
	Dialer         Dialer
	Connection     *conn.Connection
	Pool           *pool.Pool
	RejoinInterval time.Duration // 0 disables periodic rejoin
	Logger         *slog.Logger
}

// Context composes the buffer pool, send queue/connection, RTP reorder
// window, and FCC/RTSP session state machines for one client's upstream,
// per spec.md §4.G.
type Context struct {
	mu sync.Mutex

	service *Service
	dialer  Dialer
	cn      *conn.Connection
	pool    *pool.Pool
	logger  *slog.Logger

	window *reorder.Window
	fccM   *fcc.Machine
	rtspS  *rtsp.Session

	multicastConn net.PacketConn
	fccConn       net.PacketConn
	rtspConn      net.Conn
	rtpConn       net.PacketConn // optional UDP media socket for RTSP

	rejoinInterval time.Duration
	lastRejoin     time.Time
	lastMcastPkt   time.Time
	lastFCCPkt     time.Time
	lastBandwidth  time.Time

	bytesSent       int64
	lastSecondBytes int64
	snapshotBps     int64

	closed bool
}

// New composes a Context for service: RTSP if service.IsRTSP(), FCC if
// service.HasFCC(), else a direct multicast join — per spec.md §4.G
// "On init, inspects the service".
func New(cfg Config) (*Context, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Context{
		service:        cfg.Service,
		dialer:         cfg.Dialer,
		cn:             cfg.Connection,
		pool:           cfg.Pool,
		logger:         cfg.Logger,
		rejoinInterval: cfg.RejoinInterval,
	}
	c.window = reorder.New(c.emit)

	switch {
	case cfg.Service.IsRTSP():
		if err := c.startRTSP(); err != nil {
			return nil, err
		}
	case cfg.Service.HasFCC():
		if err := c.startFCC(); err != nil {
			return nil, err
		}
	case cfg.Service.Group != nil:
		if err := c.startDirectMulticast(); err != nil {
			return nil, err
		}
	default:
		return nil, ErrUnsupportedService
	}
	return c, nil
}

func (c *Context) startDirectMulticast() error {
	pc, err := c.dialer.JoinMulticast(c.service.Group, c.service.Source, c.service.Port)
	if err != nil {
		return fmt.Errorf("joining multicast: %w", err)
	}
	c.multicastConn = pc
	return nil
}

func (c *Context) startFCC() error {
	pc, err := c.dialer.DialUDP()
	if err != nil {
		return fmt.Errorf("opening FCC rendezvous socket: %w", err)
	}
	c.fccConn = pc

	c.fccM = fcc.New(fcc.Config{
		Rendezvous: c.service.Rendezvous,
		Logger:     c.logger,
		Actions: fcc.Actions{
			SendRequest: func(addr *net.UDPAddr) {
				body := protocol.WriteFCCRequest(c.service.Name)
				_, _ = c.fccConn.WriteTo(body, addr)
			},
			JoinMulticast: func() {
				mpc, err := c.dialer.JoinMulticast(c.service.Group, c.service.Source, c.service.Port)
				if err != nil {
					c.logger.Error("fcc: multicast join failed", "error", err)
					return
				}
				c.mu.Lock()
				c.multicastConn = mpc
				c.mu.Unlock()
			},
			LeaveUnicast: func() {
				c.mu.Lock()
				fc := c.fccConn
				c.fccConn = nil
				c.mu.Unlock()
				if fc != nil {
					_ = fc.Close()
				}
			},
			SendTerminate: func() {
				// fccConn already closed by LeaveUnicast; terminate is a
				// best-effort courtesy the socket close already implies.
			},
			OnFallback: func(reason fcc.FallbackReason) {
				c.logger.Info("fcc: fell back to direct multicast", "reason", reason, "service", c.service.Name)
			},
		},
	})
	return nil
}

func (c *Context) startRTSP() error {
	rconn, err := c.dialer.DialRTSP(c.service.RTSPURL.Host)
	if err != nil {
		return fmt.Errorf("dialing RTSP upstream: %w", err)
	}

	var clientPort int
	if c.service.RTSPPreferUDP {
		upc, err := c.dialer.DialUDP()
		if err != nil {
			c.logger.Warn("rtsp: opening UDP media socket failed, requesting interleaved instead", "service", c.service.Name, "error", err)
		} else if addr, ok := upc.LocalAddr().(*net.UDPAddr); ok && addr.Port > 0 {
			c.rtpConn = upc
			clientPort = addr.Port
		} else {
			_ = upc.Close()
		}
	}

	c.rtspS = rtsp.New(rtsp.Config{
		ServerURL:  c.service.RTSPURL,
		Playseek:   c.service.Playseek,
		PreferUDP:  c.rtpConn != nil,
		ClientPort: clientPort,
		Logger:     c.logger,
		Actions: rtsp.Actions{
			SendRequest: func(method, uri string, headers map[string]string, cseq int) {
				req := formatRTSPRequest(method, uri, headers, cseq)
				if _, err := rconn.Write([]byte(req)); err != nil {
					c.logger.Warn("rtsp: write failed", "method", method, "error", err)
				}
			},
			// The server may not support the requested UDP transport and
			// fall back to interleaved in its SETUP response; when that
			// happens the media socket opened above is never used, so
			// release it rather than leaking it for the stream's lifetime.
			OnTransportNegotiated: func(t rtsp.Transport) {
				if t == rtsp.TransportUDP {
					return
				}
				c.mu.Lock()
				pc := c.rtpConn
				c.rtpConn = nil
				c.mu.Unlock()
				if pc != nil {
					_ = pc.Close()
				}
			},
		},
	})
	c.mu.Lock()
	c.rtspConn = rconn
	c.mu.Unlock()
	c.rtspS.Start()
	return nil
}

func formatRTSPRequest(method, uri string, headers map[string]string, cseq int) string {
	s := fmt.Sprintf("%s %s RTSP/1.0\r\nCSeq: %d\r\n", method, uri, cseq)
	for k, v := range headers {
		s += fmt.Sprintf("%s: %s\r\n", k, v)
	}
	return s + "\r\n"
}

// emit is the reorder window's delivery callback: it wraps payload in a
// pool Buffer and admits it into the owning Connection's send queue.
func (c *Context) emit(seq uint16, payload []byte) {
	if c.cn == nil {
		return
	}
	buf, err := c.pool.Get()
	if err != nil {
		c.logger.Warn("stream: pool exhausted, dropping packet", "seq", seq, "service", c.service.Name)
		return
	}
	buf.SetData(payload)
	c.cn.TryEnqueue(time.Now(), buf)
	c.mu.Lock()
	c.bytesSent += int64(len(payload))
	c.lastSecondBytes += int64(len(payload))
	c.mu.Unlock()
}

// emitRaw forwards a datagram straight to the client's send queue without
// going through the reorder window, for upstreams that speak raw UDP (bare
// MPEG-TS, no RTP framing) rather than RTP — per spec.md §4.D, one of the
// three upstream protocols this gateway must accept. There is no sequence
// number to reorder by, so these packets bypass reordering entirely and
// are forwarded in receive order.
func (c *Context) emitRaw(payload []byte) {
	if c.cn == nil {
		return
	}
	buf, err := c.pool.Get()
	if err != nil {
		c.logger.Warn("stream: pool exhausted, dropping raw packet", "service", c.service.Name)
		return
	}
	buf.SetData(payload)
	c.cn.TryEnqueue(time.Now(), buf)
	c.mu.Lock()
	c.bytesSent += int64(len(payload))
	c.lastSecondBytes += int64(len(payload))
	c.mu.Unlock()
}

// OnMulticastPacket feeds one datagram received on the multicast socket.
// It runs protocol.LooksLikeRTP ahead of the full parse, per spec.md §4.D's
// RTP/raw-UDP distinction: datagrams that don't look like RTP (and ones
// that do but fail the stricter parse) are forwarded as opaque MPEG-TS
// instead of being dropped.
func (c *Context) OnMulticastPacket(now time.Time, data []byte) {
	c.mu.Lock()
	c.lastMcastPkt = now
	c.mu.Unlock()

	if !protocol.LooksLikeRTP(data) {
		c.emitRaw(data)
		return
	}
	seq, _, payload, err := protocol.ParseRTP(data)
	if err != nil {
		c.emitRaw(data)
		return
	}
	if c.fccM != nil {
		c.fccM.OnMulticastPacket(now, seq)
	}
	c.window.Push(now, seq, payload)
}

// OnFCCPacket feeds one datagram received on the FCC rendezvous/unicast
// socket: a tagged control frame, an RTP-framed unicast media packet, or
// (per spec.md §4.D) a raw UDP/MPEG-TS packet forwarded as-is.
func (c *Context) OnFCCPacket(now time.Time, data []byte) {
	if len(data) == 0 {
		return
	}
	if tag, body, err := protocol.ParseFCCControl(data); err == nil && isFCCControlTag(tag) {
		c.fccM.OnControlFrame(now, tag, body)
		return
	}

	c.mu.Lock()
	c.lastFCCPkt = now
	c.mu.Unlock()

	if !protocol.LooksLikeRTP(data) {
		c.emitRaw(data)
		return
	}
	seq, _, payload, err := protocol.ParseRTP(data)
	if err != nil {
		c.emitRaw(data)
		return
	}
	c.fccM.OnUnicastPacket(now, seq)
	c.window.Push(now, seq, payload)
}

func isFCCControlTag(tag byte) bool {
	switch tag {
	case protocol.FCCRequest, protocol.FCCResponse, protocol.FCCSyncNotify, protocol.FCCTerminate:
		return true
	default:
		return false
	}
}

// MulticastConn returns the current direct-or-post-fallback multicast
// socket, or nil if none is active (e.g. still in FCC unicast phase).
func (c *Context) MulticastConn() net.PacketConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.multicastConn
}

// FCCConn returns the FCC rendezvous/unicast socket, or nil if this
// Context isn't FCC-assisted or the unicast phase has ended.
func (c *Context) FCCConn() net.PacketConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fccConn
}

// RTSPConn returns the RTSP control connection, or nil if this Context
// isn't RTSP-backed or it has been torn down.
func (c *Context) RTSPConn() net.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtspConn
}

// RTPConn returns the UDP media socket negotiated for an RTSP service's
// UDP transport, or nil if this Context uses interleaved transport (or
// isn't RTSP-backed at all).
func (c *Context) RTPConn() net.PacketConn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rtpConn
}

// OnRTSPResponse feeds one parsed RTSP response to the session state
// machine. The caller is responsible for reading and parsing frames off
// RTSPConn; see internal/gateway's RTSP response reader.
func (c *Context) OnRTSPResponse(cseq int, statusOK bool, headers map[string]string) {
	if c.rtspS == nil {
		return
	}
	c.rtspS.OnResponse(cseq, statusOK, headers)
}

// OnRTSPInterleavedPacket feeds one payload received as an interleaved
// binary frame on the RTSP control connection (negotiated via either
// Transport: RTP/AVP/TCP;interleaved=0-1 or a UDP transport's media
// socket). Non-RTP frames are forwarded as opaque MPEG-TS rather than
// dropped, per spec.md §4.D.
func (c *Context) OnRTSPInterleavedPacket(now time.Time, data []byte) {
	if !protocol.LooksLikeRTP(data) {
		c.emitRaw(data)
		return
	}
	seq, _, payload, err := protocol.ParseRTP(data)
	if err != nil {
		c.emitRaw(data)
		return
	}
	c.window.Push(now, seq, payload)
}

// ForceRejoin issues an unconditional IGMP drop+join on the live
// multicast socket, resetting the periodic-rejoin timer, regardless of
// whether rejoinInterval has elapsed. It is a no-op if the stream has no
// multicast socket (e.g. still in its FCC catch-up phase). Used both by
// Tick's own interval check and by an operator-scheduled rejoin sweep
// (see internal/scheduler).
func (c *Context) ForceRejoin(now time.Time) {
	c.mu.Lock()
	mc := c.multicastConn
	svc := c.service
	if mc == nil {
		c.mu.Unlock()
		return
	}
	c.lastRejoin = now
	c.mu.Unlock()

	if err := c.dialer.Rejoin(mc, svc.Group, svc.Source); err != nil {
		c.logger.Warn("stream: multicast rejoin failed", "service", svc.Name, "error", err)
	}
}

// Tick runs the per-tick responsibilities of spec.md §4.G: periodic
// multicast rejoin, FCC/RTSP timeout checks, reorder timeout recovery,
// and the once-a-second bandwidth snapshot.
func (c *Context) Tick(now time.Time) {
	c.mu.Lock()
	due := c.rejoinInterval > 0 && c.multicastConn != nil && now.Sub(c.lastRejoin) >= c.rejoinInterval
	c.mu.Unlock()
	if due {
		c.ForceRejoin(now)
	}

	if c.fccM != nil {
		c.fccM.Tick(now)
	}
	if c.rtspS != nil {
		c.rtspS.Tick(now)
	}
	c.window.CheckTimeout(now)

	c.mu.Lock()
	if now.Sub(c.lastBandwidth) >= time.Second {
		c.snapshotBps = c.lastSecondBytes
		c.lastSecondBytes = 0
		c.lastBandwidth = now
	}
	c.mu.Unlock()
}

// BandwidthSnapshot returns the bytes sent in the most recently completed
// one-second window.
func (c *Context) BandwidthSnapshot() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotBps
}

// BytesSent returns the cumulative bytes sent to the client over this
// Context's lifetime.
func (c *Context) BytesSent() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesSent
}

// Close releases reorder slots and closes upstream sockets, per spec.md
// §4.G "On teardown ... does not free the service". If an RTSP TEARDOWN
// is asynchronous, Close returns true and the caller must defer final
// Connection destruction until a later call completes the teardown or
// its timeout elapses (rtsp.Session.TeardownTimedOut).
func (c *Context) Close(now time.Time) (asyncTeardown bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true

	if c.rtspS != nil {
		if c.rtspS.Teardown(now, 3*time.Second) {
			asyncTeardown = true
		}
	}
	if c.multicastConn != nil {
		_ = c.multicastConn.Close()
		c.multicastConn = nil
	}
	if c.fccConn != nil {
		_ = c.fccConn.Close()
		c.fccConn = nil
	}
	if c.rtpConn != nil {
		_ = c.rtpConn.Close()
		c.rtpConn = nil
	}
	if c.rtspConn != nil && !asyncTeardown {
		_ = c.rtspConn.Close()
		c.rtspConn = nil
	}
	return asyncTeardown
}

// TeardownFinished reports whether a deferred async RTSP TEARDOWN has
// completed or timed out, in which case the caller may finally close the
// RTSP control connection and free the Context.
func (c *Context) TeardownFinished(now time.Time) bool {
	if c.rtspS == nil {
		return true
	}
	if c.rtspS.State() == rtsp.StateClosed {
		c.mu.Lock()
		if c.rtspConn != nil {
			_ = c.rtspConn.Close()
			c.rtspConn = nil
		}
		c.mu.Unlock()
		return true
	}
	return c.rtspS.TeardownTimedOut(now)
}
