package gateway

import (
	"bufio"
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/iptvgw/iptvgw/internal/conn"
	"github.com/iptvgw/iptvgw/internal/sendqueue"
	"github.com/iptvgw/iptvgw/internal/status"
	"github.com/iptvgw/iptvgw/internal/stream"
	"github.com/iptvgw/iptvgw/internal/worker"
)

// drainInterval is how often the send-queue drain loop flushes queued
// media bytes to the client socket while streaming.
const drainInterval = 20 * time.Millisecond

// teardownPollInterval is how often the streaming loop polls an
// in-flight asynchronous RTSP TEARDOWN for completion.
const teardownPollInterval = 50 * time.Millisecond

// Config configures the ServeFunc NewServeFunc builds.
type Config struct {
	Registry       *stream.Registry
	Dialer         stream.Dialer
	Admission      Admission
	RejoinInterval time.Duration
	Logger         *slog.Logger

	// StatusIndex, if set, is populated with a slot for every accepted
	// connection so the admin status surface can list it.
	StatusIndex *status.Index

	// FCCBurstBps caps the replay rate of an FCC unicast catch-up burst,
	// in bytes per second. <= 0 disables pacing.
	FCCBurstBps int64
}

// NewServeFunc builds the worker.ServeFunc that owns a connection's
// entire request/stream lifecycle: parses the HTTP request line off the
// socket directly, applies admission control, routes to a Service,
// attaches a stream.Context, and pumps bytes in both directions until the
// client or upstream tears the connection down.
func NewServeFunc(cfg Config) worker.ServeFunc {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return func(ctx context.Context, shard *worker.Shard, c *conn.Connection) {
		s := &session{cfg: cfg, shard: shard, c: c}
		s.serve(ctx)
	}
}

type session struct {
	cfg   Config
	shard *worker.Shard
	c     *conn.Connection

	statusSlot int
}

func (s *session) serve(ctx context.Context) {
	defer s.c.Conn.Close()

	s.statusSlot = -1
	if s.cfg.StatusIndex != nil {
		s.statusSlot = s.cfg.StatusIndex.Register(s.c.ID, s.c.Conn.RemoteAddr().String(), "")
		s.c.SetStatusSlot(s.statusSlot)
		defer s.cfg.StatusIndex.Unregister(s.statusSlot)
	}

	r := bufio.NewReader(s.c.Conn)
	req, err := readRequest(r)
	if err != nil {
		return
	}
	s.advance(conn.StateRoute)

	if !s.cfg.Admission.checkHost(req.host) {
		_ = writeStatusLine(s.c.Conn, 400, "Bad Request")
		return
	}
	if !s.cfg.Admission.checkToken(req.query) {
		_ = writeStatusLine(s.c.Conn, 401, "Unauthorized")
		return
	}
	if !s.cfg.Admission.checkCapacity(s.activeConnections()) {
		_ = writeStatusLine(s.c.Conn, 503, "Service Unavailable")
		return
	}

	svc, err := route(s.cfg.Registry, req)
	if err != nil {
		_ = writeStatusLine(s.c.Conn, 404, "Not Found")
		return
	}
	if s.cfg.StatusIndex != nil {
		s.cfg.StatusIndex.SetService(s.statusSlot, svc.Name)
	}

	// HEAD returns the response preamble only, with no upstream multicast
	// join performed, per spec.md §6/§8 scenario 6.
	if req.method == "HEAD" {
		_ = writeStreamHeader(s.c.Conn, mediaContentType)
		s.advance(conn.StateClosing)
		return
	}

	sc, err := stream.New(stream.Config{
		Service:        svc,
		Dialer:         s.cfg.Dialer,
		Connection:     s.c,
		Pool:           s.shard.Pool(),
		RejoinInterval: s.cfg.RejoinInterval,
		Logger:         s.cfg.Logger,
	})
	if err != nil {
		_ = writeStatusLine(s.c.Conn, 502, "Bad Gateway")
		s.cfg.Logger.Warn("gateway: opening upstream failed", "service", svc.Name, "error", err)
		return
	}

	if err := writeStreamHeader(s.c.Conn, mediaContentType); err != nil {
		sc.Close(time.Now())
		return
	}
	s.advance(conn.StateStreaming)
	s.shard.RegisterStream(s.c.ID, sc)

	s.stream(ctx, svc, sc)
}

// activeConnections returns the gateway-wide connection count the
// admission capacity check compares against maxclients, per spec.md §6.
// With a status index wired in, that's the real global count across every
// worker shard; without one (StatusIndex is optional) the check falls
// back to this shard's own table, which under-counts once there is more
// than one worker.
func (s *session) activeConnections() int {
	if s.cfg.StatusIndex != nil {
		return s.cfg.StatusIndex.ActiveCount()
	}
	return s.shard.ActiveConnections()
}

// advance transitions the connection's state and mirrors it into the
// status index, if one is wired in.
func (s *session) advance(next conn.State) {
	s.c.Advance(next)
	if s.cfg.StatusIndex != nil {
		s.cfg.StatusIndex.SetState(s.statusSlot, next.String())
	}
}

// stream runs the connection's streaming phase: upstream reader
// goroutines feeding sc, a send-queue drain loop feeding the client
// socket, and a client-read watcher that detects the client hanging up.
// It returns once the client disconnects, the context is cancelled, or
// the send queue hits a fatal write error.
func (s *session) stream(ctx context.Context, svc *stream.Service, sc *stream.Context) {
	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		pumpMulticast(streamCtx, sc)
	}()
	if svc.HasFCC() {
		limiter := newFCCLimiter(s.cfg.FCCBurstBps)
		wg.Add(1)
		go func() {
			defer wg.Done()
			pumpFCC(streamCtx, sc, limiter)
		}()
	}
	if svc.IsRTSP() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pumpRTSP(streamCtx, sc)
		}()
		if sc.RTPConn() != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pumpRTSPUDP(streamCtx, sc)
			}()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		watchClientClose(streamCtx, cancel, s.c.Conn)
	}()

	s.drainLoop(streamCtx, sc)

	cancel()
	wg.Wait()

	now := time.Now()
	if sc.Close(now) {
		s.waitTeardown(ctx, sc)
	}
	s.advance(conn.StateClosing)
	s.finalDrain()
}

// drainLoop periodically flushes the connection's queued media bytes to
// the client socket until the context is cancelled or a write fails
// fatally.
func (s *session) drainLoop(ctx context.Context, sc *stream.Context) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n, st := s.c.Queue.Drain(s.c.Conn)
			if n > 0 {
				s.c.OnDrained(now, int64(n))
			}
			if s.cfg.StatusIndex != nil {
				s.cfg.StatusIndex.SetBandwidth(s.statusSlot, sc.BandwidthSnapshot())
			}
			if st == sendqueue.StatusClosed {
				return
			}
		}
	}
}

// finalDrain gives the send queue a short window to flush whatever was
// still in flight at teardown before the socket is closed.
func (s *session) finalDrain() {
	deadline := time.Now().Add(1 * time.Second)
	for time.Now().Before(deadline) {
		if s.c.Queue.PendingEmpty() {
			return
		}
		n, st := s.c.Queue.Drain(s.c.Conn)
		if n > 0 {
			s.c.OnDrained(time.Now(), int64(n))
		}
		if st == sendqueue.StatusClosed {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (s *session) waitTeardown(ctx context.Context, sc *stream.Context) {
	ticker := time.NewTicker(teardownPollInterval)
	defer ticker.Stop()
	for {
		if sc.TeardownFinished(time.Now()) {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// watchClientClose blocks reading the client socket (the client never
// sends anything more once streaming begins) solely to detect it hanging
// up, then cancels cancel so the streaming goroutines unwind.
func watchClientClose(ctx context.Context, cancel context.CancelFunc, nc net.Conn) {
	buf := make([]byte, 1)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = nc.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		_, err := nc.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			cancel()
			return
		}
	}
}
