package worker

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/iptvgw/iptvgw/internal/conn"
	"github.com/iptvgw/iptvgw/internal/pool"
	"github.com/iptvgw/iptvgw/internal/sendqueue"
	"github.com/iptvgw/iptvgw/internal/stream"
)

// ServeFunc owns one accepted connection's entire lifecycle: parsing the
// HTTP request, routing it to a Service, attaching a stream.Context, and
// draining bytes until the client or upstream closes. It runs in its own
// goroutine — the per-connection reader-goroutine style SPEC_FULL.md
// calls for instead of hand-rolling a second readiness facility on top
// of the one the Go runtime already provides.
//
// Implementations register their stream.Context with the owning Shard
// via RegisterStream so the shard's tick loop can drive its per-tick
// responsibilities (§4.G), and call Unregister when the connection is
// fully torn down.
type ServeFunc func(ctx context.Context, shard *Shard, c *conn.Connection)

// DisconnectChecker reports and clears a pending administrative
// disconnect for a status.Index slot. Implemented by *status.Index;
// kept as a narrow interface here so this package doesn't need to
// import the status package for a single method.
type DisconnectChecker interface {
	DisconnectRequested(slot int) bool
}

// Config configures a Shard.
type Config struct {
	ID           int
	Pool         *pool.Pool
	Controller   *conn.Controller
	Reports      conn.Reporter
	UserTimeout  time.Duration
	TickInterval time.Duration
	Logger       *slog.Logger

	// DSCP is the code point (see ParseDSCP) applied to every accepted
	// client connection's IP_TOS field. 0 disables marking.
	DSCP int

	// Disconnects, if set, is consulted once per tick for every
	// connection that recorded a status.Index slot (conn.Connection.
	// SetStatusSlot), so an administrative disconnect requested through
	// the status HTTP API actually tears down the live connection.
	Disconnects DisconnectChecker
}

// Shard is one worker: an exclusive buffer pool, connection controller,
// and connection table, driven by a single goroutine's accept loop plus
// a ticker — the idiomatic replacement for spec.md §4.H's single-threaded
// epoll/kqueue loop, per SPEC_FULL.md's "worker loop" module.
type Shard struct {
	id          int
	pool        *pool.Pool
	controller  *conn.Controller
	reports     conn.Reporter
	userTimeout time.Duration
	dscp        int
	tickEvery   time.Duration
	logger      *slog.Logger
	disconnects DisconnectChecker

	mu      sync.Mutex
	nextID  int64
	conns   map[string]*conn.Connection
	streams map[string]*stream.Context
}

// New creates a Shard.
func New(cfg Config) *Shard {
	if cfg.UserTimeout <= 0 {
		cfg.UserTimeout = DefaultUserTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 200 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Shard{
		id:          cfg.ID,
		pool:        cfg.Pool,
		controller:  cfg.Controller,
		reports:     cfg.Reports,
		userTimeout: cfg.UserTimeout,
		dscp:        cfg.DSCP,
		tickEvery:   cfg.TickInterval,
		logger:      cfg.Logger,
		disconnects: cfg.Disconnects,
		conns:       make(map[string]*conn.Connection),
		streams:     make(map[string]*stream.Context),
	}
}

// Pool returns the shard's exclusive buffer pool.
func (s *Shard) Pool() *pool.Pool { return s.pool }

// Controller returns the shard's connection/queue-limit controller.
func (s *Shard) Controller() *conn.Controller { return s.controller }

// Run accepts connections off ln until ctx is cancelled, dispatching
// each to serve in its own goroutine, and drives the tick loop (§4.G
// per-tick responsibilities, plus reaping drained Closing connections
// per §4.H step 5) until shutdown.
func (s *Shard) Run(ctx context.Context, ln net.Listener, serve ServeFunc) error {
	acceptErrCh := make(chan error, 1)
	go func() {
		acceptErrCh <- s.acceptLoop(ctx, ln, serve)
	}()

	ticker := time.NewTicker(s.tickEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			ln.Close()
			<-acceptErrCh
			return nil
		case err := <-acceptErrCh:
			return err
		case now := <-ticker.C:
			s.tick(now)
		}
	}
}

func (s *Shard) acceptLoop(ctx context.Context, ln net.Listener, serve ServeFunc) error {
	consecutiveErrors := 0
	for {
		nc, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			consecutiveErrors++
			s.logger.Error("worker: accept failed", "shard", s.id, "error", err, "consecutive_errors", consecutiveErrors)
			if consecutiveErrors > 5 {
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
			}
			continue
		}
		consecutiveErrors = 0

		if err := applyConnOptions(nc, s.userTimeout, s.dscp); err != nil {
			s.logger.Warn("worker: applying connection socket options", "shard", s.id, "error", err)
		}

		s.controller.RegisterClient()
		c := s.register(nc)
		go func() {
			defer s.unregisterConn(c.ID)
			serve(ctx, s, c)
		}()
	}
}

func (s *Shard) register(nc net.Conn) *conn.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("shard%d-%d", s.id, s.nextID)
	q := sendqueue.New(sendqueue.Config{})
	c := conn.New(id, nc, q, s.controller, s.reports, s.logger)
	s.conns[id] = c
	return c
}

func (s *Shard) unregisterConn(connID string) {
	s.mu.Lock()
	delete(s.conns, connID)
	delete(s.streams, connID)
	s.mu.Unlock()
	s.controller.UnregisterClient()
}

// RegisterStream associates a stream.Context with the Connection.ID that
// owns it, so the shard's tick loop drives its per-tick responsibilities.
// ServeFunc implementations call this once a Service has been routed and
// a Context opened.
func (s *Shard) RegisterStream(connID string, sc *stream.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[connID] = sc
}

// Reapable reports whether connID's Connection is Closing with a fully
// drained send queue, per spec.md §4.H step 5. A ServeFunc blocked on a
// read polls this (or is woken by its own I/O completing) to know it may
// return without waiting further; the per-connection goroutine returning
// is what actually frees the entry, via the deferred unregisterConn in
// acceptLoop.
func (s *Shard) Reapable(connID string) bool {
	s.mu.Lock()
	c, ok := s.conns[connID]
	s.mu.Unlock()
	return ok && c.CanFree()
}

func (s *Shard) tick(now time.Time) {
	s.mu.Lock()
	streams := make([]*stream.Context, 0, len(s.streams))
	for _, sc := range s.streams {
		streams = append(streams, sc)
	}
	conns := make([]*conn.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, sc := range streams {
		sc.Tick(now)
	}

	s.applyPendingDisconnects(conns)

	s.pool.TryShrink(s.anySlow())
}

// applyPendingDisconnects observes and clears any pending administrative
// disconnect (status.Index.RequestDisconnect, via the status HTTP API's
// POST /<status-route>/api/disconnect) for every connection that
// recorded a status slot, transitioning it to Closing and closing its
// socket so the connection's own goroutine unwinds on its next read or
// write error.
func (s *Shard) applyPendingDisconnects(conns []*conn.Connection) {
	if s.disconnects == nil {
		return
	}
	for _, c := range conns {
		slot := c.StatusSlot()
		if slot < 0 {
			continue
		}
		if !s.disconnects.DisconnectRequested(slot) {
			continue
		}
		c.Advance(conn.StateClosing)
		c.Conn.Close()
	}
}

func (s *Shard) anySlow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		if c.Slow() {
			return true
		}
	}
	return false
}

// ActiveConnections returns the number of connections currently tracked
// by the shard, for status reporting.
func (s *Shard) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// ForceRejoinAll issues an unconditional multicast rejoin on every stream
// currently owned by this shard, regardless of each stream's own
// RejoinInterval. Intended for an operator-scheduled rejoin sweep
// (internal/scheduler's rejoin-sweep job), distinct from Tick's
// continuous per-connection interval check.
func (s *Shard) ForceRejoinAll(now time.Time) {
	s.mu.Lock()
	streams := make([]*stream.Context, 0, len(s.streams))
	for _, sc := range s.streams {
		streams = append(streams, sc)
	}
	s.mu.Unlock()

	for _, sc := range streams {
		sc.ForceRejoin(now)
	}
}
