package conn

import (
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/iptvgw/iptvgw/internal/pool"
	"github.com/iptvgw/iptvgw/internal/sendqueue"
)

// State is a connection's position in the request/stream lifecycle.
type State int

const (
	StateReadRequestLine State = iota
	StateReadHeaders
	StateRoute
	StateStreaming
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateReadRequestLine:
		return "read_request_line"
	case StateReadHeaders:
		return "read_headers"
	case StateRoute:
		return "route"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// dropLogEvery throttles the "enqueue dropped" log: the first drop, then
// every 200th, per spec.md §4.C.
const dropLogEvery = 200

// Reporter receives admission-control events after every enqueue, drop, or
// completion, per spec.md §4.C's "mandatory report after every
// enqueue/drop/completion" rule. Implemented by the status collaborator.
type Reporter interface {
	ReportQueueEvent(connID string, queuedBytes int64, limit int64, slow bool, dropped bool)
}

// Connection drives one client's state machine, owns its send queue, and
// applies the queue-limit controller's admission decision on every
// enqueue.
type Connection struct {
	ID      string
	Conn    net.Conn
	Queue   *sendqueue.Queue
	logger  *slog.Logger
	reports Reporter

	controller *Controller
	tracker    Tracker

	state      atomic.Int32
	queued     atomic.Int64 // current queued bytes estimate
	dropCount  atomic.Int64
	statusSlot atomic.Int32 // status.Index slot owning this connection, -1 if none
}

// New creates a Connection in StateReadRequestLine.
func New(id string, nc net.Conn, q *sendqueue.Queue, ctl *Controller, reports Reporter, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Connection{
		ID:         id,
		Conn:       nc,
		Queue:      q,
		controller: ctl,
		reports:    reports,
		logger:     logger,
	}
	c.state.Store(int32(StateReadRequestLine))
	c.statusSlot.Store(-1)
	return c
}

// SetStatusSlot records the status.Index slot registered for this
// connection, so the owning worker shard's tick loop can look up a
// pending administrative disconnect against it. Called once, right
// after registration; -1 (the default) means no status index is wired
// in for this connection.
func (c *Connection) SetStatusSlot(slot int) {
	c.statusSlot.Store(int32(slot))
}

// StatusSlot returns the status.Index slot set by SetStatusSlot, or -1.
func (c *Connection) StatusSlot() int {
	return int(c.statusSlot.Load())
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

// Advance transitions the connection's state. Callers drive this from the
// HTTP parsing loop: RequestLine observed → ReadHeaders, "\r\n\r\n" seen →
// Route, routed to a service → Streaming, response-then-close endpoints →
// Closing.
func (c *Connection) Advance(next State) {
	c.state.Store(int32(next))
}

// CanFree reports whether the connection may be released: only once it is
// Closing (or never reached Streaming) AND its send queue has no
// outstanding ready or pending entries.
func (c *Connection) CanFree() bool {
	if c.State() == StateStreaming {
		return false
	}
	return c.Queue.PendingEmpty()
}

// TryEnqueue computes projected queued bytes for buf and admits or drops
// it. On admission, buf is handed to the send queue (which owns its
// reference from here). On rejection, buf's reference is released
// immediately, the drop is counted, and a throttled warning is logged —
// per spec.md §4.C the connection is never disconnected on a drop.
//
// Returns true if admitted.
func (c *Connection) TryEnqueue(now time.Time, buf *pool.Buffer) bool {
	n := int64(buf.Len())
	fair := c.controller.Fair()
	unclamped := c.controller.UnclampedLimit()
	slow := c.tracker.Slow()
	limit := c.controller.Limit(slow)

	projected := c.queued.Load() + n
	admitted := projected <= limit

	if !admitted {
		buf.Release()
		c.dropCount.Add(1)
		count := c.dropCount.Load()
		if count == 1 || count%dropLogEvery == 0 {
			c.logger.Warn("connection queue limit exceeded, dropping buffer",
				"conn", c.ID, "queued", c.queued.Load(), "limit", limit, "drops", count)
		}
	} else if err := c.Queue.EnqueueBuffer(buf); err != nil {
		buf.Release()
		admitted = false
	} else {
		c.queued.Add(n)
	}

	c.tracker.Observe(now, c.queued.Load(), fair, unclamped)
	if c.reports != nil {
		c.reports.ReportQueueEvent(c.ID, c.queued.Load(), limit, c.tracker.Slow(), !admitted)
	}
	return admitted
}

// OnDrained reduces the queued-bytes estimate after the send queue
// successfully drains n bytes to the kernel, and reports the completion
// event.
func (c *Connection) OnDrained(now time.Time, n int64) {
	remaining := c.queued.Add(-n)
	if remaining < 0 {
		c.queued.Store(0)
		remaining = 0
	}
	fair := c.controller.Fair()
	unclamped := c.controller.UnclampedLimit()
	c.tracker.Observe(now, remaining, fair, unclamped)
	if c.reports != nil {
		c.reports.ReportQueueEvent(c.ID, remaining, c.controller.Limit(c.tracker.Slow()), c.tracker.Slow(), false)
	}
}

// Slow reports whether this connection's slow-flag is currently asserted.
func (c *Connection) Slow() bool {
	return c.tracker.Slow()
}

// QueuedBytes returns the current queued-bytes estimate.
func (c *Connection) QueuedBytes() int64 {
	return c.queued.Load()
}

// DropCount returns the number of buffers dropped due to admission
// control since connection start.
func (c *Connection) DropCount() int64 {
	return c.dropCount.Load()
}
