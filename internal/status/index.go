// Package status implements the gateway's shared status/telemetry facility:
// a fixed-size array of per-connection snapshots written by the worker that
// owns the client and read by the admin HTTP surface (HTML page, SSE,
// disconnect/log-level APIs), per spec.md §3/§5's "opaque index into the
// shared status array" design. With one process and goroutine-per-shard
// workers instead of spec.md's multi-process model, "shared memory" becomes
// an ordinary in-process array of atomically-swapped snapshots: each cell
// still has exactly one writer (the goroutine serving that connection), and
// admin reads are lock-free loads tolerant of a slightly stale view.
package status

import (
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCapacity bounds the number of simultaneously tracked connections.
// Register returns -1 once the array is full, per the status-index's
// "-1 means unregistered" convention.
const DefaultCapacity = 8192

// Snapshot is one connection's point-in-time status. It is replaced, never
// mutated in place, so a reader that loaded a *Snapshot always sees a
// internally-consistent view.
type Snapshot struct {
	Index          int
	ConnID         string
	RemoteAddr     string
	Service        string
	State          string
	Slow           bool
	QueuedBytes    int64
	QueueLimit     int64
	DroppedPackets int64
	BandwidthBps   int64
	ConnectedSince time.Time
	LastUpdate     time.Time
}

// Index is the fixed-size status array. It implements conn.Reporter so a
// worker shard can plug it in directly as the Connection's admission-event
// sink.
type Index struct {
	slots  []atomic.Pointer[Snapshot]
	disc   []atomic.Bool
	active atomic.Int64

	mu     sync.Mutex
	free   []int
	byConn sync.Map // connID string -> slot index (int)
}

// New creates an Index with the given capacity (DefaultCapacity if <= 0).
func New(capacity int) *Index {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	idx := &Index{
		slots: make([]atomic.Pointer[Snapshot], capacity),
		disc:  make([]atomic.Bool, capacity),
		free:  make([]int, capacity),
	}
	for i := range idx.free {
		idx.free[i] = capacity - 1 - i
	}
	return idx
}

// Capacity returns the fixed size of the status array.
func (idx *Index) Capacity() int { return len(idx.slots) }

// Register acquires a free slot for a newly accepted connection and
// returns its status index, or -1 if the array is full.
func (idx *Index) Register(connID, remoteAddr, service string) int {
	idx.mu.Lock()
	if len(idx.free) == 0 {
		idx.mu.Unlock()
		return -1
	}
	n := len(idx.free) - 1
	slot := idx.free[n]
	idx.free = idx.free[:n]
	idx.mu.Unlock()

	now := time.Now()
	idx.slots[slot].Store(&Snapshot{
		Index:          slot,
		ConnID:         connID,
		RemoteAddr:     remoteAddr,
		Service:        service,
		State:          "read_request_line",
		ConnectedSince: now,
		LastUpdate:     now,
	})
	idx.disc[slot].Store(false)
	idx.byConn.Store(connID, slot)
	idx.active.Add(1)
	return slot
}

// Unregister releases slot back to the free list. Called once a
// connection is fully torn down.
func (idx *Index) Unregister(slot int) {
	if slot < 0 || slot >= len(idx.slots) {
		return
	}
	snap := idx.slots[slot].Load()
	if snap == nil {
		return
	}
	idx.byConn.Delete(snap.ConnID)
	idx.slots[slot].Store(nil)
	idx.disc[slot].Store(false)
	idx.mu.Lock()
	idx.free = append(idx.free, slot)
	idx.mu.Unlock()
	idx.active.Add(-1)
}

// ActiveCount returns the number of currently registered connections
// across every worker shard that shares this Index, for the gateway's
// global maxclients admission check (spec.md §6) — unlike Shard's own
// ActiveConnections, which only counts that one shard's table.
func (idx *Index) ActiveCount() int {
	return int(idx.active.Load())
}

// SetState updates a connection's lifecycle state label.
func (idx *Index) SetState(slot int, state string) {
	idx.update(slot, func(s *Snapshot) { s.State = state })
}

// SetService records the routed service name once known.
func (idx *Index) SetService(slot int, service string) {
	idx.update(slot, func(s *Snapshot) { s.Service = service })
}

// SetBandwidth records a per-tick bandwidth snapshot for the connection's
// Stream Context, per spec.md §4.G.
func (idx *Index) SetBandwidth(slot int, bps int64) {
	idx.update(slot, func(s *Snapshot) { s.BandwidthBps = bps })
}

func (idx *Index) update(slot int, mutate func(*Snapshot)) {
	if slot < 0 || slot >= len(idx.slots) {
		return
	}
	cur := idx.slots[slot].Load()
	if cur == nil {
		return
	}
	next := *cur
	mutate(&next)
	next.LastUpdate = time.Now()
	idx.slots[slot].Store(&next)
}

// ReportQueueEvent implements conn.Reporter: it is invoked by a
// conn.Connection after every enqueue, drop, or completion, keyed by the
// connection's string ID rather than its status index (the Connection
// itself does not know its slot). A connID with no registered slot is a
// silent no-op — the connection was never registered, or was already torn
// down.
func (idx *Index) ReportQueueEvent(connID string, queuedBytes, limit int64, slow, dropped bool) {
	v, ok := idx.byConn.Load(connID)
	if !ok {
		return
	}
	slot := v.(int)
	idx.update(slot, func(s *Snapshot) {
		s.QueuedBytes = queuedBytes
		s.QueueLimit = limit
		s.Slow = slow
		if dropped {
			s.DroppedPackets++
		}
	})
}

// Snapshot returns a copy of the current state at slot, or false if the
// slot is unregistered.
func (idx *Index) Get(slot int) (Snapshot, bool) {
	if slot < 0 || slot >= len(idx.slots) {
		return Snapshot{}, false
	}
	snap := idx.slots[slot].Load()
	if snap == nil {
		return Snapshot{}, false
	}
	return *snap, true
}

// All returns a snapshot of every currently registered connection, for the
// status page and SSE stream.
func (idx *Index) All() []Snapshot {
	out := make([]Snapshot, 0, len(idx.slots))
	for i := range idx.slots {
		if snap := idx.slots[i].Load(); snap != nil {
			out = append(out, *snap)
		}
	}
	return out
}

// RequestDisconnect marks slot for administrative disconnection. The
// owning worker observes the flag on its next tick and transitions the
// connection to Closing, per spec.md §6's POST /<status-route>/api/disconnect.
// Returns false if slot is not currently registered.
func (idx *Index) RequestDisconnect(slot int) bool {
	if slot < 0 || slot >= len(idx.slots) {
		return false
	}
	if idx.slots[slot].Load() == nil {
		return false
	}
	idx.disc[slot].Store(true)
	return true
}

// DisconnectRequested reports and clears a pending administrative
// disconnect for slot, so the owning worker acts on it exactly once.
func (idx *Index) DisconnectRequested(slot int) bool {
	if slot < 0 || slot >= len(idx.slots) {
		return false
	}
	return idx.disc[slot].CompareAndSwap(true, false)
}
