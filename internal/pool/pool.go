package pool

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrPoolExhausted is returned by Get/GetControl when the pool is already
// at max_buffers and no free buffer is available. Per the engine's error
// taxonomy (spec.md §7) this is never client-fatal: callers record a drop
// and continue.
var ErrPoolExhausted = errors.New("pool: exhausted")

// shrinkBatch bounds how many buffers try_shrink releases in one call, so a
// single idle tick cannot undo a legitimate burst of growth instantly.
const shrinkBatch = 16

// shrinkGraceAfterGrow is how long a pool must have been stable (no growth)
// before try_shrink is allowed to release buffers back down.
const shrinkGraceAfterGrow = 2 * time.Second

// Config configures a Pool.
type Config struct {
	BufferSize     int   // S, per-buffer capacity
	InitialBuffers int64 // num_buffers at startup
	MaxBuffers     int64 // hard cap
	LowWatermark   int64 // num_free floor used by queue-limit burst tiers
	HighWatermark  int64 // num_free ceiling that triggers try_shrink
	ControlReserve int64 // buffers reserved for the control-class path
}

// Pool is a per-worker, single-threaded-friendly buffer pool. It is safe
// for concurrent use (a mutex guards the free-lists) but is designed to be
// owned by exactly one worker shard, per spec.md §5.
type Pool struct {
	mu sync.Mutex

	bufSize        int
	free           []*Buffer
	controlFree    []*Buffer
	controlReserve int64

	numBuffers    int64
	maxBuffers    int64
	lowWatermark  int64
	highWatermark int64
	initial       int64
	lastGrow      time.Time

	logger *slog.Logger
}

// New creates a Pool and allocates its initial buffers plus its control
// reservation.
func New(cfg Config, logger *slog.Logger) *Pool {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		bufSize:        cfg.BufferSize,
		maxBuffers:     cfg.MaxBuffers,
		lowWatermark:   cfg.LowWatermark,
		highWatermark:  cfg.HighWatermark,
		initial:        cfg.InitialBuffers,
		controlReserve: cfg.ControlReserve,
		logger:         logger,
	}
	p.free = make([]*Buffer, 0, cfg.InitialBuffers)
	for i := int64(0); i < cfg.InitialBuffers; i++ {
		p.free = append(p.free, p.alloc(false))
	}
	p.numBuffers = cfg.InitialBuffers
	p.controlFree = make([]*Buffer, 0, cfg.ControlReserve)
	for i := int64(0); i < cfg.ControlReserve; i++ {
		p.controlFree = append(p.controlFree, p.alloc(true))
	}
	p.lastGrow = time.Now()
	return p
}

func (p *Pool) alloc(control bool) *Buffer {
	return &Buffer{
		data:    make([]byte, p.bufSize),
		pool:    p,
		control: control,
	}
}

// Get obtains a buffer from the general pool with refcount = 1. It grows
// the pool (doubling, capped at max_buffers) if the free-list is empty.
func (p *Pool) Get() (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.growLocked()
	}
	if len(p.free) == 0 {
		return nil, ErrPoolExhausted
	}
	return p.takeLocked(&p.free), nil
}

// GetControl obtains a buffer from the small control-class reservation
// (HTTP responses, SSE events, error payloads) so media ingestion can
// never starve them. Falls back to the general pool when the reservation
// is empty, per spec.md §4.A.
func (p *Pool) GetControl() (*Buffer, error) {
	p.mu.Lock()
	if len(p.controlFree) > 0 {
		b := p.takeLocked(&p.controlFree)
		p.mu.Unlock()
		return b, nil
	}
	p.mu.Unlock()
	return p.Get()
}

func (p *Pool) takeLocked(list *[]*Buffer) *Buffer {
	l := *list
	n := len(l) - 1
	b := l[n]
	*list = l[:n]
	b.off = 0
	b.n = 0
	b.gen++
	b.refs.Store(1)
	return b
}

// growLocked doubles the general pool's buffer count, capped at
// max_buffers. A no-op if already at the cap.
func (p *Pool) growLocked() {
	if p.maxBuffers > 0 && p.numBuffers >= p.maxBuffers {
		return
	}
	target := p.numBuffers * 2
	if target == 0 {
		target = 1
	}
	if p.maxBuffers > 0 && target > p.maxBuffers {
		target = p.maxBuffers
	}
	added := target - p.numBuffers
	for i := int64(0); i < added; i++ {
		p.free = append(p.free, p.alloc(false))
	}
	p.numBuffers = target
	p.lastGrow = time.Now()
	p.logger.Debug("pool grew", "num_buffers", p.numBuffers)
}

// release returns a zero-refcount buffer to its owning free-list. Called
// only from Buffer.Release.
func (p *Pool) release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b.control {
		p.controlFree = append(p.controlFree, b)
		return
	}
	p.free = append(p.free, b)
}

// TryShrink opportunistically releases buffers back toward the initial
// size when num_free exceeds high_watermark, no connection is under
// pressure (anySlow), and the pool hasn't grown recently. Never shrinks
// below the initial size, per spec.md §4.A.
func (p *Pool) TryShrink(anySlow bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if anySlow {
		return
	}
	if int64(len(p.free)) <= p.highWatermark {
		return
	}
	if time.Since(p.lastGrow) < shrinkGraceAfterGrow {
		return
	}

	batch := shrinkBatch
	floor := p.initial
	for i := 0; i < batch && p.numBuffers > floor && len(p.free) > 0; i++ {
		n := len(p.free) - 1
		p.free = p.free[:n]
		p.numBuffers--
	}
}

// Stats is a point-in-time snapshot of pool occupancy, used by the
// queue-limit controller (§4.C) and the status collaborator (§3).
type Stats struct {
	NumBuffers    int64
	NumFree       int64
	MaxBuffers    int64
	LowWatermark  int64
	HighWatermark int64
}

// Stats returns the current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		NumBuffers:    p.numBuffers,
		NumFree:       int64(len(p.free)),
		MaxBuffers:    p.maxBuffers,
		LowWatermark:  p.lowWatermark,
		HighWatermark: p.highWatermark,
	}
}

// BufferSize returns S, the fixed per-buffer capacity.
func (p *Pool) BufferSize() int {
	return p.bufSize
}

// MaxBytes returns max_buffers * S, the hard ceiling on pool bytes used.
func (p *Pool) MaxBytes() int64 {
	return p.maxBuffers * int64(p.bufSize)
}
