// Package conn implements the per-connection state machine and the
// pool-wide queue-limit controller: fair-share computation, burst
// tolerance, slow-consumer detection, and admission control for enqueued
// media bytes.
package conn

import (
	"sync"

	"github.com/iptvgw/iptvgw/internal/pool"
)

// Controller computes each streaming client's fair share of buffer pool
// bytes and decides whether newly queued bytes may be admitted.
type Controller struct {
	pool       *pool.Pool
	minBuffers int64 // MIN_BUFFERS

	mu     sync.Mutex
	active int
}

// NewController creates a Controller bound to a pool.
func NewController(p *pool.Pool, minBuffers int64) *Controller {
	if minBuffers <= 0 {
		minBuffers = 4
	}
	return &Controller{pool: p, minBuffers: minBuffers}
}

// RegisterClient records a newly admitted streaming client.
func (c *Controller) RegisterClient() {
	c.mu.Lock()
	c.active++
	c.mu.Unlock()
}

// UnregisterClient records a streaming client's departure.
func (c *Controller) UnregisterClient() {
	c.mu.Lock()
	if c.active > 0 {
		c.active--
	}
	c.mu.Unlock()
}

// ActiveClients returns the current number of registered streaming
// clients.
func (c *Controller) ActiveClients() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Fair returns the fair byte share: (total buffers / active clients) × S,
// clamped below by MIN_BUFFERS × S.
func (c *Controller) Fair() int64 {
	stats := c.pool.Stats()
	active := int64(c.ActiveClients())
	if active <= 0 {
		active = 1
	}
	s := int64(c.pool.BufferSize())
	fair := (stats.NumBuffers / active) * s
	floor := c.minBuffers * s
	if fair < floor {
		fair = floor
	}
	return fair
}

// BurstFactor returns the tiered burst multiplier based on current pool
// pressure, ignoring any slow-flag clamp: 3.0x by default, 1.5x under
// moderate pressure, 1.0x under severe pressure.
func (c *Controller) BurstFactor() float64 {
	stats := c.pool.Stats()
	util := c.utilization(stats)

	if stats.HighWatermark > 0 && stats.NumFree < stats.LowWatermark/2 {
		return 1.0
	}
	if util >= 0.95 {
		return 1.0
	}
	if (stats.MaxBuffers > 0 && stats.NumBuffers >= stats.MaxBuffers) || util >= 0.85 {
		return 1.5
	}
	return 3.0
}

func (c *Controller) utilization(stats pool.Stats) float64 {
	maxBytes := c.pool.MaxBytes()
	if maxBytes <= 0 {
		return 0
	}
	used := (stats.NumBuffers - stats.NumFree) * int64(c.pool.BufferSize())
	return float64(used) / float64(maxBytes)
}

// slowBurstClamp is the burst factor ceiling once a connection's slow-flag
// is asserted, per spec.md §4.C.
const slowBurstClamp = 0.8

// Limit returns the effective byte limit for a connection: fair × burst
// factor (clamped to 0.8x if slow), clamped by the hard cap
// (max_pool_bytes − reserve) and a floor of 4×S.
func (c *Controller) Limit(slow bool) int64 {
	fair := c.Fair()
	factor := c.BurstFactor()
	if slow && factor > slowBurstClamp {
		factor = slowBurstClamp
	}
	limit := int64(float64(fair) * factor)

	s := int64(c.pool.BufferSize())
	reserve := c.minBuffers * s
	hardCap := c.pool.MaxBytes() - reserve
	if hardCap > 0 && limit > hardCap {
		limit = hardCap
	}
	floor := 4 * s
	if limit < floor {
		limit = floor
	}
	return limit
}

// UnclampedLimit is Limit's value ignoring the slow-flag clamp, used by
// Tracker to compute the assert/clear thresholds against a stable
// reference.
func (c *Controller) UnclampedLimit() int64 {
	return c.Limit(false)
}
