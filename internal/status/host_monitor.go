package status

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// hostStatsInterval is how often HostMonitor refreshes its snapshot.
const hostStatsInterval = 15 * time.Second

// HostStats is a point-in-time snapshot of the machine the gateway runs
// on, shown on the admin status page alongside per-client stream stats.
type HostStats struct {
	CPUPercent       float64 `json:"cpu_percent"`
	MemoryPercent    float64 `json:"memory_percent"`
	DiskUsagePercent float64 `json:"disk_usage_percent"`
	LoadAverage      float64 `json:"load_average"`
}

// HostMonitor polls host CPU/memory/disk/load in the background so the
// status page's render path never blocks on a syscall.
type HostMonitor struct {
	logger *slog.Logger
	close  chan struct{}
	wg     sync.WaitGroup

	mu    sync.RWMutex
	stats HostStats
}

// NewHostMonitor creates a HostMonitor. Call Start to begin polling.
func NewHostMonitor(logger *slog.Logger) *HostMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostMonitor{logger: logger.With("component", "host_monitor"), close: make(chan struct{})}
}

// Start begins periodic collection in a background goroutine.
func (hm *HostMonitor) Start() {
	hm.wg.Add(1)
	go hm.run()
}

// Stop halts collection and waits for the background goroutine to exit.
func (hm *HostMonitor) Stop() {
	close(hm.close)
	hm.wg.Wait()
}

// Stats returns the most recently collected snapshot.
func (hm *HostMonitor) Stats() HostStats {
	hm.mu.RLock()
	defer hm.mu.RUnlock()
	return hm.stats
}

func (hm *HostMonitor) run() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hostStatsInterval)
	defer ticker.Stop()

	hm.collect()
	for {
		select {
		case <-hm.close:
			return
		case <-ticker.C:
			hm.collect()
		}
	}
}

func (hm *HostMonitor) collect() {
	var stats HostStats

	if percentage, err := cpu.Percent(0, false); err == nil && len(percentage) > 0 {
		stats.CPUPercent = percentage[0]
	} else {
		hm.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		hm.logger.Debug("failed to collect memory stats", "error", err)
	}

	if d, err := disk.Usage("/"); err == nil {
		stats.DiskUsagePercent = d.UsedPercent
	} else {
		hm.logger.Debug("failed to collect disk stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		hm.logger.Debug("failed to collect load stats", "error", err)
	}

	hm.mu.Lock()
	hm.stats = stats
	hm.mu.Unlock()
}
