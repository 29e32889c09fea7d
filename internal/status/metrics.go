package status

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the status index as Prometheus metrics: it is a
// pull-based collector that walks Index.All() on every scrape rather than
// maintaining its own counters, so it never drifts from what the status
// page and SSE stream show.
type Collector struct {
	idx *Index

	activeConnections *prometheus.Desc
	queuedBytes       *prometheus.Desc
	queueLimit        *prometheus.Desc
	droppedPackets    *prometheus.Desc
	bandwidthBps      *prometheus.Desc
	slow              *prometheus.Desc
}

// NewCollector builds a Collector reading from idx. Register it with a
// prometheus.Registry (or prometheus.DefaultRegisterer) and serve
// promhttp.Handler() alongside the status router.
func NewCollector(idx *Index) *Collector {
	labels := []string{"conn_id", "remote_addr", "service", "state"}
	return &Collector{
		idx: idx,
		activeConnections: prometheus.NewDesc(
			"iptvgw_connections_active", "Number of tracked connections.", nil, nil),
		queuedBytes: prometheus.NewDesc(
			"iptvgw_connection_queued_bytes", "Bytes currently queued for a connection.", labels, nil),
		queueLimit: prometheus.NewDesc(
			"iptvgw_connection_queue_limit_bytes", "Current send-queue limit for a connection.", labels, nil),
		droppedPackets: prometheus.NewDesc(
			"iptvgw_connection_dropped_packets_total", "Packets dropped for a connection since it was registered.", labels, nil),
		bandwidthBps: prometheus.NewDesc(
			"iptvgw_connection_bandwidth_bps", "Most recently measured send bandwidth, in bits per second.", labels, nil),
		slow: prometheus.NewDesc(
			"iptvgw_connection_slow", "1 if the connection is currently flagged slow, else 0.", labels, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.activeConnections
	descs <- c.queuedBytes
	descs <- c.queueLimit
	descs <- c.droppedPackets
	descs <- c.bandwidthBps
	descs <- c.slow
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	snaps := c.idx.All()
	metrics <- prometheus.MustNewConstMetric(c.activeConnections, prometheus.GaugeValue, float64(len(snaps)))
	for _, s := range snaps {
		labels := []string{s.ConnID, s.RemoteAddr, s.Service, s.State}
		metrics <- prometheus.MustNewConstMetric(c.queuedBytes, prometheus.GaugeValue, float64(s.QueuedBytes), labels...)
		metrics <- prometheus.MustNewConstMetric(c.queueLimit, prometheus.GaugeValue, float64(s.QueueLimit), labels...)
		metrics <- prometheus.MustNewConstMetric(c.droppedPackets, prometheus.CounterValue, float64(s.DroppedPackets), labels...)
		metrics <- prometheus.MustNewConstMetric(c.bandwidthBps, prometheus.GaugeValue, float64(s.BandwidthBps), labels...)
		slow := 0.0
		if s.Slow {
			slow = 1.0
		}
		metrics <- prometheus.MustNewConstMetric(c.slow, prometheus.GaugeValue, slow, labels...)
	}
}
