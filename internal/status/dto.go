package status

import "time"

// ConnectionDTO is the JSON projection of Snapshot served by the status
// page, its JSON endpoint, and the SSE stream.
type ConnectionDTO struct {
	Index          int    `json:"index"`
	ConnID         string `json:"conn_id"`
	RemoteAddr     string `json:"remote_addr"`
	Service        string `json:"service"`
	State          string `json:"state"`
	Slow           bool   `json:"slow"`
	QueuedBytes    int64  `json:"queued_bytes"`
	QueueLimit     int64  `json:"queue_limit"`
	DroppedPackets int64  `json:"dropped_packets"`
	BandwidthBps   int64  `json:"bandwidth_bps"`
	ConnectedFor   string `json:"connected_for"`
}

// StatusPage is the payload rendered by the HTML status page and pushed
// over the SSE stream.
type StatusPage struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Capacity    int             `json:"capacity"`
	Connections []ConnectionDTO `json:"connections"`
	Events      []Event         `json:"events"`
	Host        *HostStats      `json:"host,omitempty"`
}

func toDTO(s Snapshot, now time.Time) ConnectionDTO {
	return ConnectionDTO{
		Index:          s.Index,
		ConnID:         s.ConnID,
		RemoteAddr:     s.RemoteAddr,
		Service:        s.Service,
		State:          s.State,
		Slow:           s.Slow,
		QueuedBytes:    s.QueuedBytes,
		QueueLimit:     s.QueueLimit,
		DroppedPackets: s.DroppedPackets,
		BandwidthBps:   s.BandwidthBps,
		ConnectedFor:   now.Sub(s.ConnectedSince).Round(time.Second).String(),
	}
}

func buildStatusPage(idx *Index, events *EventRing, eventLimit int, host *HostMonitor) StatusPage {
	now := time.Now()
	snaps := idx.All()
	dtos := make([]ConnectionDTO, len(snaps))
	for i, s := range snaps {
		dtos[i] = toDTO(s, now)
	}
	var evts []Event
	if events != nil {
		evts = events.Recent(eventLimit)
	}
	page := StatusPage{
		GeneratedAt: now,
		Capacity:    idx.Capacity(),
		Connections: dtos,
		Events:      evts,
	}
	if host != nil {
		stats := host.Stats()
		page.Host = &stats
	}
	return page
}
