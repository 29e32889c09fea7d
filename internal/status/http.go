package status

import (
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iptvgw/iptvgw/internal/logging"
)

// defaultSSEInterval is how often the SSE stream pushes a fresh snapshot.
const defaultSSEInterval = 2 * time.Second

// defaultEventLimit bounds how many recent events the status page and SSE
// stream include alongside the connection table.
const defaultEventLimit = 50

// Config wires the admin status surface to its collaborators.
type Config struct {
	Index    *Index
	Events   *EventRing
	ACL      *ACL
	LogLevel *slog.LevelVar
	Route    string // default "status"
	Logger   *slog.Logger

	// Host, if set, is polled in the background and its latest snapshot
	// is included in the status page and SSE payload alongside the
	// per-client connection table.
	Host *HostMonitor

	SSEInterval time.Duration
	EventLimit  int
}

// NewRouter builds the admin status http.Handler: an HTML status page, an
// SSE stream of status snapshots, and the disconnect/log-level admin APIs,
// per spec.md §6. Every route is gated by cfg.ACL.
func NewRouter(cfg Config) http.Handler {
	if cfg.Route == "" {
		cfg.Route = "status"
	}
	if cfg.SSEInterval <= 0 {
		cfg.SSEInterval = defaultSSEInterval
	}
	if cfg.EventLimit <= 0 {
		cfg.EventLimit = defaultEventLimit
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	base := "/" + strings.Trim(cfg.Route, "/")
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+base, cfg.handleStatusPage)
	mux.HandleFunc("GET "+base+"/sse", cfg.handleSSE)
	mux.HandleFunc("POST "+base+"/api/disconnect", cfg.handleDisconnect)
	mux.HandleFunc("POST "+base+"/api/log-level", cfg.handleLogLevel)

	if cfg.Index != nil {
		reg := prometheus.NewRegistry()
		reg.MustRegister(NewCollector(cfg.Index))
		mux.Handle("GET "+base+"/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	if cfg.ACL != nil {
		return cfg.ACL.Middleware(mux)
	}
	return mux
}

func (cfg Config) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	page := buildStatusPage(cfg.Index, cfg.Events, cfg.EventLimit, cfg.Host)

	var body strings.Builder
	if err := statusPageTemplate.Execute(&body, page); err != nil {
		http.Error(w, "rendering status page", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	writeCompressible(w, r, []byte(body.String()))
}

// handleSSE streams a StatusPage snapshot every SSEInterval until the
// client disconnects or the request context is cancelled.
func (cfg Config) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ticker := time.NewTicker(cfg.SSEInterval)
	defer ticker.Stop()

	for {
		page := buildStatusPage(cfg.Index, cfg.Events, cfg.EventLimit, cfg.Host)
		data, err := json.Marshal(page)
		if err == nil {
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

type disconnectRequest struct {
	Index int `json:"index"`
}

// handleDisconnect marks a client for administrative disconnection,
// observed by the owning worker on its next tick, per spec.md §6.
func (cfg Config) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !cfg.Index.RequestDisconnect(req.Index) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no such connection index"})
		return
	}
	cfg.Logger.Info("status: administrative disconnect requested", "index", req.Index)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnect requested"})
}

type logLevelRequest struct {
	Level string `json:"level"`
}

// handleLogLevel applies a runtime log-level change to cfg.LogLevel, per
// spec.md §6's POST /<status-route>/api/log-level.
func (cfg Config) handleLogLevel(w http.ResponseWriter, r *http.Request) {
	if cfg.LogLevel == nil {
		http.Error(w, "log level is not runtime-adjustable", http.StatusServiceUnavailable)
		return
	}
	var req logLevelRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	lvl, ok := logging.ParseLevel(req.Level)
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unrecognized log level"})
		return
	}
	cfg.LogLevel.Set(lvl)
	cfg.Logger.Info("status: log level changed", "level", lvl.String())
	writeJSON(w, http.StatusOK, map[string]string{"level": lvl.String()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeCompressible gzip-encodes body when the client advertises support,
// using klauspost/compress's drop-in gzip.Writer for the throughput it
// gives over compress/gzip on the admin surface's JSON/HTML payloads.
func writeCompressible(w http.ResponseWriter, r *http.Request, body []byte) {
	if !strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
		w.Write(body)
		return
	}
	w.Header().Set("Content-Encoding", "gzip")
	gz := gzip.NewWriter(w)
	defer gz.Close()
	gz.Write(body)
}

var statusPageTemplate = template.Must(template.New("status").Funcs(template.FuncMap{
	"mbps": func(bps int64) string { return fmt.Sprintf("%.2f", float64(bps)/1e6) },
}).Parse(`<!DOCTYPE html>
<html>
<head><title>iptvgw status</title></head>
<body>
<h1>iptvgw status</h1>
<p>generated {{.GeneratedAt.Format "2006-01-02T15:04:05Z07:00"}} &middot; capacity {{.Capacity}}</p>
{{with .Host}}
<p>host: cpu {{printf "%.1f" .CPUPercent}}% &middot; mem {{printf "%.1f" .MemoryPercent}}% &middot;
disk {{printf "%.1f" .DiskUsagePercent}}% &middot; load1 {{printf "%.2f" .LoadAverage}}</p>
{{end}}
<table border="1" cellpadding="4" cellspacing="0">
<tr>
  <th>index</th><th>remote</th><th>service</th><th>state</th><th>slow</th>
  <th>queued</th><th>limit</th><th>dropped</th><th>mbps</th><th>connected for</th>
</tr>
{{range .Connections}}
<tr>
  <td>{{.Index}}</td>
  <td>{{.RemoteAddr}}</td>
  <td>{{.Service}}</td>
  <td>{{.State}}</td>
  <td>{{.Slow}}</td>
  <td>{{.QueuedBytes}}</td>
  <td>{{.QueueLimit}}</td>
  <td>{{.DroppedPackets}}</td>
  <td>{{mbps .BandwidthBps}}</td>
  <td>{{.ConnectedFor}}</td>
</tr>
{{end}}
</table>
<h2>recent events</h2>
<ul>
{{range .Events}}<li>[{{.Timestamp}}] {{.Level}} {{.Type}} {{.Service}}: {{.Message}}</li>
{{end}}
</ul>
</body>
</html>
`))
