package gateway

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"sync/atomic"

	"github.com/iptvgw/iptvgw/internal/playlist"
)

// PlaylistCache holds the most recently fetched and rewritten upstream
// playlist, served at GET /playlist.m3u. A nil cached value means no
// successful fetch has completed yet.
type PlaylistCache struct {
	cached atomic.Pointer[[]byte]
	logger *slog.Logger
}

// NewPlaylistCache creates an empty cache.
func NewPlaylistCache(logger *slog.Logger) *PlaylistCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &PlaylistCache{logger: logger}
}

// Refresh fetches sourceURL, rewrites every entry's URL to point at this
// gateway (base, e.g. "http://gateway.example.com:8080"), and swaps the
// cache on success. Intended to be called both at startup and from the
// scheduler's playlist-refresh job.
func (p *PlaylistCache) Refresh(ctx context.Context, fetcher *playlist.Fetcher, sourceURL, base string) {
	done := make(chan struct{})
	fetcher.Fetch(ctx, sourceURL, func(body []byte, err error) {
		defer close(done)
		if err != nil {
			p.logger.Warn("playlist: refresh failed", "source", sourceURL, "error", err)
			return
		}
		entries, err := playlist.Parse(bytes.NewReader(body))
		if err != nil {
			p.logger.Warn("playlist: parsing upstream playlist failed", "source", sourceURL, "error", err)
			return
		}
		rewritten := playlist.Transform(entries, rewriteToGateway(base))
		var buf bytes.Buffer
		if err := playlist.Write(&buf, rewritten); err != nil {
			p.logger.Warn("playlist: writing rewritten playlist failed", "error", err)
			return
		}
		out := buf.Bytes()
		p.cached.Store(&out)
		p.logger.Info("playlist: refreshed", "entries", len(rewritten))
	})
	<-done
}

// rewriteToGateway rewrites an upstream multicast/RTSP URL into a
// base+"/<service-name>" URL this gateway serves, by taking the last path
// segment of the upstream URL as the service name.
func rewriteToGateway(base string) playlist.Rewrite {
	return func(upstreamURL string) (string, bool) {
		u, err := url.Parse(upstreamURL)
		if err != nil {
			return "", false
		}
		name := u.Path
		if i := lastSlash(name); i >= 0 {
			name = name[i+1:]
		}
		if name == "" {
			return "", false
		}
		return base + "/" + name, true
	}
}

func lastSlash(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == '/' {
			return i
		}
	}
	return -1
}

// ServeHTTP serves the cached playlist, or 503 if none has been fetched
// yet.
func (p *PlaylistCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cached := p.cached.Load()
	if cached == nil {
		http.Error(w, "playlist not yet available", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	_, _ = w.Write(*cached)
}
