// Package gateway implements ServeFunc, the per-connection request
// parser and router the worker shards drive: reads the client's HTTP
// request line and headers directly off the socket, applies the
// optional admission controls, routes to a configured Service or a
// UDPxy-compatible fallback path, and attaches a stream.Context for the
// duration of the stream.
package gateway

import (
	"net"
	"net/url"
	"strings"
)

// Admission holds the optional controls spec.md §6 describes. Any zero
// value disables that control.
type Admission struct {
	Hostname    string // "" disables the Host header check
	BearerToken string // "" disables the token check
	MaxClients  int    // 0 disables the capacity check
}

// checkHost reports whether the Host header matches the configured
// hostname, case-insensitively and with an optional ":port" suffix
// stripped from either side.
func (a Admission) checkHost(host string) bool {
	if a.Hostname == "" {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.EqualFold(host, a.Hostname)
}

// checkToken reports whether the request's r2h-token query parameter
// matches the configured bearer token exactly, after URL decoding.
func (a Admission) checkToken(rawQuery string) bool {
	if a.BearerToken == "" {
		return true
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return false
	}
	return values.Get("r2h-token") == a.BearerToken
}

// checkCapacity reports whether a new client may be admitted given the
// current active connection count. Callers must pass the gateway-wide
// count (status.Index.ActiveCount), not one shard's own, per spec.md §6's
// "global capacity check against maxclients" — a per-shard count would
// let the effective cap scale with the worker count instead of staying
// fixed.
func (a Admission) checkCapacity(active int) bool {
	if a.MaxClients <= 0 {
		return true
	}
	return active <= a.MaxClients
}
