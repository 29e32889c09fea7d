package gateway

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/iptvgw/iptvgw/internal/playlist"
	"github.com/iptvgw/iptvgw/internal/stream"
)

// mediaContentType is the Content-Type advertised for every routed
// stream's response preamble: raw MPEG-TS over HTTP, per spec.md §6.
const mediaContentType = "video/mp2t"

// route resolves a request's path and query string to a concrete Service,
// either a registered one (with query overrides applied) or an ad-hoc one
// built from a UDPxy-compatible fallback path, per spec.md §6.
func route(registry *stream.Registry, req *request) (*stream.Service, error) {
	name := strings.Trim(req.path, "/")

	if svc, err := registry.Lookup(name); err == nil {
		return svc.Clone(parseOverrides(req.query)), nil
	}

	if r, ok := playlist.ParseUDPxyPath(req.path); ok {
		return &stream.Service{
			Name:   fmt.Sprintf("udpxy:%s:%d", r.Group, r.Port),
			Group:  r.Group,
			Source: r.Source,
			Port:   r.Port,
		}, nil
	}

	return nil, fmt.Errorf("gateway: no route for path %q", req.path)
}

// parseOverrides extracts the source, rendezvous, and playseek query
// parameters a request may use to override a cloned Service, per
// spec.md §3.
func parseOverrides(rawQuery string) stream.Overrides {
	var o stream.Overrides
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return o
	}
	if src := values.Get("source"); src != "" {
		if ip := net.ParseIP(src); ip != nil {
			o.Source = ip
		}
	}
	if rv := values.Get("rendezvous"); rv != "" {
		if addr, err := net.ResolveUDPAddr("udp", rv); err == nil {
			o.Rendezvous = addr
		}
	}
	o.Playseek = values.Get("playseek")
	return o
}
