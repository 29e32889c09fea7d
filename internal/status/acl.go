package status

import (
	"net"
	"net/http"
)

// ACL is a deny-by-default allowlist of CIDR ranges guarding the admin
// status surface (HTML page, SSE, disconnect/log-level APIs). An empty
// ACL denies every remote address; callers that want the surface open
// must configure at least one CIDR.
type ACL struct {
	nets []*net.IPNet
}

// NewACL builds an ACL from the given allowed CIDR ranges.
func NewACL(cidrs []*net.IPNet) *ACL {
	return &ACL{nets: cidrs}
}

// Middleware rejects requests from addresses outside the ACL with 403.
func (a *ACL) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Allowed(r.RemoteAddr) {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allowed reports whether remoteAddr (host, or host:port) falls inside
// one of the ACL's CIDR ranges.
func (a *ACL) Allowed(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	for _, cidr := range a.nets {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}
