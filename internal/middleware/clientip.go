package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the requester's address, preferring forwarding headers
// set by a reverse proxy. Anonymous responses are keyed by this value, so
// it must be stable for a given client.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		// first address is the originating client
		for _, part := range strings.Split(fwd, ",") {
			ip := strings.TrimSpace(part)
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		if net.ParseIP(real) != nil {
			return real
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
