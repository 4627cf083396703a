package common

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIP returns the caller address recorded in the audit log and used for
// anonymous rate-limit buckets. The API runs chi's RealIP first, so RemoteAddr
// already holds the forwarded client; the port is dropped so one caller maps
// to one bucket. Unparseable addresses yield "".
func ClientIP(r *http.Request) string {
	if r == nil {
		return ""
	}
	raw := strings.TrimSpace(r.RemoteAddr)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	addr, err := netip.ParseAddr(strings.Trim(raw, "[]"))
	if err != nil {
		return ""
	}
	return addr.Unmap().String()
}
