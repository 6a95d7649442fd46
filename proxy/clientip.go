package proxy

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// clientIP extracts the address the decision is made for. By default it is
// the peer of the connection. With trustForwarded the leftmost
// X-Forwarded-For entry wins when it parses, which is only safe behind a
// proxy that overwrites the header.
func clientIP(r *http.Request, trustForwarded bool) (netip.Addr, bool) {
	if trustForwarded {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if comma := strings.Index(xff, ","); comma != -1 {
				xff = xff[:comma]
			}
			if ip, err := netip.ParseAddr(strings.TrimSpace(xff)); err == nil {
				return ip.Unmap(), true
			}
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return ip.Unmap(), true
}

// hostname returns the request host without port, lowercased.
func hostname(hostport string) string {
	host := hostport
	if h, _, err := net.SplitHostPort(hostport); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}
