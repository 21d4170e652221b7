package security

import (
	"net"
	"net/http"
	"strings"
)

// GetClientIP extracts the client IP address from the request.
//
// SECURITY: only enable trustProxy when the server sits behind a trusted
// reverse proxy; otherwise X-Forwarded-For is attacker-controlled.
// trustedProxyCount is the number of proxies we control counted from the
// right of X-Forwarded-For.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := extractIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); ip != "" && net.ParseIP(ip) != nil {
			return ip
		}
	}
	return extractIPFromRemoteAddr(r.RemoteAddr)
}

// extractIPFromXFF picks the client IP out of X-Forwarded-For. The header
// reads "client, proxy1, proxy2, ..."; the rightmost entries are the proxies
// we control, so the client is at len(ips)-trustedProxyCount-1.
func extractIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	proxyCount := trustedProxyCount
	if proxyCount == 0 {
		proxyCount = 1
	}
	idx := len(ips) - proxyCount - 1
	if idx < 0 {
		idx = 0
	}

	clientIP := strings.TrimSpace(ips[idx])
	if net.ParseIP(clientIP) != nil {
		return clientIP
	}
	return ""
}

func extractIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
