package security

import (
	"net/http"
	"strings"
)

// SetSecurityHeaders sets security headers appropriate for OAuth endpoints.
// Token and code responses must never be cached, and the endpoints serve no
// embeddable content. HSTS is only sent when the issuer is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, issuerURL string) {
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	w.Header().Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(issuerURL, "https://") {
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
	w.Header().Set("Pragma", "no-cache")
}
