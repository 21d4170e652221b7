package oauth

// Default HTTP-layer settings.
const (
	DefaultLoginPath         = "/login"
	DefaultRateLimitRPS      = 10
	DefaultRateLimitBurst    = 20
	DefaultTrustedProxyCount = 1
)

// Config holds HTTP-layer configuration. Protocol engine settings live in
// server.Config.
type Config struct {
	// BaseDomain is the apex under which tenant subdomains resolve, for
	// example "auth.example.com" serving "acme.auth.example.com".
	BaseDomain string

	// LoginPath is where unauthenticated authorization requests are sent.
	// The pending request ID is appended as ?authorization_request_id=.
	LoginPath string

	// TrustProxy enables X-Forwarded-For parsing for client IPs. Only set
	// behind a proxy that strips inbound forwarding headers.
	TrustProxy bool

	// TrustedProxyCount is the number of trailing proxy hops to skip in
	// X-Forwarded-For when TrustProxy is set.
	TrustedProxyCount int

	// RateLimitRPS and RateLimitBurst bound per-IP request rates on the
	// token and registration endpoints. Zero values take defaults; rate
	// limiting is always on.
	RateLimitRPS   int
	RateLimitBurst int
}

func (c *Config) applySecureDefaults() {
	if c.LoginPath == "" {
		c.LoginPath = DefaultLoginPath
	}
	if c.RateLimitRPS <= 0 {
		c.RateLimitRPS = DefaultRateLimitRPS
	}
	if c.RateLimitBurst <= 0 {
		c.RateLimitBurst = DefaultRateLimitBurst
	}
	if c.TrustedProxyCount <= 0 {
		c.TrustedProxyCount = DefaultTrustedProxyCount
	}
}
