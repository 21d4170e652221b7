package server

import (
	"time"

	"github.com/mcp-obs/oauth/security"
	"github.com/mcp-obs/oauth/storage"
)

// Default lifetimes. Tenants may override token TTLs per record; flow
// lifetimes are deployment-wide.
const (
	DefaultAuthorizationCodeTTL    = 10 * time.Minute
	DefaultPendingAuthorizationTTL = 10 * time.Minute
	DefaultAccessTokenTTL          = time.Hour
	DefaultRefreshTokenTTL         = 30 * 24 * time.Hour
	DefaultStoreTimeout            = 5 * time.Second
	DefaultMinStateLength          = 8
	DefaultMaxClientsPerTenant     = 100
)

// Config holds protocol engine configuration.
type Config struct {
	// AuthorizationCodeTTL is the lifetime of issued authorization codes.
	AuthorizationCodeTTL time.Duration

	// PendingAuthorizationTTL is how long an authorization request waits
	// for end-user login before it lapses.
	PendingAuthorizationTTL time.Duration

	// DefaultAccessTokenTTL applies to tenants without their own TTL.
	DefaultAccessTokenTTL time.Duration

	// DefaultRefreshTokenTTL applies to tenants without their own TTL.
	DefaultRefreshTokenTTL time.Duration

	// ClockSkewGracePeriod is applied to expiry checks.
	ClockSkewGracePeriod time.Duration

	// StoreTimeout bounds every store call; a store that exceeds it is
	// reported as server_error rather than hanging the request.
	StoreTimeout time.Duration

	// MinStateLength is the minimum accepted length of a state parameter
	// when one is supplied.
	MinStateLength int

	// MaxClientsPerTenant caps dynamic registrations per tenant.
	MaxClientsPerTenant int

	// ProductionMode requires HTTPS redirect URIs except for loopback
	// hosts. Disable only in development.
	ProductionMode bool
}

// applySecureDefaults fills zero values with safe defaults.
func (c *Config) applySecureDefaults() {
	if c.AuthorizationCodeTTL <= 0 {
		c.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if c.PendingAuthorizationTTL <= 0 {
		c.PendingAuthorizationTTL = DefaultPendingAuthorizationTTL
	}
	if c.DefaultAccessTokenTTL <= 0 {
		c.DefaultAccessTokenTTL = DefaultAccessTokenTTL
	}
	if c.DefaultRefreshTokenTTL <= 0 {
		c.DefaultRefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if c.ClockSkewGracePeriod <= 0 {
		c.ClockSkewGracePeriod = security.DefaultClockSkewGracePeriod
	}
	if c.StoreTimeout <= 0 {
		c.StoreTimeout = DefaultStoreTimeout
	}
	if c.MinStateLength <= 0 {
		c.MinStateLength = DefaultMinStateLength
	}
	if c.MaxClientsPerTenant <= 0 {
		c.MaxClientsPerTenant = DefaultMaxClientsPerTenant
	}
}

// accessTokenTTL returns the tenant's access token lifetime, falling back to
// the deployment default.
func (c *Config) accessTokenTTL(t *storage.Tenant) time.Duration {
	if t != nil && t.AccessTokenTTL > 0 {
		return t.AccessTokenTTL
	}
	return c.DefaultAccessTokenTTL
}

// refreshTokenTTL returns the tenant's refresh token lifetime, falling back
// to the deployment default.
func (c *Config) refreshTokenTTL(t *storage.Tenant) time.Duration {
	if t != nil && t.RefreshTokenTTL > 0 {
		return t.RefreshTokenTTL
	}
	return c.DefaultRefreshTokenTTL
}
