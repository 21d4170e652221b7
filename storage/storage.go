package storage

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors returned by store implementations. The protocol engine maps
// all of them to a single invalid_grant response so callers cannot distinguish
// a missing credential from a consumed or expired one.
var (
	// ErrNotFound indicates the requested record does not exist within the
	// given tenant partition.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyUsed indicates an authorization code was already redeemed.
	// Implementations should still return the stored record alongside this
	// error so the caller can revoke the tokens minted by the first
	// redemption.
	ErrAlreadyUsed = errors.New("storage: already used")

	// ErrExpired indicates the record exists but its lifetime has elapsed.
	ErrExpired = errors.New("storage: expired")

	// ErrRevoked indicates the token exists but has been revoked.
	ErrRevoked = errors.New("storage: revoked")
)

// Tenant is an isolated authorization-server instance. Each tenant has its own
// issuer identity, client registry, and token space.
type Tenant struct {
	// ID is the stable partition key used on every store access.
	ID string

	// Slug is the unique subdomain label the tenant is addressed by.
	Slug string

	// IssuerURL is the tenant's issuer identifier, e.g.
	// "https://acme.mcp-obs.com". Used verbatim in server metadata.
	IssuerURL string

	// Enabled gates all protocol operations for the tenant.
	Enabled bool

	// ScopesSupported is the set of scopes the tenant can grant.
	ScopesSupported []string

	// AccessTokenTTL and RefreshTokenTTL override the deployment defaults
	// when non-zero.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration

	CreatedAt time.Time
}

// Client is a registered OAuth client, owned by exactly one tenant.
type Client struct {
	ClientID string

	// ClientSecretHash is the bcrypt hash of the client secret. Empty for
	// public clients (token_endpoint_auth_method "none").
	ClientSecretHash string

	// TenantID is the owning tenant. A client ID is only meaningful within
	// its tenant partition.
	TenantID string

	ClientName    string
	RedirectURIs  []string
	GrantTypes    []string
	ResponseTypes []string

	// TokenEndpointAuthMethod is one of "none", "client_secret_basic",
	// "client_secret_post".
	TokenEndpointAuthMethod string

	// Scope is the space-separated scope restriction registered for the
	// client. Empty means the client may request any tenant scope.
	Scope string

	Disabled  bool
	CreatedAt time.Time
}

// PendingAuthorization holds a validated authorization request that is waiting
// for end-user authentication. It is keyed by a server-generated request ID
// fixed at creation; flow re-entry must present exactly that ID.
type PendingAuthorization struct {
	RequestID string
	TenantID  string
	ClientID  string

	RedirectURI         string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	CreatedAt time.Time
	ExpiresAt time.Time
}

// AuthorizationCode is a single-use credential binding a client, an end user,
// a redirect URI, and a PKCE challenge. A zero UsedAt means the code has not
// been redeemed.
type AuthorizationCode struct {
	Code     string
	TenantID string
	ClientID string

	// UserID is the authenticated end-user subject the code was issued for.
	UserID string

	RedirectURI         string
	CodeChallenge       string
	CodeChallengeMethod string
	Scope               string
	State               string

	CreatedAt time.Time
	ExpiresAt time.Time
	UsedAt    time.Time
}

// Token is an issued access/refresh token pair. Both values are opaque
// high-entropy strings; possession of either is the only credential.
type Token struct {
	AccessToken  string
	RefreshToken string

	TenantID string
	ClientID string
	UserID   string

	Scope     string
	TokenType string

	IssuedAt              time.Time
	ExpiresAt             time.Time
	RefreshTokenExpiresAt time.Time

	// RevokedAt is zero while the pair is live. Revoking either value
	// revokes the pair.
	RevokedAt time.Time

	// RotatedFrom is the refresh token this pair replaced, empty for pairs
	// minted by a code exchange.
	RotatedFrom string
}

// TenantStore persists tenant records.
type TenantStore interface {
	// GetTenant retrieves a tenant by ID. Returns ErrNotFound if absent.
	GetTenant(ctx context.Context, tenantID string) (*Tenant, error)

	// GetTenantBySlug retrieves a tenant by its subdomain slug.
	// Returns ErrNotFound if absent.
	GetTenantBySlug(ctx context.Context, slug string) (*Tenant, error)

	// SaveTenant creates or replaces a tenant record.
	SaveTenant(ctx context.Context, tenant *Tenant) error
}

// ClientStore persists registered clients, partitioned by tenant.
type ClientStore interface {
	// SaveClient creates or replaces a client within its tenant.
	SaveClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID within the given tenant.
	// Returns ErrNotFound if the client does not exist in that tenant,
	// even if the same client ID exists elsewhere.
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)

	// CountClients returns the number of clients registered in the tenant.
	CountClients(ctx context.Context, tenantID string) (int, error)
}

// FlowStore persists in-flight authorization state: pending authorizations
// awaiting end-user login, and issued single-use authorization codes.
type FlowStore interface {
	// SavePendingAuthorization stores a pending authorization under its
	// request ID.
	SavePendingAuthorization(ctx context.Context, pending *PendingAuthorization) error

	// TakePendingAuthorization atomically retrieves and deletes the pending
	// authorization with the given request ID. Exactly one caller can
	// obtain it; concurrent callers receive ErrNotFound.
	TakePendingAuthorization(ctx context.Context, tenantID, requestID string) (*PendingAuthorization, error)

	// SaveAuthorizationCode stores a newly issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the stored code without mutating it, so
	// callers can run validation before committing to the consume step.
	// Returns ErrNotFound when the code does not exist for the tenant and
	// client; used and expired records are returned as stored.
	GetAuthorizationCode(ctx context.Context, tenantID, clientID, code string) (*AuthorizationCode, error)

	// ConsumeAuthorizationCode atomically checks and marks an authorization
	// code as used, in a single compare-and-swap step.
	//
	// SECURITY: with concurrent redemption attempts exactly one caller
	// wins. The code must belong to the given tenant and client and must
	// not be expired at the supplied instant. Returns ErrNotFound for an
	// unknown code, ErrExpired past its lifetime, and ErrAlreadyUsed
	// (with the stored record) when it was redeemed before, so the caller
	// can revoke tokens minted by the first redemption.
	ConsumeAuthorizationCode(ctx context.Context, tenantID, clientID, code string, now time.Time) (*AuthorizationCode, error)
}

// TokenStore persists issued token pairs, partitioned by tenant.
type TokenStore interface {
	// SaveToken stores an issued token pair, indexed by both the access
	// token and the refresh token value.
	SaveToken(ctx context.Context, token *Token) error

	// GetByAccessToken retrieves a pair by its access token value.
	// Returns ErrNotFound if absent within the tenant.
	GetByAccessToken(ctx context.Context, tenantID, accessToken string) (*Token, error)

	// GetByRefreshToken retrieves a pair by its refresh token value.
	// Returns ErrNotFound if absent within the tenant.
	GetByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*Token, error)

	// RotateRefreshToken atomically revokes the pair identified by the
	// given refresh token and returns the revoked record so the caller can
	// mint its successor.
	//
	// SECURITY: with concurrent refresh attempts exactly one caller
	// receives the record; the rest receive ErrRevoked. The pair must
	// belong to the given tenant and client and must not be revoked or
	// past its refresh expiry at the supplied instant (ErrRevoked and
	// ErrExpired respectively).
	RotateRefreshToken(ctx context.Context, tenantID, clientID, refreshToken string, now time.Time) (*Token, error)

	// RevokeToken revokes the pair whose access or refresh token equals
	// the given value. Returns whether a live pair was found; revoking an
	// unknown or already revoked token is not an error.
	RevokeToken(ctx context.Context, tenantID, value string, now time.Time) (bool, error)

	// RevokeAllForUserClient revokes every live pair issued to the given
	// user and client. Used when authorization code replay is detected.
	RevokeAllForUserClient(ctx context.Context, tenantID, userID, clientID string, now time.Time) (int, error)
}

// Store aggregates all storage interfaces a backend must implement.
type Store interface {
	TenantStore
	ClientStore
	FlowStore
	TokenStore

	// Close releases backend resources and stops background maintenance.
	Close() error
}
