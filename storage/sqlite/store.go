package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mcp-obs/oauth/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id TEXT PRIMARY KEY,
	slug TEXT NOT NULL UNIQUE,
	issuer_url TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	scopes_supported TEXT NOT NULL DEFAULT '',
	access_token_ttl_ms INTEGER NOT NULL DEFAULT 0,
	refresh_token_ttl_ms INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS clients (
	tenant_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	client_secret_hash TEXT NOT NULL DEFAULT '',
	client_name TEXT NOT NULL DEFAULT '',
	redirect_uris TEXT NOT NULL DEFAULT '',
	grant_types TEXT NOT NULL DEFAULT '',
	response_types TEXT NOT NULL DEFAULT '',
	token_endpoint_auth_method TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	disabled INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, client_id)
);

CREATE TABLE IF NOT EXISTS pending_authorizations (
	tenant_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	redirect_uri TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	code_challenge TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL DEFAULT 0,
	expires_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, request_id)
);

CREATE TABLE IF NOT EXISTS authorization_codes (
	tenant_id TEXT NOT NULL,
	code TEXT NOT NULL,
	client_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	redirect_uri TEXT NOT NULL DEFAULT '',
	code_challenge TEXT NOT NULL DEFAULT '',
	code_challenge_method TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	state TEXT NOT NULL DEFAULT '',
	created_at_ms INTEGER NOT NULL DEFAULT 0,
	expires_at_ms INTEGER NOT NULL DEFAULT 0,
	used_at_ms INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (tenant_id, code)
);

CREATE TABLE IF NOT EXISTS tokens (
	tenant_id TEXT NOT NULL,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL DEFAULT '',
	client_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	scope TEXT NOT NULL DEFAULT '',
	token_type TEXT NOT NULL DEFAULT '',
	issued_at_ms INTEGER NOT NULL DEFAULT 0,
	expires_at_ms INTEGER NOT NULL DEFAULT 0,
	refresh_expires_at_ms INTEGER NOT NULL DEFAULT 0,
	revoked_at_ms INTEGER NOT NULL DEFAULT 0,
	rotated_from TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (tenant_id, access_token)
);

CREATE INDEX IF NOT EXISTS idx_tokens_refresh ON tokens (tenant_id, refresh_token);
CREATE INDEX IF NOT EXISTS idx_tokens_user_client ON tokens (tenant_id, user_id, client_id);
`

// Store is a SQLite-backed implementation of storage.Store.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens (creating if necessary) the database at path and applies the
// schema.
func Open(path string) (*Store, error) {
	dsn := path + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func joinList(values []string) string {
	return strings.Join(values, "\n")
}

func splitList(value string) []string {
	if value == "" {
		return nil
	}
	return strings.Split(value, "\n")
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*storage.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx, `
		SELECT id, slug, issuer_url, enabled, scopes_supported,
		       access_token_ttl_ms, refresh_token_ttl_ms, created_at_ms
		FROM tenants WHERE id = ?`, tenantID))
}

// GetTenantBySlug retrieves a tenant by its subdomain slug.
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*storage.Tenant, error) {
	return s.scanTenant(s.db.QueryRowContext(ctx, `
		SELECT id, slug, issuer_url, enabled, scopes_supported,
		       access_token_ttl_ms, refresh_token_ttl_ms, created_at_ms
		FROM tenants WHERE slug = ?`, slug))
}

func (s *Store) scanTenant(row *sql.Row) (*storage.Tenant, error) {
	var (
		t                          storage.Tenant
		enabled                    int
		scopes                     string
		accessMS, refreshMS, ctMS  int64
	)
	err := row.Scan(&t.ID, &t.Slug, &t.IssuerURL, &enabled, &scopes, &accessMS, &refreshMS, &ctMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.Enabled = enabled != 0
	t.ScopesSupported = splitList(scopes)
	t.AccessTokenTTL = time.Duration(accessMS) * time.Millisecond
	t.RefreshTokenTTL = time.Duration(refreshMS) * time.Millisecond
	t.CreatedAt = fromMillis(ctMS)
	return &t, nil
}

// SaveTenant creates or replaces a tenant record.
func (s *Store) SaveTenant(ctx context.Context, tenant *storage.Tenant) error {
	if tenant.ID == "" || tenant.Slug == "" {
		return fmt.Errorf("tenant ID and slug are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, slug, issuer_url, enabled, scopes_supported,
			access_token_ttl_ms, refresh_token_ttl_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			slug = excluded.slug,
			issuer_url = excluded.issuer_url,
			enabled = excluded.enabled,
			scopes_supported = excluded.scopes_supported,
			access_token_ttl_ms = excluded.access_token_ttl_ms,
			refresh_token_ttl_ms = excluded.refresh_token_ttl_ms`,
		tenant.ID, tenant.Slug, tenant.IssuerURL, boolToInt(tenant.Enabled),
		joinList(tenant.ScopesSupported),
		tenant.AccessTokenTTL.Milliseconds(), tenant.RefreshTokenTTL.Milliseconds(),
		toMillis(tenant.CreatedAt))
	if err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	return nil
}

// SaveClient creates or replaces a client within its tenant.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client.TenantID == "" || client.ClientID == "" {
		return fmt.Errorf("client tenant ID and client ID are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (tenant_id, client_id, client_secret_hash, client_name,
			redirect_uris, grant_types, response_types, token_endpoint_auth_method,
			scope, disabled, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, client_id) DO UPDATE SET
			client_secret_hash = excluded.client_secret_hash,
			client_name = excluded.client_name,
			redirect_uris = excluded.redirect_uris,
			grant_types = excluded.grant_types,
			response_types = excluded.response_types,
			token_endpoint_auth_method = excluded.token_endpoint_auth_method,
			scope = excluded.scope,
			disabled = excluded.disabled`,
		client.TenantID, client.ClientID, client.ClientSecretHash, client.ClientName,
		joinList(client.RedirectURIs), joinList(client.GrantTypes), joinList(client.ResponseTypes),
		client.TokenEndpointAuthMethod, client.Scope, boolToInt(client.Disabled),
		toMillis(client.CreatedAt))
	if err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	return nil
}

// GetClient retrieves a client by ID within the given tenant.
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, client_id, client_secret_hash, client_name, redirect_uris,
		       grant_types, response_types, token_endpoint_auth_method, scope,
		       disabled, created_at_ms
		FROM clients WHERE tenant_id = ? AND client_id = ?`, tenantID, clientID)

	var (
		c                              storage.Client
		uris, grants, responses        string
		disabled                       int
		ctMS                           int64
	)
	err := row.Scan(&c.TenantID, &c.ClientID, &c.ClientSecretHash, &c.ClientName,
		&uris, &grants, &responses, &c.TokenEndpointAuthMethod, &c.Scope, &disabled, &ctMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan client: %w", err)
	}
	c.RedirectURIs = splitList(uris)
	c.GrantTypes = splitList(grants)
	c.ResponseTypes = splitList(responses)
	c.Disabled = disabled != 0
	c.CreatedAt = fromMillis(ctMS)
	return &c, nil
}

// CountClients returns the number of clients registered in the tenant.
func (s *Store) CountClients(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM clients WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return n, nil
}

// SavePendingAuthorization stores a pending authorization under its request ID.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending.TenantID == "" || pending.RequestID == "" {
		return fmt.Errorf("pending authorization tenant ID and request ID are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_authorizations (tenant_id, request_id, client_id,
			redirect_uri, scope, state, code_challenge, code_challenge_method,
			created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pending.TenantID, pending.RequestID, pending.ClientID,
		pending.RedirectURI, pending.Scope, pending.State,
		pending.CodeChallenge, pending.CodeChallengeMethod,
		toMillis(pending.CreatedAt), toMillis(pending.ExpiresAt))
	if err != nil {
		return fmt.Errorf("save pending authorization: %w", err)
	}
	return nil
}

// TakePendingAuthorization atomically retrieves and deletes a pending
// authorization. The DELETE ... RETURNING form makes the database pick a
// single winner among concurrent callers.
func (s *Store) TakePendingAuthorization(ctx context.Context, tenantID, requestID string) (*storage.PendingAuthorization, error) {
	row := s.db.QueryRowContext(ctx, `
		DELETE FROM pending_authorizations
		WHERE tenant_id = ? AND request_id = ?
		RETURNING tenant_id, request_id, client_id, redirect_uri, scope, state,
		          code_challenge, code_challenge_method, created_at_ms, expires_at_ms`,
		tenantID, requestID)

	var (
		p            storage.PendingAuthorization
		ctMS, expMS  int64
	)
	err := row.Scan(&p.TenantID, &p.RequestID, &p.ClientID, &p.RedirectURI, &p.Scope,
		&p.State, &p.CodeChallenge, &p.CodeChallengeMethod, &ctMS, &expMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take pending authorization: %w", err)
	}
	p.CreatedAt = fromMillis(ctMS)
	p.ExpiresAt = fromMillis(expMS)
	return &p, nil
}

// SaveAuthorizationCode stores a newly issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code.TenantID == "" || code.Code == "" {
		return fmt.Errorf("authorization code tenant ID and code are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_codes (tenant_id, code, client_id, user_id,
			redirect_uri, code_challenge, code_challenge_method, scope, state,
			created_at_ms, expires_at_ms, used_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		code.TenantID, code.Code, code.ClientID, code.UserID,
		code.RedirectURI, code.CodeChallenge, code.CodeChallengeMethod,
		code.Scope, code.State,
		toMillis(code.CreatedAt), toMillis(code.ExpiresAt), toMillis(code.UsedAt))
	if err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}
	return nil
}

// GetAuthorizationCode returns the stored code without mutating it.
func (s *Store) GetAuthorizationCode(ctx context.Context, tenantID, clientID, code string) (*storage.AuthorizationCode, error) {
	return s.getAuthorizationCode(ctx, tenantID, clientID, code)
}

// ConsumeAuthorizationCode atomically marks a code as used via a conditional
// UPDATE; the database guarantees a single winner under concurrency.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, tenantID, clientID, code string, now time.Time) (*storage.AuthorizationCode, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE authorization_codes SET used_at_ms = ?
		WHERE tenant_id = ? AND client_id = ? AND code = ?
		  AND used_at_ms = 0 AND expires_at_ms > ?`,
		toMillis(now), tenantID, clientID, code, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	rec, getErr := s.getAuthorizationCode(ctx, tenantID, clientID, code)
	if getErr != nil {
		return nil, getErr
	}

	if affected == 1 {
		return rec, nil
	}
	if !rec.UsedAt.IsZero() {
		return rec, storage.ErrAlreadyUsed
	}
	return nil, storage.ErrExpired
}

func (s *Store) getAuthorizationCode(ctx context.Context, tenantID, clientID, code string) (*storage.AuthorizationCode, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT tenant_id, code, client_id, user_id, redirect_uri, code_challenge,
		       code_challenge_method, scope, state, created_at_ms, expires_at_ms, used_at_ms
		FROM authorization_codes
		WHERE tenant_id = ? AND client_id = ? AND code = ?`, tenantID, clientID, code)

	var (
		c                    storage.AuthorizationCode
		ctMS, expMS, usedMS  int64
	)
	err := row.Scan(&c.TenantID, &c.Code, &c.ClientID, &c.UserID, &c.RedirectURI,
		&c.CodeChallenge, &c.CodeChallengeMethod, &c.Scope, &c.State, &ctMS, &expMS, &usedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan authorization code: %w", err)
	}
	c.CreatedAt = fromMillis(ctMS)
	c.ExpiresAt = fromMillis(expMS)
	c.UsedAt = fromMillis(usedMS)
	return &c, nil
}

// SaveToken stores an issued token pair.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token.TenantID == "" || token.AccessToken == "" {
		return fmt.Errorf("token tenant ID and access token are required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tokens (tenant_id, access_token, refresh_token, client_id,
			user_id, scope, token_type, issued_at_ms, expires_at_ms,
			refresh_expires_at_ms, revoked_at_ms, rotated_from)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		token.TenantID, token.AccessToken, token.RefreshToken, token.ClientID,
		token.UserID, token.Scope, token.TokenType,
		toMillis(token.IssuedAt), toMillis(token.ExpiresAt),
		toMillis(token.RefreshTokenExpiresAt), toMillis(token.RevokedAt),
		token.RotatedFrom)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

const tokenColumns = `tenant_id, access_token, refresh_token, client_id, user_id,
	scope, token_type, issued_at_ms, expires_at_ms, refresh_expires_at_ms,
	revoked_at_ms, rotated_from`

func scanToken(row *sql.Row) (*storage.Token, error) {
	var (
		t                                       storage.Token
		issuedMS, expMS, refExpMS, revokedMS    int64
	)
	err := row.Scan(&t.TenantID, &t.AccessToken, &t.RefreshToken, &t.ClientID,
		&t.UserID, &t.Scope, &t.TokenType, &issuedMS, &expMS, &refExpMS,
		&revokedMS, &t.RotatedFrom)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan token: %w", err)
	}
	t.IssuedAt = fromMillis(issuedMS)
	t.ExpiresAt = fromMillis(expMS)
	t.RefreshTokenExpiresAt = fromMillis(refExpMS)
	t.RevokedAt = fromMillis(revokedMS)
	return &t, nil
}

// GetByAccessToken retrieves a pair by its access token value.
func (s *Store) GetByAccessToken(ctx context.Context, tenantID, accessToken string) (*storage.Token, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE tenant_id = ? AND access_token = ?`,
		tenantID, accessToken))
}

// GetByRefreshToken retrieves a pair by its refresh token value.
func (s *Store) GetByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*storage.Token, error) {
	return scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE tenant_id = ? AND refresh_token = ? AND refresh_token != ''`,
		tenantID, refreshToken))
}

// RotateRefreshToken atomically revokes the matching live pair via a
// conditional UPDATE and returns the revoked record.
func (s *Store) RotateRefreshToken(ctx context.Context, tenantID, clientID, refreshToken string, now time.Time) (*storage.Token, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET revoked_at_ms = ?
		WHERE tenant_id = ? AND client_id = ? AND refresh_token = ? AND refresh_token != ''
		  AND revoked_at_ms = 0 AND (refresh_expires_at_ms = 0 OR refresh_expires_at_ms > ?)`,
		toMillis(now), tenantID, clientID, refreshToken, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	rec, getErr := scanToken(s.db.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE tenant_id = ? AND client_id = ? AND refresh_token = ? AND refresh_token != ''`,
		tenantID, clientID, refreshToken))
	if getErr != nil {
		return nil, getErr
	}

	if affected == 1 {
		return rec, nil
	}
	if !rec.RevokedAt.IsZero() {
		return nil, storage.ErrRevoked
	}
	return nil, storage.ErrExpired
}

// RevokeToken revokes the live pair matching the given access or refresh
// token value. Unknown or already revoked values are not an error.
func (s *Store) RevokeToken(ctx context.Context, tenantID, value string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET revoked_at_ms = ?
		WHERE tenant_id = ? AND revoked_at_ms = 0
		  AND (access_token = ? OR (refresh_token = ? AND refresh_token != ''))`,
		toMillis(now), tenantID, value, value)
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return affected > 0, nil
}

// RevokeAllForUserClient revokes every live pair issued to the user and client.
func (s *Store) RevokeAllForUserClient(ctx context.Context, tenantID, userID, clientID string, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens SET revoked_at_ms = ?
		WHERE tenant_id = ? AND user_id = ? AND client_id = ? AND revoked_at_ms = 0`,
		toMillis(now), tenantID, userID, clientID)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens for user and client: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke tokens for user and client: %w", err)
	}
	return int(affected), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
