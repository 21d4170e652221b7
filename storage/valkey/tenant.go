package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcp-obs/oauth/storage"
)

// tenantJSON is the stored representation of a tenant. Timestamps and TTLs
// are Unix seconds.
type tenantJSON struct {
	ID              string   `json:"id"`
	Slug            string   `json:"slug"`
	IssuerURL       string   `json:"issuer_url"`
	Enabled         bool     `json:"enabled"`
	ScopesSupported []string `json:"scopes_supported,omitempty"`
	AccessTokenTTL  int64    `json:"access_token_ttl"`
	RefreshTokenTTL int64    `json:"refresh_token_ttl"`
	CreatedAt       int64    `json:"created_at"`
}

func toTenantJSON(t *storage.Tenant) *tenantJSON {
	return &tenantJSON{
		ID:              t.ID,
		Slug:            t.Slug,
		IssuerURL:       t.IssuerURL,
		Enabled:         t.Enabled,
		ScopesSupported: t.ScopesSupported,
		AccessTokenTTL:  int64(t.AccessTokenTTL.Seconds()),
		RefreshTokenTTL: int64(t.RefreshTokenTTL.Seconds()),
		CreatedAt:       unixOrZero(t.CreatedAt),
	}
}

func fromTenantJSON(j *tenantJSON) *storage.Tenant {
	return &storage.Tenant{
		ID:              j.ID,
		Slug:            j.Slug,
		IssuerURL:       j.IssuerURL,
		Enabled:         j.Enabled,
		ScopesSupported: j.ScopesSupported,
		AccessTokenTTL:  time.Duration(j.AccessTokenTTL) * time.Second,
		RefreshTokenTTL: time.Duration(j.RefreshTokenTTL) * time.Second,
		CreatedAt:       timeOrZero(j.CreatedAt),
	}
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(unix int64) time.Time {
	if unix == 0 {
		return time.Time{}
	}
	return time.Unix(unix, 0)
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*storage.Tenant, error) {
	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.tenantKey(tenantID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	var j tenantJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal tenant: %w", err)
	}
	return fromTenantJSON(&j), nil
}

// GetTenantBySlug retrieves a tenant by its subdomain slug.
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*storage.Tenant, error) {
	tenantID, err := s.client.Do(ctx, s.client.B().Get().Key(s.tenantSlugKey(slug)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("resolve tenant slug: %w", err)
	}
	return s.GetTenant(ctx, tenantID)
}

// SaveTenant creates or replaces a tenant record and its slug index entry.
func (s *Store) SaveTenant(ctx context.Context, tenant *storage.Tenant) error {
	if tenant == nil || tenant.ID == "" || tenant.Slug == "" {
		return fmt.Errorf("tenant ID and slug are required")
	}

	data, err := json.Marshal(toTenantJSON(tenant))
	if err != nil {
		return fmt.Errorf("marshal tenant: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.tenantKey(tenant.ID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save tenant: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.tenantSlugKey(tenant.Slug)).Value(tenant.ID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save tenant slug index: %w", err)
	}
	return nil
}
