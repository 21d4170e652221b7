// Package tenant resolves incoming requests to the tenant they address and
// threads the resolved tenant through context.Context.
//
// Tenants are addressed by subdomain: a request for acme.mcp-obs.example maps
// to the tenant with slug "acme". Resolution is the only place a hostname is
// interpreted; everything downstream works with the resolved *storage.Tenant.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/mcp-obs/oauth/storage"
)

var (
	// ErrNotFound indicates the host or slug does not map to a known
	// tenant. Reserved and malformed slugs resolve to this error as well,
	// so a caller cannot probe the reserved list.
	ErrNotFound = errors.New("tenant: not found")

	// ErrDisabled indicates the tenant exists but is disabled.
	ErrDisabled = errors.New("tenant: disabled")
)

// reservedSlugs are subdomain labels that can never address a tenant.
var reservedSlugs = map[string]bool{
	"www":       true,
	"api":       true,
	"app":       true,
	"admin":     true,
	"dashboard": true,
	"docs":      true,
	"status":    true,
}

// Resolver maps request hosts and slugs to tenants.
type Resolver struct {
	store      storage.TenantStore
	baseDomain string
	logger     *slog.Logger
}

// NewResolver creates a resolver for tenants under the given base domain,
// e.g. "mcp-obs.example" for hosts like "acme.mcp-obs.example".
func NewResolver(store storage.TenantStore, baseDomain string, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:      store,
		baseDomain: strings.ToLower(strings.TrimSuffix(baseDomain, ".")),
		logger:     logger,
	}
}

// ResolveHost resolves the tenant addressed by an HTTP Host header value.
func (r *Resolver) ResolveHost(ctx context.Context, host string) (*storage.Tenant, error) {
	slug, err := r.SlugFromHost(host)
	if err != nil {
		return nil, err
	}
	return r.ResolveSlug(ctx, slug)
}

// ResolveSlug resolves a tenant by its subdomain slug.
func (r *Resolver) ResolveSlug(ctx context.Context, slug string) (*storage.Tenant, error) {
	slug = strings.ToLower(slug)
	if slug == "" || reservedSlugs[slug] {
		return nil, ErrNotFound
	}

	tenant, err := r.store.GetTenantBySlug(ctx, slug)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("look up tenant %q: %w", slug, err)
	}
	if !tenant.Enabled {
		r.logger.Debug("rejected disabled tenant", "slug", slug)
		return nil, ErrDisabled
	}
	return tenant, nil
}

// SlugFromHost derives the tenant slug from a Host header value. The host
// must be exactly one label below the base domain; the apex domain and
// nested subdomains carry no tenant.
func (r *Resolver) SlugFromHost(host string) (string, error) {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(strings.TrimSuffix(host, "."))

	suffix := "." + r.baseDomain
	if !strings.HasSuffix(host, suffix) {
		return "", ErrNotFound
	}

	slug := strings.TrimSuffix(host, suffix)
	if slug == "" || strings.Contains(slug, ".") {
		return "", ErrNotFound
	}
	return slug, nil
}
