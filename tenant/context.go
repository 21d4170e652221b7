package tenant

import (
	"context"

	"github.com/mcp-obs/oauth/storage"
)

type contextKey struct{}

// NewContext returns a context carrying the resolved tenant.
func NewContext(ctx context.Context, t *storage.Tenant) context.Context {
	return context.WithValue(ctx, contextKey{}, t)
}

// FromContext returns the tenant carried by the context, if any.
func FromContext(ctx context.Context) (*storage.Tenant, bool) {
	t, ok := ctx.Value(contextKey{}).(*storage.Tenant)
	return t, ok
}
