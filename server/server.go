package server

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/mcp-obs/oauth/instrumentation"
	"github.com/mcp-obs/oauth/security"
	"github.com/mcp-obs/oauth/storage"
)

// Token type prefixes. Prefixes make leaked credentials identifiable in
// scanners and logs without revealing anything about their contents.
const (
	AccessTokenPrefix       = "mcpo_at_"
	RefreshTokenPrefix      = "mcpo_rt_"
	AuthorizationCodePrefix = "mcpo_ac_"
)

// Server is the protocol engine. All operations are tenant-scoped; callers
// resolve the tenant first and pass it explicitly.
type Server struct {
	Store   storage.Store
	Config  *Config
	Logger  *slog.Logger
	Auditor *security.Auditor

	metrics *instrumentation.Metrics
}

// New creates a protocol engine with secure defaults applied to config.
func New(store storage.Store, config *Config, logger *slog.Logger) (*Server, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applySecureDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		Store:   store,
		Config:  config,
		Logger:  logger,
		Auditor: security.NewAuditor(logger, true),
	}, nil
}

// SetInstrumentation attaches metric instruments to the engine.
func (s *Server) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		s.metrics = inst.Metrics()
	}
}

// storeCtx derives a context bounding a store call. A slow store surfaces as
// a timeout here and becomes server_error, never an indefinite hang.
func (s *Server) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.Config.StoreTimeout)
}

// newAccessToken returns a fresh opaque access token.
func newAccessToken() string {
	return AccessTokenPrefix + oauth2.GenerateVerifier()
}

// newRefreshToken returns a fresh opaque refresh token.
func newRefreshToken() string {
	return RefreshTokenPrefix + oauth2.GenerateVerifier()
}

// newAuthorizationCode returns a fresh opaque authorization code.
func newAuthorizationCode() string {
	return AuthorizationCodePrefix + oauth2.GenerateVerifier()
}

// NewRequestID returns the server-generated ID a pending authorization is
// keyed by for its whole life.
func NewRequestID() string {
	return uuid.NewString()
}

// newClientID returns a tenant-namespaced client identifier.
func newClientID(tenantSlug string) string {
	return tenantSlug + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// splitScope splits a space-separated scope value into its entries.
func splitScope(scope string) []string {
	return strings.Fields(scope)
}

// clampScope computes the granted scope: requested ∩ tenant-supported ∩
// client-allowed. The grant is never wider than the request; an empty
// request yields an empty grant. Unknown scopes are dropped silently.
func clampScope(requested string, tenant *storage.Tenant, client *storage.Client) string {
	if requested == "" {
		return ""
	}

	tenantScopes := make(map[string]bool, len(tenant.ScopesSupported))
	for _, sc := range tenant.ScopesSupported {
		tenantScopes[sc] = true
	}

	// An empty client restriction means any tenant scope is allowed.
	var clientScopes map[string]bool
	if client != nil && client.Scope != "" {
		clientScopes = make(map[string]bool)
		for _, sc := range splitScope(client.Scope) {
			clientScopes[sc] = true
		}
	}

	var granted []string
	seen := make(map[string]bool)
	for _, sc := range splitScope(requested) {
		if seen[sc] {
			continue
		}
		seen[sc] = true
		if !tenantScopes[sc] {
			continue
		}
		if clientScopes != nil && !clientScopes[sc] {
			continue
		}
		granted = append(granted, sc)
	}
	return strings.Join(granted, " ")
}
