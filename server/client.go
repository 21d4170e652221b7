package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/oauth2"

	"github.com/mcp-obs/oauth/security"
	"github.com/mcp-obs/oauth/storage"
)

// Registration defaults and allowed values per RFC 7591, narrowed to what
// this server actually issues.
var (
	allowedGrantTypes    = map[string]bool{"authorization_code": true, "refresh_token": true}
	allowedResponseTypes = map[string]bool{"code": true}
	allowedAuthMethods   = map[string]bool{"none": true, "client_secret_basic": true, "client_secret_post": true}
)

// ClientMetadata is the subset of RFC 7591 metadata this server accepts at
// dynamic registration.
type ClientMetadata struct {
	ClientName              string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	TokenEndpointAuthMethod string
	Scope                   string
}

// RegisterClient registers a new client within the tenant and returns the
// stored record and the plaintext secret. The secret is returned exactly
// once; only its bcrypt hash is persisted. Public clients (auth method
// "none") get no secret.
func (s *Server) RegisterClient(ctx context.Context, tenant *storage.Tenant, meta *ClientMetadata, clientIP string) (*storage.Client, string, error) {
	now := time.Now()

	if meta == nil || meta.ClientName == "" {
		return nil, "", ErrInvalidClientMetadata("client_name is required")
	}
	if len(meta.RedirectURIs) == 0 {
		return nil, "", ErrInvalidRedirectURI("at least one redirect_uri is required")
	}
	for _, uri := range meta.RedirectURIs {
		if err := validateRedirectURIForRegistration(uri, s.Config.ProductionMode); err != nil {
			return nil, "", ErrInvalidRedirectURI(err.Error())
		}
	}

	grantTypes := meta.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	for _, gt := range grantTypes {
		if !allowedGrantTypes[gt] {
			return nil, "", ErrInvalidClientMetadata(fmt.Sprintf("unsupported grant_type %q", gt))
		}
	}

	responseTypes := meta.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	for _, rt := range responseTypes {
		if !allowedResponseTypes[rt] {
			return nil, "", ErrInvalidClientMetadata(fmt.Sprintf("unsupported response_type %q", rt))
		}
	}

	authMethod := meta.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "client_secret_basic"
	}
	if !allowedAuthMethods[authMethod] {
		return nil, "", ErrInvalidClientMetadata(fmt.Sprintf("unsupported token_endpoint_auth_method %q", authMethod))
	}

	scope := clampClientScope(meta.Scope, tenant)

	cctx, ccancel := s.storeCtx(ctx)
	defer ccancel()
	count, err := s.Store.CountClients(cctx, tenant.ID)
	if err != nil {
		s.Logger.Error("failed to count clients", "error", err, "tenant_id", tenant.ID)
		return nil, "", ErrServerError("temporary failure, please retry")
	}
	if count >= s.Config.MaxClientsPerTenant {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventClientRegistrationLimited,
			TenantID:  tenant.ID,
			IPAddress: clientIP,
			Details:   map[string]any{"limit": s.Config.MaxClientsPerTenant},
		})
		return nil, "", ErrInvalidClientMetadata("client registration limit reached for this tenant")
	}

	client := &storage.Client{
		ClientID:                newClientID(tenant.Slug),
		TenantID:                tenant.ID,
		ClientName:              meta.ClientName,
		RedirectURIs:            meta.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scope:                   scope,
		CreatedAt:               now,
	}

	var secret string
	if authMethod != "none" {
		secret = oauth2.GenerateVerifier()
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			s.Logger.Error("failed to hash client secret", "error", err, "tenant_id", tenant.ID)
			return nil, "", ErrServerError("temporary failure, please retry")
		}
		client.ClientSecretHash = string(hash)
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.Store.SaveClient(sctx, client); err != nil {
		s.Logger.Error("failed to save client", "error", err, "tenant_id", tenant.ID)
		return nil, "", ErrServerError("temporary failure, please retry")
	}

	s.Auditor.LogClientRegistered(tenant.ID, client.ClientID, authMethod, clientIP)
	s.addCount(ctx, s.metricClientRegistered(), tenant.ID)
	s.Logger.Info("client registered",
		"tenant_id", tenant.ID,
		"client_id", client.ClientID,
		"auth_method", authMethod)

	return client, secret, nil
}

// ValidateClientCredentials authenticates a client within the tenant.
// Confidential clients must present their secret; public clients must not
// present one.
func (s *Server) ValidateClientCredentials(ctx context.Context, tenant *storage.Tenant, clientID, clientSecret string) (*storage.Client, error) {
	client, oerr := s.getClient(ctx, tenant, clientID)
	if oerr != nil {
		// Failed authentication never reveals whether the client exists.
		if oerr.Code == ErrorCodeInvalidClient {
			return nil, ErrInvalidClient("client authentication failed")
		}
		return nil, oerr
	}

	if client.TokenEndpointAuthMethod == "none" {
		if clientSecret != "" {
			return nil, ErrInvalidClient("client authentication failed")
		}
		return client, nil
	}

	if clientSecret == "" {
		return nil, ErrInvalidClient("client authentication failed")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			s.Logger.Error("failed to compare client secret", "error", err, "tenant_id", tenant.ID)
		}
		return nil, ErrInvalidClient("client authentication failed")
	}
	return client, nil
}

// clampClientScope restricts a registration scope to the tenant's supported
// scopes. An empty request means the client is not restricted beyond the
// tenant.
func clampClientScope(requested string, tenant *storage.Tenant) string {
	if requested == "" {
		return ""
	}

	supported := make(map[string]bool, len(tenant.ScopesSupported))
	for _, sc := range tenant.ScopesSupported {
		supported[sc] = true
	}

	var kept []string
	seen := make(map[string]bool)
	for _, sc := range splitScope(requested) {
		if seen[sc] || !supported[sc] {
			continue
		}
		seen[sc] = true
		kept = append(kept, sc)
	}
	return strings.Join(kept, " ")
}
