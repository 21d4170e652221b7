package server

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mcp-obs/oauth/instrumentation"
	"github.com/mcp-obs/oauth/internal/util"
	"github.com/mcp-obs/oauth/security"
	"github.com/mcp-obs/oauth/storage"
)

// tokenLogLength is the number of token characters included in logs.
const tokenLogLength = 12

// AuthorizationRequest carries the parameters of a GET /oauth/authorize
// request after HTTP parsing.
type AuthorizationRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string

	// Subject is the authenticated end user, empty when the user has not
	// logged in yet.
	Subject string

	// ClientIP is used for audit logging only.
	ClientIP string
}

// AuthorizationResult is the outcome of an authorization request. Exactly one
// of three shapes is populated: a code redirect (Code set), a login handoff
// (LoginRequired with RequestID), or an error redirect (ErrorCode set).
type AuthorizationResult struct {
	RedirectURI string
	State       string

	Code string

	LoginRequired bool
	RequestID     string

	// ErrorCode and ErrorDescription are set when the request failed after
	// the client and redirect URI were verified; the handler reports such
	// failures on the redirect URI per RFC 6749.
	ErrorCode        string
	ErrorDescription string
}

// Authorize validates an authorization request within the tenant. If the
// request carries no authenticated subject, the validated request is parked
// as a pending authorization keyed by a fresh server-generated request ID and
// the caller redirects the user to login. Otherwise a code is issued
// directly.
//
// Errors before the client and redirect URI are verified are returned as
// *Error (rendered directly, never on the redirect URI).
func (s *Server) Authorize(ctx context.Context, tenant *storage.Tenant, req *AuthorizationRequest) (*AuthorizationResult, error) {
	now := time.Now()

	if req.ClientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}
	if req.RedirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}

	client, oerr := s.getClient(ctx, tenant, req.ClientID)
	if oerr != nil {
		return nil, oerr
	}
	if !isRegisteredRedirectURI(client, req.RedirectURI) {
		s.Auditor.LogAuthFailure(tenant.ID, client.ClientID, req.ClientIP, "unregistered redirect_uri")
		return nil, ErrInvalidRequest("redirect_uri is not registered for this client")
	}

	// From here on the redirect URI is trustworthy; failures are reported
	// on it.
	result := &AuthorizationResult{RedirectURI: req.RedirectURI, State: req.State}

	if verr := s.validateAuthorizationParams(req); verr != nil {
		result.ErrorCode = verr.Code
		result.ErrorDescription = verr.Description
		return result, nil
	}
	if !clientAllowsGrant(client, "authorization_code") {
		result.ErrorCode = ErrorCodeUnauthorizedClient
		result.ErrorDescription = "client is not authorized for the authorization_code grant"
		return result, nil
	}

	grantedScope := clampScope(req.Scope, tenant, client)

	s.Auditor.LogAuthorizationRequested(tenant.ID, client.ClientID, req.ClientIP, grantedScope)
	s.addCount(ctx, s.metricAuthorizationRequested(), tenant.ID)

	if req.Subject == "" {
		pending := &storage.PendingAuthorization{
			RequestID:           NewRequestID(),
			TenantID:            tenant.ID,
			ClientID:            client.ClientID,
			RedirectURI:         req.RedirectURI,
			Scope:               grantedScope,
			State:               req.State,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: req.CodeChallengeMethod,
			CreatedAt:           now,
			ExpiresAt:           now.Add(s.Config.PendingAuthorizationTTL),
		}

		sctx, cancel := s.storeCtx(ctx)
		defer cancel()
		if err := s.Store.SavePendingAuthorization(sctx, pending); err != nil {
			s.Logger.Error("failed to save pending authorization", "error", err, "tenant_id", tenant.ID)
			return nil, ErrServerError("temporary failure, please retry")
		}

		s.Logger.Debug("authorization pending login",
			"tenant_id", tenant.ID,
			"client_id", client.ClientID,
			"request_id", pending.RequestID)

		result.LoginRequired = true
		result.RequestID = pending.RequestID
		return result, nil
	}

	return s.issueAuthorizationCode(ctx, tenant, &issueCodeParams{
		clientID:            client.ClientID,
		subject:             req.Subject,
		redirectURI:         req.RedirectURI,
		scope:               grantedScope,
		state:               req.State,
		codeChallenge:       req.CodeChallenge,
		codeChallengeMethod: req.CodeChallengeMethod,
		clientIP:            req.ClientIP,
	}, now)
}

// CompleteAuthorization re-enters a pending authorization after the end user
// authenticated. The request ID must be exactly the one minted by Authorize;
// there is no other way to find the pending request.
func (s *Server) CompleteAuthorization(ctx context.Context, tenant *storage.Tenant, requestID, subject, clientIP string) (*AuthorizationResult, error) {
	now := time.Now()

	if requestID == "" {
		return nil, ErrInvalidRequest("request_id is required")
	}
	if subject == "" {
		return nil, ErrInvalidRequest("no authenticated user for this authorization request")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	pending, err := s.Store.TakePendingAuthorization(sctx, tenant.ID, requestID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidRequest("unknown or expired authorization request")
	}
	if err != nil {
		s.Logger.Error("failed to take pending authorization", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}
	if security.IsExpiredAt(pending.ExpiresAt, now, s.Config.ClockSkewGracePeriod) {
		return nil, ErrInvalidRequest("unknown or expired authorization request")
	}

	return s.issueAuthorizationCode(ctx, tenant, &issueCodeParams{
		clientID:            pending.ClientID,
		subject:             subject,
		redirectURI:         pending.RedirectURI,
		scope:               pending.Scope,
		state:               pending.State,
		codeChallenge:       pending.CodeChallenge,
		codeChallengeMethod: pending.CodeChallengeMethod,
		clientIP:            clientIP,
	}, now)
}

type issueCodeParams struct {
	clientID            string
	subject             string
	redirectURI         string
	scope               string
	state               string
	codeChallenge       string
	codeChallengeMethod string
	clientIP            string
}

func (s *Server) issueAuthorizationCode(ctx context.Context, tenant *storage.Tenant, p *issueCodeParams, now time.Time) (*AuthorizationResult, error) {
	code := &storage.AuthorizationCode{
		Code:                newAuthorizationCode(),
		TenantID:            tenant.ID,
		ClientID:            p.clientID,
		UserID:              p.subject,
		RedirectURI:         p.redirectURI,
		CodeChallenge:       p.codeChallenge,
		CodeChallengeMethod: p.codeChallengeMethod,
		Scope:               p.scope,
		State:               p.state,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeTTL),
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	if err := s.Store.SaveAuthorizationCode(sctx, code); err != nil {
		s.Logger.Error("failed to save authorization code", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}

	s.Auditor.LogCodeIssued(tenant.ID, p.subject, p.clientID, p.clientIP, p.scope)
	s.addCount(ctx, s.metricCodeIssued(), tenant.ID)
	s.Logger.Info("authorization code issued",
		"tenant_id", tenant.ID,
		"client_id", p.clientID,
		"code_prefix", util.SafeTruncate(code.Code, tokenLogLength))

	return &AuthorizationResult{
		RedirectURI: p.redirectURI,
		State:       p.state,
		Code:        code.Code,
	}, nil
}

// ExchangeAuthorizationCode redeems a code for a token pair. Redirect URI
// and PKCE checks run against a read-only view of the code first and leave
// no state behind on failure; only a fully validated request reaches the
// atomic consume step, where exactly one concurrent caller wins. Replay of a
// consumed code revokes the pairs held by its user and client.
//
// All grant failures return the same invalid_grant error, so a caller cannot
// distinguish an unknown code from a consumed, expired, or mismatched one.
func (s *Server) ExchangeAuthorizationCode(ctx context.Context, tenant *storage.Tenant, clientID, code, redirectURI, codeVerifier, clientIP string) (*storage.Token, error) {
	now := time.Now()

	if code == "" {
		return nil, ErrInvalidRequest("code is required")
	}
	if redirectURI == "" {
		return nil, ErrInvalidRequest("redirect_uri is required")
	}

	client, oerr := s.getClient(ctx, tenant, clientID)
	if oerr != nil {
		return nil, oerr
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rec, err := s.Store.GetAuthorizationCode(sctx, tenant.ID, client.ClientID, code)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if err != nil {
		s.Logger.Error("failed to load authorization code", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}
	if !rec.UsedAt.IsZero() {
		// Replay of a consumed code. Assume the code leaked and revoke
		// the pairs held by its user and client.
		s.handleCodeReplay(ctx, tenant, rec, clientIP, now)
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if now.After(rec.ExpiresAt) {
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	// Both checks below abort with no side effects: a mismatched verifier
	// must not burn the code for the legitimate holder.
	if redirectURI != rec.RedirectURI {
		s.Auditor.LogAuthFailure(tenant.ID, client.ClientID, clientIP, "redirect_uri mismatch at exchange")
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if err := verifyPKCE(rec.CodeChallenge, rec.CodeChallengeMethod, codeVerifier); err != nil {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidPKCE,
			TenantID:  tenant.ID,
			UserID:    rec.UserID,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": err.Error()},
		})
		s.addCount(ctx, s.metricPKCEFailed(), tenant.ID)
		return nil, ErrInvalidGrant("invalid authorization code")
	}

	cctx, ccancel := s.storeCtx(ctx)
	defer ccancel()
	consumed, err := s.Store.ConsumeAuthorizationCode(cctx, tenant.ID, client.ClientID, code, now)
	if errors.Is(err, storage.ErrAlreadyUsed) {
		// Lost the race against a concurrent redemption of the same code.
		s.handleCodeReplay(ctx, tenant, consumed, clientIP, now)
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		return nil, ErrInvalidGrant("invalid authorization code")
	}
	if err != nil {
		s.Logger.Error("failed to consume authorization code", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}

	token := &storage.Token{
		AccessToken:           newAccessToken(),
		RefreshToken:          newRefreshToken(),
		TenantID:              tenant.ID,
		ClientID:              client.ClientID,
		UserID:                rec.UserID,
		Scope:                 rec.Scope,
		TokenType:             "Bearer",
		IssuedAt:              now,
		ExpiresAt:             now.Add(s.Config.accessTokenTTL(tenant)),
		RefreshTokenExpiresAt: now.Add(s.Config.refreshTokenTTL(tenant)),
	}

	tctx, tcancel := s.storeCtx(ctx)
	defer tcancel()
	if err := s.Store.SaveToken(tctx, token); err != nil {
		s.Logger.Error("failed to save token pair", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}

	s.Auditor.LogTokenIssued(tenant.ID, token.UserID, token.ClientID, clientIP, token.Scope)
	s.addCount(ctx, s.metricCodeExchanged(), tenant.ID)
	s.Logger.Info("authorization code exchanged",
		"tenant_id", tenant.ID,
		"client_id", token.ClientID,
		"access_prefix", util.SafeTruncate(token.AccessToken, tokenLogLength))

	return token, nil
}

// handleCodeReplay revokes every live pair issued to the user and client the
// replayed code belonged to.
func (s *Server) handleCodeReplay(ctx context.Context, tenant *storage.Tenant, rec *storage.AuthorizationCode, clientIP string, now time.Time) {
	s.addCount(ctx, s.metricCodeReuse(), tenant.ID)

	if rec == nil {
		return
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	revoked, err := s.Store.RevokeAllForUserClient(sctx, tenant.ID, rec.UserID, rec.ClientID, now)
	if err != nil {
		s.Logger.Error("failed to revoke tokens after code replay",
			"error", err,
			"tenant_id", tenant.ID,
			"client_id", rec.ClientID)
	}

	s.Auditor.LogCodeReuseDetected(tenant.ID, rec.UserID, rec.ClientID, clientIP, revoked)
	s.Logger.Warn("authorization code replay detected",
		"tenant_id", tenant.ID,
		"client_id", rec.ClientID,
		"revoked_pairs", revoked)
}

// RefreshAccessToken rotates a refresh token. The presented token is revoked
// atomically and a fresh pair is minted; under concurrent refresh exactly one
// caller wins. The new access token TTL is re-read from the tenant's current
// configuration.
func (s *Server) RefreshAccessToken(ctx context.Context, tenant *storage.Tenant, clientID, refreshToken, clientIP string) (*storage.Token, error) {
	now := time.Now()

	if refreshToken == "" {
		return nil, ErrInvalidRequest("refresh_token is required")
	}

	client, oerr := s.getClient(ctx, tenant, clientID)
	if oerr != nil {
		return nil, oerr
	}
	if !clientAllowsGrant(client, "refresh_token") {
		return nil, ErrUnauthorizedClient("client is not authorized for the refresh_token grant")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	old, err := s.Store.RotateRefreshToken(sctx, tenant.ID, client.ClientID, refreshToken, now)
	if errors.Is(err, storage.ErrRevoked) {
		// A second presentation of a rotated token may be theft.
		s.addCount(ctx, s.metricTokenReuse(), tenant.ID)
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventAuthFailure,
			TenantID:  tenant.ID,
			ClientID:  client.ClientID,
			IPAddress: clientIP,
			Details:   map[string]any{"reason": "revoked refresh token presented"},
		})
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if errors.Is(err, storage.ErrNotFound) || errors.Is(err, storage.ErrExpired) {
		return nil, ErrInvalidGrant("invalid refresh token")
	}
	if err != nil {
		s.Logger.Error("failed to rotate refresh token", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}

	token := &storage.Token{
		AccessToken:           newAccessToken(),
		RefreshToken:          newRefreshToken(),
		TenantID:              tenant.ID,
		ClientID:              client.ClientID,
		UserID:                old.UserID,
		Scope:                 old.Scope,
		TokenType:             "Bearer",
		IssuedAt:              now,
		ExpiresAt:             now.Add(s.Config.accessTokenTTL(tenant)),
		RefreshTokenExpiresAt: now.Add(s.Config.refreshTokenTTL(tenant)),
		RotatedFrom:           refreshToken,
	}

	tctx, tcancel := s.storeCtx(ctx)
	defer tcancel()
	if err := s.Store.SaveToken(tctx, token); err != nil {
		s.Logger.Error("failed to save rotated token pair", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}

	s.Auditor.LogTokenRefreshed(tenant.ID, token.UserID, token.ClientID, clientIP)
	s.addCount(ctx, s.metricTokenRefreshed(), tenant.ID)
	s.Logger.Info("refresh token rotated",
		"tenant_id", tenant.ID,
		"client_id", token.ClientID,
		"access_prefix", util.SafeTruncate(token.AccessToken, tokenLogLength))

	return token, nil
}

// Introspect looks up an access token within the tenant. It returns
// (nil, nil) for any inactive token: unknown, expired, or revoked all look
// identical to the caller. Only a storage fault produces an error.
func (s *Server) Introspect(ctx context.Context, tenant *storage.Tenant, token string) (*storage.Token, error) {
	now := time.Now()

	if token == "" {
		return nil, nil
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	rec, err := s.Store.GetByAccessToken(sctx, tenant.ID, token)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		s.Logger.Error("failed to look up token for introspection", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}

	s.addCount(ctx, s.metricTokenIntrospected(), tenant.ID)

	if !rec.RevokedAt.IsZero() {
		return nil, nil
	}
	if security.IsExpiredAt(rec.ExpiresAt, now, s.Config.ClockSkewGracePeriod) {
		return nil, nil
	}
	return rec, nil
}

// Revoke revokes the pair matching the presented access or refresh token
// value. Unknown and already revoked tokens succeed silently; a revocation
// response must not disclose whether the token existed. Only a storage fault
// produces an error.
func (s *Server) Revoke(ctx context.Context, tenant *storage.Tenant, token, clientIP string) error {
	now := time.Now()

	if token == "" {
		return ErrInvalidRequest("token is required")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	found, err := s.Store.RevokeToken(sctx, tenant.ID, token, now)
	if err != nil {
		s.Logger.Error("failed to revoke token", "error", err, "tenant_id", tenant.ID)
		return ErrServerError("temporary failure, please retry")
	}

	if found {
		s.Auditor.LogTokenRevoked(tenant.ID, "", "", clientIP)
		s.addCount(ctx, s.metricTokenRevoked(), tenant.ID)
		s.Logger.Info("token revoked",
			"tenant_id", tenant.ID,
			"token_prefix", util.SafeTruncate(token, tokenLogLength))
	}
	return nil
}

// getClient loads an enabled client within the tenant.
func (s *Server) getClient(ctx context.Context, tenant *storage.Tenant, clientID string) (*storage.Client, *Error) {
	if clientID == "" {
		return nil, ErrInvalidRequest("client_id is required")
	}

	sctx, cancel := s.storeCtx(ctx)
	defer cancel()
	client, err := s.Store.GetClient(sctx, tenant.ID, clientID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrInvalidClient("unknown client")
	}
	if err != nil {
		s.Logger.Error("failed to load client", "error", err, "tenant_id", tenant.ID)
		return nil, ErrServerError("temporary failure, please retry")
	}
	if client.Disabled {
		return nil, ErrInvalidClient("client is disabled")
	}
	return client, nil
}

// clientAllowsGrant reports whether the client registered the grant type.
func clientAllowsGrant(client *storage.Client, grantType string) bool {
	for _, gt := range client.GrantTypes {
		if gt == grantType {
			return true
		}
	}
	return false
}

// Metric accessors tolerate a nil metrics holder so the engine works without
// instrumentation attached.

func (s *Server) addCount(ctx context.Context, counter metric.Int64Counter, tenantID string) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String(instrumentation.AttrTenantID, tenantID)))
	}
}

func (s *Server) metricAuthorizationRequested() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.AuthorizationRequested
}

func (s *Server) metricCodeIssued() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.CodeIssued
}

func (s *Server) metricCodeExchanged() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.CodeExchanged
}

func (s *Server) metricCodeReuse() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.CodeReuseDetected
}

func (s *Server) metricPKCEFailed() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.PKCEValidationFailed
}

func (s *Server) metricTokenRefreshed() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.TokenRefreshed
}

func (s *Server) metricTokenReuse() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.TokenReuseDetected
}

func (s *Server) metricTokenRevoked() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.TokenRevoked
}

func (s *Server) metricTokenIntrospected() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.TokenIntrospected
}

func (s *Server) metricClientRegistered() metric.Int64Counter {
	if s.metrics == nil {
		return nil
	}
	return s.metrics.ClientRegistered
}
