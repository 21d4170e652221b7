package server

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcp-obs/oauth/storage"
	"github.com/mcp-obs/oauth/storage/memory"
)

func newTestServer(t *testing.T) (*Server, *storage.Tenant) {
	t.Helper()

	store := memory.New(memory.Config{})
	t.Cleanup(func() { store.Close() })

	srv, err := New(store, &Config{}, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tenant := &storage.Tenant{
		ID:              "tnt_acme",
		Slug:            "acme",
		IssuerURL:       "https://acme.auth.example.com",
		Enabled:         true,
		ScopesSupported: []string{"openid", "profile", "email"},
	}
	if err := store.SaveTenant(context.Background(), tenant); err != nil {
		t.Fatalf("SaveTenant: %v", err)
	}
	return srv, tenant
}

func registerTestClient(t *testing.T, srv *Server, tenant *storage.Tenant) (*storage.Client, string) {
	t.Helper()

	client, secret, err := srv.RegisterClient(context.Background(), tenant, &ClientMetadata{
		ClientName:   "Test App",
		RedirectURIs: []string{"https://app.example.com/callback"},
	}, "203.0.113.7")
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	return client, secret
}

func pkcePair(t *testing.T) (verifier, challenge string) {
	t.Helper()
	verifier = oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	return verifier, base64.RawURLEncoding.EncodeToString(sum[:])
}

func authorize(t *testing.T, srv *Server, tenant *storage.Tenant, client *storage.Client, challenge, subject string) *AuthorizationResult {
	t.Helper()
	res, err := srv.Authorize(context.Background(), tenant, &AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               "openid profile",
		State:               "state-12345678",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Subject:             subject,
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	return res
}

func TestAuthorizeIssuesCodeForAuthenticatedUser(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	_, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")

	if res.LoginRequired {
		t.Fatal("expected a code, got a login handoff")
	}
	if !strings.HasPrefix(res.Code, AuthorizationCodePrefix) {
		t.Errorf("code %q missing prefix %q", res.Code, AuthorizationCodePrefix)
	}
	if res.State != "state-12345678" {
		t.Errorf("state = %q", res.State)
	}
	if res.ErrorCode != "" {
		t.Errorf("unexpected redirect error %q", res.ErrorCode)
	}
}

func TestAuthorizeParksPendingRequestWhenNotLoggedIn(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	_, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "")

	if !res.LoginRequired {
		t.Fatal("expected a login handoff")
	}
	if res.RequestID == "" {
		t.Fatal("expected a request ID")
	}
	if res.Code != "" {
		t.Errorf("no code should be issued before login, got %q", res.Code)
	}

	done, err := srv.CompleteAuthorization(context.Background(), tenant, res.RequestID, "user-1", "")
	if err != nil {
		t.Fatalf("CompleteAuthorization: %v", err)
	}
	if done.Code == "" {
		t.Fatal("expected a code after login")
	}
	if done.State != "state-12345678" {
		t.Errorf("state = %q, want the original state", done.State)
	}

	// The pending request is single-use.
	if _, err := srv.CompleteAuthorization(context.Background(), tenant, res.RequestID, "user-1", ""); err == nil {
		t.Fatal("expected second completion to fail")
	}
}

func TestAuthorizeRejectsUnregisteredRedirectURI(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	_, challenge := pkcePair(t)

	_, err := srv.Authorize(context.Background(), tenant, &AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         "https://evil.example.com/callback",
		ResponseType:        "code",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Subject:             "user-1",
	})

	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidRequest {
		t.Fatalf("err = %v, want invalid_request", err)
	}
}

func TestAuthorizeRedirectErrors(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	_, challenge := pkcePair(t)

	tests := []struct {
		name     string
		mutate   func(*AuthorizationRequest)
		wantCode string
	}{
		{
			name:     "token response type",
			mutate:   func(r *AuthorizationRequest) { r.ResponseType = "token" },
			wantCode: ErrorCodeUnsupportedResponseType,
		},
		{
			name:     "missing code challenge",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallenge = "" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "plain challenge method",
			mutate:   func(r *AuthorizationRequest) { r.CodeChallengeMethod = "plain" },
			wantCode: ErrorCodeInvalidRequest,
		},
		{
			name:     "short state",
			mutate:   func(r *AuthorizationRequest) { r.State = "abc" },
			wantCode: ErrorCodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &AuthorizationRequest{
				ClientID:            client.ClientID,
				RedirectURI:         client.RedirectURIs[0],
				ResponseType:        "code",
				State:               "state-12345678",
				CodeChallenge:       challenge,
				CodeChallengeMethod: PKCEMethodS256,
				Subject:             "user-1",
			}
			tt.mutate(req)

			res, err := srv.Authorize(context.Background(), tenant, req)
			if err != nil {
				t.Fatalf("Authorize returned a direct error: %v", err)
			}
			if res.ErrorCode != tt.wantCode {
				t.Errorf("ErrorCode = %q, want %q", res.ErrorCode, tt.wantCode)
			}
			if res.Code != "" {
				t.Errorf("no code should be issued, got %q", res.Code)
			}
		})
	}
}

func TestExchangeAuthorizationCode(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	verifier, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")

	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("ExchangeAuthorizationCode: %v", err)
	}

	if !strings.HasPrefix(token.AccessToken, AccessTokenPrefix) {
		t.Errorf("access token %q missing prefix", token.AccessToken)
	}
	if !strings.HasPrefix(token.RefreshToken, RefreshTokenPrefix) {
		t.Errorf("refresh token %q missing prefix", token.RefreshToken)
	}
	if token.TokenType != "Bearer" {
		t.Errorf("token type = %q", token.TokenType)
	}
	if token.UserID != "user-1" {
		t.Errorf("user = %q", token.UserID)
	}
	if token.Scope != "openid profile" {
		t.Errorf("scope = %q", token.Scope)
	}
	if !token.ExpiresAt.After(time.Now()) {
		t.Error("access token already expired")
	}
}

func TestExchangeRejectsPKCEMismatch(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	_, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")

	wrongVerifier := oauth2.GenerateVerifier()
	_, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], wrongVerifier, "")

	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("err = %v, want invalid_grant", err)
	}
}

func TestExchangeRejectsRedirectURIMismatch(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	verifier, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")

	_, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, "https://app.example.com/other", verifier, "")

	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("err = %v, want invalid_grant", err)
	}
}

func TestFailedValidationLeavesCodeRedeemable(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	verifier, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")

	// A wrong verifier and a wrong redirect URI are both rejected without
	// consuming the code.
	wrongVerifier := oauth2.GenerateVerifier()
	_, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], wrongVerifier, "")
	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("mismatched verifier err = %v, want invalid_grant", err)
	}

	_, err = srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, "https://app.example.com/other", verifier, "")
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("mismatched redirect err = %v, want invalid_grant", err)
	}

	// The legitimate holder still redeems the code.
	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("legitimate redemption after failed attempts: %v", err)
	}

	// And no collateral revocation happened along the way.
	active, err := srv.Introspect(context.Background(), tenant, token.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if active == nil {
		t.Error("token inactive after legitimate redemption")
	}
}

func TestCodeReplayRevokesIssuedTokens(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	verifier, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")

	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("first exchange: %v", err)
	}

	// Replay the consumed code.
	_, err = srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("replay err = %v, want invalid_grant", err)
	}

	// The pair minted by the first redemption must now be dead.
	active, err := srv.Introspect(context.Background(), tenant, token.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if active != nil {
		t.Error("access token still active after code replay")
	}
}

func TestRefreshRotatesAndInvalidatesOldToken(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	verifier, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")
	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	refreshed, err := srv.RefreshAccessToken(context.Background(), tenant,
		client.ClientID, token.RefreshToken, "")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if refreshed.AccessToken == token.AccessToken {
		t.Error("access token not rotated")
	}
	if refreshed.RefreshToken == token.RefreshToken {
		t.Error("refresh token not rotated")
	}
	if refreshed.Scope != token.Scope {
		t.Errorf("scope changed across refresh: %q -> %q", token.Scope, refreshed.Scope)
	}
	if refreshed.RotatedFrom != token.RefreshToken {
		t.Errorf("RotatedFrom = %q", refreshed.RotatedFrom)
	}

	// The old access token is revoked by rotation.
	active, err := srv.Introspect(context.Background(), tenant, token.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if active != nil {
		t.Error("old access token still active after rotation")
	}

	// Presenting the rotated refresh token again fails.
	_, err = srv.RefreshAccessToken(context.Background(), tenant,
		client.ClientID, token.RefreshToken, "")
	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("rotated token reuse err = %v, want invalid_grant", err)
	}
}

func TestRefreshRejectsWrongClient(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	other, _, err := srv.RegisterClient(context.Background(), tenant, &ClientMetadata{
		ClientName:   "Other App",
		RedirectURIs: []string{"https://other.example.com/callback"},
	}, "")
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	verifier, challenge := pkcePair(t)
	res := authorize(t, srv, tenant, client, challenge, "user-1")
	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	_, err = srv.RefreshAccessToken(context.Background(), tenant,
		other.ClientID, token.RefreshToken, "")
	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidGrant {
		t.Fatalf("err = %v, want invalid_grant", err)
	}
}

func TestCrossTenantIsolation(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)

	otherTenant := &storage.Tenant{
		ID:              "tnt_globex",
		Slug:            "globex",
		IssuerURL:       "https://globex.auth.example.com",
		Enabled:         true,
		ScopesSupported: []string{"openid"},
	}
	if err := srv.Store.SaveTenant(context.Background(), otherTenant); err != nil {
		t.Fatalf("SaveTenant: %v", err)
	}

	verifier, challenge := pkcePair(t)
	res := authorize(t, srv, tenant, client, challenge, "user-1")

	// The code cannot be redeemed under another tenant.
	_, err := srv.ExchangeAuthorizationCode(context.Background(), otherTenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	var oerr *Error
	if !errors.As(err, &oerr) || oerr.Code != ErrorCodeInvalidClient {
		t.Fatalf("cross-tenant exchange err = %v, want invalid_client", err)
	}

	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// The access token is invisible to the other tenant.
	active, err := srv.Introspect(context.Background(), otherTenant, token.AccessToken)
	if err != nil {
		t.Fatalf("Introspect: %v", err)
	}
	if active != nil {
		t.Error("token visible across tenant boundary")
	}
}

func TestScopeClamping(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	_, challenge := pkcePair(t)

	res, err := srv.Authorize(context.Background(), tenant, &AuthorizationRequest{
		ClientID:            client.ClientID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		Scope:               "openid admin profile openid",
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
		Subject:             "user-1",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if res.Code == "" {
		t.Fatal("expected a code")
	}

	code, err := srv.Store.ConsumeAuthorizationCode(context.Background(),
		tenant.ID, client.ClientID, res.Code, time.Now())
	if err != nil {
		t.Fatalf("ConsumeAuthorizationCode: %v", err)
	}
	if code.Scope != "openid profile" {
		t.Errorf("granted scope = %q, want unsupported and duplicate entries dropped", code.Scope)
	}
}

func TestIntrospectInactiveStates(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	verifier, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")
	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	active, err := srv.Introspect(context.Background(), tenant, token.AccessToken)
	if err != nil || active == nil {
		t.Fatalf("Introspect live token = (%v, %v), want active", active, err)
	}

	if active, err := srv.Introspect(context.Background(), tenant, "mcpo_at_unknown"); err != nil || active != nil {
		t.Errorf("Introspect unknown token = (%v, %v), want inactive", active, err)
	}

	if err := srv.Revoke(context.Background(), tenant, token.AccessToken, ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if active, err := srv.Introspect(context.Background(), tenant, token.AccessToken); err != nil || active != nil {
		t.Errorf("Introspect revoked token = (%v, %v), want inactive", active, err)
	}
}

func TestRevokeIsIdempotentAndSilent(t *testing.T) {
	srv, tenant := newTestServer(t)
	client, _ := registerTestClient(t, srv, tenant)
	verifier, challenge := pkcePair(t)

	res := authorize(t, srv, tenant, client, challenge, "user-1")
	token, err := srv.ExchangeAuthorizationCode(context.Background(), tenant,
		client.ClientID, res.Code, client.RedirectURIs[0], verifier, "")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}

	// Revocation by refresh token value kills the pair.
	if err := srv.Revoke(context.Background(), tenant, token.RefreshToken, ""); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	if active, _ := srv.Introspect(context.Background(), tenant, token.AccessToken); active != nil {
		t.Error("access token still active after revoking the pair via refresh token")
	}

	// Revoking again, or revoking garbage, still succeeds.
	if err := srv.Revoke(context.Background(), tenant, token.RefreshToken, ""); err != nil {
		t.Errorf("second Revoke: %v", err)
	}
	if err := srv.Revoke(context.Background(), tenant, "mcpo_rt_unknown", ""); err != nil {
		t.Errorf("Revoke unknown token: %v", err)
	}
}
