package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-obs/oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "oauth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTenantRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tenant := &storage.Tenant{
		ID:              "tnt_1",
		Slug:            "acme",
		IssuerURL:       "https://acme.example.com",
		Enabled:         true,
		ScopesSupported: []string{"read", "write"},
		AccessTokenTTL:  time.Hour,
		RefreshTokenTTL: 30 * 24 * time.Hour,
		CreatedAt:       time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveTenant(ctx, tenant))

	got, err := s.GetTenantBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "tnt_1", got.ID)
	assert.Equal(t, []string{"read", "write"}, got.ScopesSupported)
	assert.Equal(t, time.Hour, got.AccessTokenTTL)
	assert.True(t, got.Enabled)

	_, err = s.GetTenant(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClientRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	client := &storage.Client{
		TenantID:                "tnt_a",
		ClientID:                "acme_abc",
		ClientName:              "Example CLI",
		RedirectURIs:            []string{"https://app.example.com/cb", "http://127.0.0.1:8765/cb"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		TokenEndpointAuthMethod: "none",
		Scope:                   "read",
		CreatedAt:               time.Now().Truncate(time.Millisecond),
	}
	require.NoError(t, s.SaveClient(ctx, client))

	got, err := s.GetClient(ctx, "tnt_a", "acme_abc")
	require.NoError(t, err)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.Equal(t, "none", got.TokenEndpointAuthMethod)

	_, err = s.GetClient(ctx, "tnt_b", "acme_abc")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.CountClients(ctx, "tnt_a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestTakePendingAuthorizationIsSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SavePendingAuthorization(ctx, &storage.PendingAuthorization{
		TenantID:            "tnt_a",
		RequestID:           "req_1",
		ClientID:            "client_1",
		RedirectURI:         "https://app.example.com/cb",
		Scope:               "read",
		State:               "xyz",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}))

	got, err := s.TakePendingAuthorization(ctx, "tnt_a", "req_1")
	require.NoError(t, err)
	assert.Equal(t, "client_1", got.ClientID)
	assert.Equal(t, "challenge", got.CodeChallenge)

	_, err = s.TakePendingAuthorization(ctx, "tnt_a", "req_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		TenantID:  "tnt_a",
		Code:      "code_1",
		ClientID:  "client_1",
		UserID:    "user_1",
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	got, err := s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_1", now)
	require.NoError(t, err)
	assert.Equal(t, "user_1", got.UserID)
	assert.False(t, got.UsedAt.IsZero())

	replayed, err := s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_1", now)
	assert.ErrorIs(t, err, storage.ErrAlreadyUsed)
	require.NotNil(t, replayed)
	assert.Equal(t, "user_1", replayed.UserID)

	_, err = s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_2", "code_1", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetAuthorizationCodeIsReadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		TenantID:  "tnt_a",
		Code:      "code_1",
		ClientID:  "client_1",
		UserID:    "user_1",
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	// Reading does not burn the code.
	got, err := s.GetAuthorizationCode(ctx, "tnt_a", "client_1", "code_1")
	require.NoError(t, err)
	assert.True(t, got.UsedAt.IsZero())

	_, err = s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_1", now)
	require.NoError(t, err)

	got, err = s.GetAuthorizationCode(ctx, "tnt_a", "client_1", "code_1")
	require.NoError(t, err)
	assert.False(t, got.UsedAt.IsZero())

	_, err = s.GetAuthorizationCode(ctx, "tnt_a", "client_2", "code_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeAuthorizationCodeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		TenantID:  "tnt_a",
		Code:      "code_1",
		ClientID:  "client_1",
		ExpiresAt: now.Add(-time.Minute),
	}))

	_, err := s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_1", now)
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func testToken(suffix string, now time.Time) *storage.Token {
	return &storage.Token{
		TenantID:              "tnt_a",
		AccessToken:           "at_" + suffix,
		RefreshToken:          "rt_" + suffix,
		ClientID:              "client_1",
		UserID:                "user_1",
		Scope:                 "read",
		TokenType:             "Bearer",
		IssuedAt:              now,
		ExpiresAt:             now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestTokenLookupsAndRotation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SaveToken(ctx, testToken("1", now)))

	byAccess, err := s.GetByAccessToken(ctx, "tnt_a", "at_1")
	require.NoError(t, err)
	assert.Equal(t, "rt_1", byAccess.RefreshToken)

	byRefresh, err := s.GetByRefreshToken(ctx, "tnt_a", "rt_1")
	require.NoError(t, err)
	assert.Equal(t, "at_1", byRefresh.AccessToken)

	_, err = s.GetByAccessToken(ctx, "tnt_b", "at_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	old, err := s.RotateRefreshToken(ctx, "tnt_a", "client_1", "rt_1", now)
	require.NoError(t, err)
	assert.False(t, old.RevokedAt.IsZero())

	_, err = s.RotateRefreshToken(ctx, "tnt_a", "client_1", "rt_1", now)
	assert.ErrorIs(t, err, storage.ErrRevoked)
}

func TestRotateRefreshTokenExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	tok := testToken("1", now)
	tok.RefreshTokenExpiresAt = now.Add(-time.Minute)
	require.NoError(t, s.SaveToken(ctx, tok))

	_, err := s.RotateRefreshToken(ctx, "tnt_a", "client_1", "rt_1", now)
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func TestRevokeTokenIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SaveToken(ctx, testToken("1", now)))

	found, err := s.RevokeToken(ctx, "tnt_a", "rt_1", now)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.RevokeToken(ctx, "tnt_a", "at_1", now)
	require.NoError(t, err)
	assert.False(t, found)

	found, err = s.RevokeToken(ctx, "tnt_a", "unknown", now)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRevokeAllForUserClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().Truncate(time.Millisecond)

	require.NoError(t, s.SaveToken(ctx, testToken("1", now)))
	require.NoError(t, s.SaveToken(ctx, testToken("2", now)))
	other := testToken("3", now)
	other.UserID = "user_2"
	require.NoError(t, s.SaveToken(ctx, other))

	n, err := s.RevokeAllForUserClient(ctx, "tnt_a", "user_1", "client_1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	untouched, err := s.GetByAccessToken(ctx, "tnt_a", "at_3")
	require.NoError(t, err)
	assert.True(t, untouched.RevokedAt.IsZero())
}
