package valkey

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-obs/oauth/storage"
)

func TestKeyLayoutEmbedsTenant(t *testing.T) {
	s := &Store{prefix: "oauth:"}

	assert.Equal(t, "oauth:tenant:tnt_1", s.tenantKey("tnt_1"))
	assert.Equal(t, "oauth:tenant_slug:acme", s.tenantSlugKey("acme"))
	assert.Equal(t, "oauth:t:tnt_1:client:cli", s.clientKey("tnt_1", "cli"))
	assert.Equal(t, "oauth:t:tnt_1:pending:req", s.pendingKey("tnt_1", "req"))
	assert.Equal(t, "oauth:t:tnt_1:code:abc", s.codeKey("tnt_1", "abc"))
	assert.Equal(t, "oauth:t:tnt_1:at:tok", s.accessKey("tnt_1", "tok"))
	assert.Equal(t, "oauth:t:tnt_1:rt:tok", s.refreshKey("tnt_1", "tok"))
	assert.Equal(t, "oauth:t:tnt_1:uc:u:c", s.userClientKey("tnt_1", "u", "c"))

	// Two tenants never share a key for the same value.
	assert.NotEqual(t, s.accessKey("tnt_1", "tok"), s.accessKey("tnt_2", "tok"))
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestTokenJSONRoundTrip(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	tok := &storage.Token{
		AccessToken:           "mcpo_at_abc",
		RefreshToken:          "mcpo_rt_def",
		TenantID:              "tnt_1",
		ClientID:              "acme_cli",
		UserID:                "user_1",
		Scope:                 "read write",
		TokenType:             "Bearer",
		IssuedAt:              now,
		ExpiresAt:             now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
		RotatedFrom:           "mcpo_rt_old",
	}

	data, err := json.Marshal(toTokenJSON(tok))
	require.NoError(t, err)

	var j tokenJSON
	require.NoError(t, json.Unmarshal(data, &j))
	got := fromTokenJSON(&j)

	assert.Equal(t, tok.AccessToken, got.AccessToken)
	assert.Equal(t, tok.TenantID, got.TenantID)
	assert.True(t, got.RevokedAt.IsZero(), "zero revoked_at survives the round trip")
	assert.True(t, tok.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, "mcpo_rt_old", got.RotatedFrom)
}

func TestCodeJSONZeroUsedAt(t *testing.T) {
	now := time.Now().Truncate(time.Second)
	code := &storage.AuthorizationCode{
		Code:                "mcpo_ac_abc",
		TenantID:            "tnt_1",
		ClientID:            "acme_cli",
		UserID:              "user_1",
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           now,
		ExpiresAt:           now.Add(10 * time.Minute),
	}

	j := toCodeJSON(code)
	assert.Zero(t, j.UsedAt, "unused code serializes used_at as 0 for the Lua check")

	got := fromCodeJSON(j)
	assert.True(t, got.UsedAt.IsZero())
}

func TestTokenRetentionOutlivesLogicalExpiry(t *testing.T) {
	now := time.Now()
	tok := &storage.Token{
		AccessToken:           "at",
		RefreshToken:          "rt",
		ExpiresAt:             now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}
	ttl := tokenRetention(tok)
	assert.Greater(t, ttl, 24*time.Hour, "pair must stay resolvable past refresh expiry")

	// Already expired pairs still get a minimum retention window.
	expired := &storage.Token{AccessToken: "at", ExpiresAt: now.Add(-time.Hour)}
	assert.GreaterOrEqual(t, tokenRetention(expired), time.Hour)
}
