package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcp-obs/oauth/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(Config{CleanupInterval: time.Hour})
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
	}
	require.NoError(t, s.SaveTenant(ctx, tenant))

	got, err := s.GetTenant(ctx, "tnt_1")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.Slug)

	bySlug, err := s.GetTenantBySlug(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "tnt_1", bySlug.ID)

	_, err = s.GetTenantBySlug(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Returned record is a copy, not an alias.
	got.ScopesSupported[0] = "mutated"
	again, err := s.GetTenant(ctx, "tnt_1")
	require.NoError(t, err)
	assert.Equal(t, "read", again.ScopesSupported[0])
}

func TestSaveTenantReindexesSlug(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveTenant(ctx, &storage.Tenant{ID: "tnt_1", Slug: "old"}))
	require.NoError(t, s.SaveTenant(ctx, &storage.Tenant{ID: "tnt_1", Slug: "new"}))

	_, err := s.GetTenantBySlug(ctx, "old")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	got, err := s.GetTenantBySlug(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, "tnt_1", got.ID)
}

func TestClientPartitioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveClient(ctx, &storage.Client{TenantID: "tnt_a", ClientID: "client_1"}))

	_, err := s.GetClient(ctx, "tnt_a", "client_1")
	require.NoError(t, err)

	// The same client ID does not exist in another tenant partition.
	_, err = s.GetClient(ctx, "tnt_b", "client_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	n, err := s.CountClients(ctx, "tnt_a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = s.CountClients(ctx, "tnt_b")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestTakePendingAuthorizationIsSingleUse(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	pending := &storage.PendingAuthorization{
		RequestID: "req_1",
		TenantID:  "tnt_a",
		ClientID:  "client_1",
		ExpiresAt: time.Now().Add(10 * time.Minute),
	}
	require.NoError(t, s.SavePendingAuthorization(ctx, pending))

	got, err := s.TakePendingAuthorization(ctx, "tnt_a", "req_1")
	require.NoError(t, err)
	assert.Equal(t, "client_1", got.ClientID)

	_, err = s.TakePendingAuthorization(ctx, "tnt_a", "req_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeAuthorizationCode(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	code := &storage.AuthorizationCode{
		Code:      "code_1",
		TenantID:  "tnt_a",
		ClientID:  "client_1",
		UserID:    "user_1",
		ExpiresAt: now.Add(10 * time.Minute),
	}
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_1", now)
	require.NoError(t, err)
	assert.Equal(t, "user_1", got.UserID)
	assert.False(t, got.UsedAt.IsZero())

	// Second redemption reports the code as used and returns the record.
	replayed, err := s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_1", now)
	assert.ErrorIs(t, err, storage.ErrAlreadyUsed)
	require.NotNil(t, replayed)
	assert.Equal(t, "user_1", replayed.UserID)
}

func TestGetAuthorizationCodeIsReadOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code_1",
		TenantID:  "tnt_a",
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

	// A used record is still readable, as stored.
	got, err = s.GetAuthorizationCode(ctx, "tnt_a", "client_1", "code_1")
	require.NoError(t, err)
	assert.False(t, got.UsedAt.IsZero())

	// Wrong client and wrong tenant look identical to an unknown code.
	_, err = s.GetAuthorizationCode(ctx, "tnt_a", "client_2", "code_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetAuthorizationCode(ctx, "tnt_b", "client_1", "code_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestConsumeAuthorizationCodeRejections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code_1",
		TenantID:  "tnt_a",
		ClientID:  "client_1",
		ExpiresAt: now.Add(-time.Minute),
	}))

	_, err := s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "unknown", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Wrong client looks identical to an unknown code.
	_, err = s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_2", "code_1", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Wrong tenant partition.
	_, err = s.ConsumeAuthorizationCode(ctx, "tnt_b", "client_1", "code_1", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_1", now)
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func TestConsumeAuthorizationCodeSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code_race",
		TenantID:  "tnt_a",
		ClientID:  "client_1",
		ExpiresAt: now.Add(10 * time.Minute),
	}))

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_race", now); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one concurrent redemption must win")
}

func testToken(suffix string, now time.Time) *storage.Token {
	return &storage.Token{
		AccessToken:           "at_" + suffix,
		RefreshToken:          "rt_" + suffix,
		TenantID:              "tnt_a",
		ClientID:              "client_1",
		UserID:                "user_1",
		TokenType:             "Bearer",
		IssuedAt:              now,
		ExpiresAt:             now.Add(time.Hour),
		RefreshTokenExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestTokenLookups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveToken(ctx, testToken("1", now)))

	byAccess, err := s.GetByAccessToken(ctx, "tnt_a", "at_1")
	require.NoError(t, err)
	assert.Equal(t, "rt_1", byAccess.RefreshToken)

	byRefresh, err := s.GetByRefreshToken(ctx, "tnt_a", "rt_1")
	require.NoError(t, err)
	assert.Equal(t, "at_1", byRefresh.AccessToken)

	// Token values never cross tenant partitions.
	_, err = s.GetByAccessToken(ctx, "tnt_b", "at_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetByRefreshToken(ctx, "tnt_b", "rt_1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestRotateRefreshToken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveToken(ctx, testToken("1", now)))

	old, err := s.RotateRefreshToken(ctx, "tnt_a", "client_1", "rt_1", now)
	require.NoError(t, err)
	assert.False(t, old.RevokedAt.IsZero())

	// The old refresh token is revoked for everyone after rotation.
	_, err = s.RotateRefreshToken(ctx, "tnt_a", "client_1", "rt_1", now)
	assert.ErrorIs(t, err, storage.ErrRevoked)

	rec, err := s.GetByRefreshToken(ctx, "tnt_a", "rt_1")
	require.NoError(t, err)
	assert.False(t, rec.RevokedAt.IsZero())
}

func TestRotateRefreshTokenRejections(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	tok := testToken("1", now)
	tok.RefreshTokenExpiresAt = now.Add(-time.Minute)
	require.NoError(t, s.SaveToken(ctx, tok))

	_, err := s.RotateRefreshToken(ctx, "tnt_a", "client_1", "unknown", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.RotateRefreshToken(ctx, "tnt_a", "client_other", "rt_1", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.RotateRefreshToken(ctx, "tnt_a", "client_1", "rt_1", now)
	assert.ErrorIs(t, err, storage.ErrExpired)
}

func TestRotateRefreshTokenSingleWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveToken(ctx, testToken("race", now)))

	const attempts = 32
	var wg sync.WaitGroup
	wins := make(chan struct{}, attempts)

	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.RotateRefreshToken(ctx, "tnt_a", "client_1", "rt_race", now); err == nil {
				wins <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Len(t, wins, 1, "exactly one concurrent rotation must win")
}

func TestRevokeTokenIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SaveToken(ctx, testToken("1", now)))

	// Revocation by refresh token value revokes the pair.
	found, err := s.RevokeToken(ctx, "tnt_a", "rt_1", now)
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.RevokeToken(ctx, "tnt_a", "at_1", now)
	require.NoError(t, err)
	assert.False(t, found, "already revoked pair is not revoked again")

	found, err = s.RevokeToken(ctx, "tnt_a", "unknown", now)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRevokeAllForUserClient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

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

func TestCleanupPurgesExpiredRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.SavePendingAuthorization(ctx, &storage.PendingAuthorization{
		RequestID: "req_old",
		TenantID:  "tnt_a",
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.SaveAuthorizationCode(ctx, &storage.AuthorizationCode{
		Code:      "code_old",
		TenantID:  "tnt_a",
		ClientID:  "client_1",
		ExpiresAt: now.Add(-time.Minute),
	}))
	expiredTok := testToken("old", now.Add(-48*time.Hour))
	expiredTok.RefreshTokenExpiresAt = now.Add(-time.Hour)
	require.NoError(t, s.SaveToken(ctx, expiredTok))

	s.cleanup(now)

	_, err := s.TakePendingAuthorization(ctx, "tnt_a", "req_old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.ConsumeAuthorizationCode(ctx, "tnt_a", "client_1", "code_old", now)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetByAccessToken(ctx, "tnt_a", "at_old")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestContextCancellation(t *testing.T) {
	s := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GetTenant(ctx, "tnt_1")
	assert.ErrorIs(t, err, context.Canceled)

	err = s.SaveToken(ctx, testToken("1", time.Now()))
	assert.ErrorIs(t, err, context.Canceled)
}
