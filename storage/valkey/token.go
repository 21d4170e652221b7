package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mcp-obs/oauth/storage"
)

// tokenJSON is the stored representation of a token pair.
type tokenJSON struct {
	AccessToken           string `json:"access_token"`
	RefreshToken          string `json:"refresh_token,omitempty"`
	TenantID              string `json:"tenant_id"`
	ClientID              string `json:"client_id"`
	UserID                string `json:"user_id"`
	Scope                 string `json:"scope,omitempty"`
	TokenType             string `json:"token_type"`
	IssuedAt              int64  `json:"issued_at"`
	ExpiresAt             int64  `json:"expires_at"`
	RefreshTokenExpiresAt int64  `json:"refresh_expires_at"`
	RevokedAt             int64  `json:"revoked_at"`
	RotatedFrom           string `json:"rotated_from,omitempty"`
}

// luaRotateRefreshToken atomically revokes a live token pair for rotation.
// Only one concurrent refresh can succeed.
//
// KEYS[1] = access-token key of the pair
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = expected client ID
// ARGV[3] = expected refresh token value
//
// Returns the revoked pair JSON on success, or "NOT_FOUND", "REVOKED",
// "EXPIRED".
const luaRotateRefreshToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)

if tok.client_id ~= ARGV[2] or tok.refresh_token ~= ARGV[3] then
    return 'NOT_FOUND'
end

if tok.revoked_at and tok.revoked_at > 0 then
    return 'REVOKED'
end

local now = tonumber(ARGV[1])
if tok.refresh_expires_at and tok.refresh_expires_at > 0 and now > tok.refresh_expires_at then
    return 'EXPIRED'
end

tok.revoked_at = now
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')

return cjson.encode(tok)
`

// luaRevokeToken sets revoked_at on a live pair.
//
// KEYS[1] = access-token key of the pair
// ARGV[1] = current Unix timestamp in seconds
//
// Returns "OK" when a live pair was revoked, "NOT_FOUND", or "ALREADY".
const luaRevokeToken = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local tok = cjson.decode(data)

if tok.revoked_at and tok.revoked_at > 0 then
    return 'ALREADY'
end

tok.revoked_at = tonumber(ARGV[1])
redis.call('SET', KEYS[1], cjson.encode(tok), 'KEEPTTL')

return 'OK'
`

func toTokenJSON(t *storage.Token) *tokenJSON {
	return &tokenJSON{
		AccessToken:           t.AccessToken,
		RefreshToken:          t.RefreshToken,
		TenantID:              t.TenantID,
		ClientID:              t.ClientID,
		UserID:                t.UserID,
		Scope:                 t.Scope,
		TokenType:             t.TokenType,
		IssuedAt:              unixOrZero(t.IssuedAt),
		ExpiresAt:             unixOrZero(t.ExpiresAt),
		RefreshTokenExpiresAt: unixOrZero(t.RefreshTokenExpiresAt),
		RevokedAt:             unixOrZero(t.RevokedAt),
		RotatedFrom:           t.RotatedFrom,
	}
}

func fromTokenJSON(j *tokenJSON) *storage.Token {
	return &storage.Token{
		AccessToken:           j.AccessToken,
		RefreshToken:          j.RefreshToken,
		TenantID:              j.TenantID,
		ClientID:              j.ClientID,
		UserID:                j.UserID,
		Scope:                 j.Scope,
		TokenType:             j.TokenType,
		IssuedAt:              timeOrZero(j.IssuedAt),
		ExpiresAt:             timeOrZero(j.ExpiresAt),
		RefreshTokenExpiresAt: timeOrZero(j.RefreshTokenExpiresAt),
		RevokedAt:             timeOrZero(j.RevokedAt),
		RotatedFrom:           j.RotatedFrom,
	}
}

// tokenRetention is how long a pair stays visible past its logical lifetime.
// Revoked and expired pairs must remain resolvable so introspection can say
// "inactive" rather than "unknown".
func tokenRetention(t *storage.Token) time.Duration {
	expiry := t.ExpiresAt
	if t.RefreshToken != "" && t.RefreshTokenExpiresAt.After(expiry) {
		expiry = t.RefreshTokenExpiresAt
	}
	ttl := calculateTTL(expiry) + time.Hour
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl
}

// SaveToken stores a pair under its access token value, with a refresh-token
// index entry and a per-user-client set for bulk revocation.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if token == nil || token.TenantID == "" || token.AccessToken == "" {
		return fmt.Errorf("token tenant ID and access token are required")
	}

	data, err := json.Marshal(toTokenJSON(token))
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}

	ttl := tokenRetention(token)

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.accessKey(token.TenantID, token.AccessToken)).
			Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save token: %w", err)
	}

	if token.RefreshToken != "" {
		if err := s.client.Do(ctx,
			s.client.B().Set().Key(s.refreshKey(token.TenantID, token.RefreshToken)).
				Value(token.AccessToken).Ex(ttl).Build(),
		).Error(); err != nil {
			return fmt.Errorf("save refresh token index: %w", err)
		}
	}

	ucKey := s.userClientKey(token.TenantID, token.UserID, token.ClientID)
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(ucKey).Member(token.AccessToken).Build(),
	).Error(); err != nil {
		return fmt.Errorf("track token for user and client: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Expire().Key(ucKey).Seconds(int64(ttl.Seconds())).Build(),
	).Error(); err != nil {
		return fmt.Errorf("set user-client set expiry: %w", err)
	}

	s.logger.Debug("saved token pair",
		"tenant_id", token.TenantID,
		"client_id", token.ClientID,
		"access_prefix", safeTruncate(token.AccessToken, tokenLogLength))
	return nil
}

// GetByAccessToken retrieves a pair by its access token value.
func (s *Store) GetByAccessToken(ctx context.Context, tenantID, accessToken string) (*storage.Token, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.accessKey(tenantID, accessToken)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get token by access token: %w", err)
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// GetByRefreshToken retrieves a pair by its refresh token value.
func (s *Store) GetByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*storage.Token, error) {
	accessToken, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.refreshKey(tenantID, refreshToken)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("resolve refresh token: %w", err)
	}
	return s.GetByAccessToken(ctx, tenantID, accessToken)
}

// RotateRefreshToken atomically revokes the live pair identified by the
// refresh token and returns the revoked record.
func (s *Store) RotateRefreshToken(ctx context.Context, tenantID, clientID, refreshToken string, now time.Time) (*storage.Token, error) {
	accessToken, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.refreshKey(tenantID, refreshToken)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("resolve refresh token: %w", err)
	}

	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateRefreshToken).
			Numkeys(1).
			Key(s.accessKey(tenantID, accessToken)).
			Arg(strconv.FormatInt(now.Unix(), 10)).
			Arg(clientID).
			Arg(refreshToken).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("rotate refresh token: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return nil, storage.ErrNotFound
	case "REVOKED":
		return nil, storage.ErrRevoked
	case "EXPIRED":
		return nil, storage.ErrExpired
	}

	var j tokenJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("unmarshal rotated token: %w", err)
	}
	return fromTokenJSON(&j), nil
}

// RevokeToken revokes the live pair matching the given access or refresh
// token value. Unknown or already revoked values are not an error.
func (s *Store) RevokeToken(ctx context.Context, tenantID, value string, now time.Time) (bool, error) {
	accessToken := value
	if _, err := s.GetByAccessToken(ctx, tenantID, value); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return false, err
		}
		resolved, rerr := s.client.Do(ctx,
			s.client.B().Get().Key(s.refreshKey(tenantID, value)).Build(),
		).ToString()
		if rerr != nil {
			if isNilError(rerr) {
				return false, nil
			}
			return false, fmt.Errorf("resolve refresh token: %w", rerr)
		}
		accessToken = resolved
	}

	return s.revokeByAccessToken(ctx, tenantID, accessToken, now)
}

func (s *Store) revokeByAccessToken(ctx context.Context, tenantID, accessToken string, now time.Time) (bool, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeToken).
			Numkeys(1).
			Key(s.accessKey(tenantID, accessToken)).
			Arg(strconv.FormatInt(now.Unix(), 10)).
			Build(),
	).ToString()
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return result == "OK", nil
}

// RevokeAllForUserClient revokes every live pair issued to the user and
// client, walking the per-user-client access token set.
func (s *Store) RevokeAllForUserClient(ctx context.Context, tenantID, userID, clientID string, now time.Time) (int, error) {
	members, err := s.client.Do(ctx,
		s.client.B().Smembers().Key(s.userClientKey(tenantID, userID, clientID)).Build(),
	).AsStrSlice()
	if err != nil {
		if isNilError(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("list tokens for user and client: %w", err)
	}

	revoked := 0
	for _, accessToken := range members {
		ok, err := s.revokeByAccessToken(ctx, tenantID, accessToken, now)
		if err != nil {
			return revoked, err
		}
		if ok {
			revoked++
		}
	}

	if revoked > 0 {
		s.logger.Debug("revoked token pairs for user and client",
			"tenant_id", tenantID,
			"client_id", clientID,
			"revoked", revoked)
	}
	return revoked, nil
}
