package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mcp-obs/oauth/storage"
)

// pendingJSON is the stored representation of a pending authorization.
type pendingJSON struct {
	RequestID           string `json:"request_id"`
	TenantID            string `json:"tenant_id"`
	ClientID            string `json:"client_id"`
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
}

// codeJSON is the stored representation of an authorization code.
type codeJSON struct {
	Code                string `json:"code"`
	TenantID            string `json:"tenant_id"`
	ClientID            string `json:"client_id"`
	UserID              string `json:"user_id"`
	RedirectURI         string `json:"redirect_uri"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
	Scope               string `json:"scope,omitempty"`
	State               string `json:"state,omitempty"`
	CreatedAt           int64  `json:"created_at"`
	ExpiresAt           int64  `json:"expires_at"`
	UsedAt              int64  `json:"used_at"`
}

// luaConsumeAuthorizationCode atomically checks and marks an authorization
// code as used. Only one concurrent redemption can succeed.
//
// KEYS[1] = code key
// ARGV[1] = current Unix timestamp in seconds
// ARGV[2] = expected client ID
// ARGV[3] = retention in seconds for the used record
//
// Returns the code JSON on success, "NOT_FOUND", "EXPIRED", or
// "ALREADY_USED:<json>" so the caller can revoke tokens from the first
// redemption.
const luaConsumeAuthorizationCode = `
local data = redis.call('GET', KEYS[1])
if not data then
    return 'NOT_FOUND'
end

local code = cjson.decode(data)

if code.client_id ~= ARGV[2] then
    return 'NOT_FOUND'
end

if code.used_at and code.used_at > 0 then
    return 'ALREADY_USED:' .. data
end

local now = tonumber(ARGV[1])
if code.expires_at and now > code.expires_at then
    return 'EXPIRED'
end

code.used_at = now
redis.call('SET', KEYS[1], cjson.encode(code), 'EX', ARGV[3])

return cjson.encode(code)
`

func toPendingJSON(p *storage.PendingAuthorization) *pendingJSON {
	return &pendingJSON{
		RequestID:           p.RequestID,
		TenantID:            p.TenantID,
		ClientID:            p.ClientID,
		RedirectURI:         p.RedirectURI,
		Scope:               p.Scope,
		State:               p.State,
		CodeChallenge:       p.CodeChallenge,
		CodeChallengeMethod: p.CodeChallengeMethod,
		CreatedAt:           unixOrZero(p.CreatedAt),
		ExpiresAt:           unixOrZero(p.ExpiresAt),
	}
}

func fromPendingJSON(j *pendingJSON) *storage.PendingAuthorization {
	return &storage.PendingAuthorization{
		RequestID:           j.RequestID,
		TenantID:            j.TenantID,
		ClientID:            j.ClientID,
		RedirectURI:         j.RedirectURI,
		Scope:               j.Scope,
		State:               j.State,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		CreatedAt:           timeOrZero(j.CreatedAt),
		ExpiresAt:           timeOrZero(j.ExpiresAt),
	}
}

func toCodeJSON(c *storage.AuthorizationCode) *codeJSON {
	return &codeJSON{
		Code:                c.Code,
		TenantID:            c.TenantID,
		ClientID:            c.ClientID,
		UserID:              c.UserID,
		RedirectURI:         c.RedirectURI,
		CodeChallenge:       c.CodeChallenge,
		CodeChallengeMethod: c.CodeChallengeMethod,
		Scope:               c.Scope,
		State:               c.State,
		CreatedAt:           unixOrZero(c.CreatedAt),
		ExpiresAt:           unixOrZero(c.ExpiresAt),
		UsedAt:              unixOrZero(c.UsedAt),
	}
}

func fromCodeJSON(j *codeJSON) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		Code:                j.Code,
		TenantID:            j.TenantID,
		ClientID:            j.ClientID,
		UserID:              j.UserID,
		RedirectURI:         j.RedirectURI,
		CodeChallenge:       j.CodeChallenge,
		CodeChallengeMethod: j.CodeChallengeMethod,
		Scope:               j.Scope,
		State:               j.State,
		CreatedAt:           timeOrZero(j.CreatedAt),
		ExpiresAt:           timeOrZero(j.ExpiresAt),
		UsedAt:              timeOrZero(j.UsedAt),
	}
}

// SavePendingAuthorization stores a pending authorization with a TTL matching
// its expiry.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if pending == nil || pending.TenantID == "" || pending.RequestID == "" {
		return fmt.Errorf("pending authorization tenant ID and request ID are required")
	}

	data, err := json.Marshal(toPendingJSON(pending))
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}

	ttl := calculateTTL(pending.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("pending authorization already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.pendingKey(pending.TenantID, pending.RequestID)).
			Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save pending authorization: %w", err)
	}
	return nil
}

// TakePendingAuthorization atomically retrieves and deletes a pending
// authorization via GETDEL; only one concurrent caller receives it.
func (s *Store) TakePendingAuthorization(ctx context.Context, tenantID, requestID string) (*storage.PendingAuthorization, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Getdel().Key(s.pendingKey(tenantID, requestID)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("take pending authorization: %w", err)
	}

	var j pendingJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal pending authorization: %w", err)
	}
	return fromPendingJSON(&j), nil
}

// SaveAuthorizationCode stores a code with a TTL matching its expiry.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if code == nil || code.TenantID == "" || code.Code == "" {
		return fmt.Errorf("authorization code tenant ID and code are required")
	}

	data, err := json.Marshal(toCodeJSON(code))
	if err != nil {
		return fmt.Errorf("marshal authorization code: %w", err)
	}

	ttl := calculateTTL(code.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("authorization code already expired")
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.codeKey(code.TenantID, code.Code)).
			Value(string(data)).Ex(ttl).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save authorization code: %w", err)
	}

	s.logger.Debug("saved authorization code",
		"tenant_id", code.TenantID,
		"code_prefix", safeTruncate(code.Code, tokenLogLength))
	return nil
}

// GetAuthorizationCode returns the stored code without mutating it.
func (s *Store) GetAuthorizationCode(ctx context.Context, tenantID, clientID, code string) (*storage.AuthorizationCode, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.codeKey(tenantID, code)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get authorization code: %w", err)
	}

	var j codeJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal authorization code: %w", err)
	}
	if j.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	return fromCodeJSON(&j), nil
}

// ConsumeAuthorizationCode atomically checks and marks a code as used.
//
// SECURITY: the Lua script guarantees only one concurrent redemption wins.
// On replay the stored record is returned with ErrAlreadyUsed so the caller
// can revoke the tokens minted by the first redemption.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, tenantID, clientID, code string, now time.Time) (*storage.AuthorizationCode, error) {
	result, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaConsumeAuthorizationCode).
			Numkeys(1).
			Key(s.codeKey(tenantID, code)).
			Arg(strconv.FormatInt(now.Unix(), 10)).
			Arg(clientID).
			Arg(strconv.FormatInt(int64(usedCodeRetention.Seconds()), 10)).
			Build(),
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("consume authorization code: %w", err)
	}

	switch {
	case result == "NOT_FOUND":
		return nil, storage.ErrNotFound
	case result == "EXPIRED":
		return nil, storage.ErrExpired
	case strings.HasPrefix(result, "ALREADY_USED:"):
		var j codeJSON
		if err := json.Unmarshal([]byte(strings.TrimPrefix(result, "ALREADY_USED:")), &j); err != nil {
			return nil, fmt.Errorf("unmarshal replayed authorization code: %w", err)
		}
		return fromCodeJSON(&j), storage.ErrAlreadyUsed
	}

	var j codeJSON
	if err := json.Unmarshal([]byte(result), &j); err != nil {
		return nil, fmt.Errorf("unmarshal authorization code: %w", err)
	}

	s.logger.Debug("marked authorization code as used",
		"tenant_id", tenantID,
		"code_prefix", safeTruncate(code, tokenLogLength))
	return fromCodeJSON(&j), nil
}
