package valkey

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcp-obs/oauth/storage"
)

// clientJSON is the stored representation of a registered client.
type clientJSON struct {
	ClientID                string   `json:"client_id"`
	ClientSecretHash        string   `json:"client_secret_hash,omitempty"`
	TenantID                string   `json:"tenant_id"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris,omitempty"`
	GrantTypes              []string `json:"grant_types,omitempty"`
	ResponseTypes           []string `json:"response_types,omitempty"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method,omitempty"`
	Scope                   string   `json:"scope,omitempty"`
	Disabled                bool     `json:"disabled,omitempty"`
	CreatedAt               int64    `json:"created_at"`
}

func toClientJSON(c *storage.Client) *clientJSON {
	return &clientJSON{
		ClientID:                c.ClientID,
		ClientSecretHash:        c.ClientSecretHash,
		TenantID:                c.TenantID,
		ClientName:              c.ClientName,
		RedirectURIs:            c.RedirectURIs,
		GrantTypes:              c.GrantTypes,
		ResponseTypes:           c.ResponseTypes,
		TokenEndpointAuthMethod: c.TokenEndpointAuthMethod,
		Scope:                   c.Scope,
		Disabled:                c.Disabled,
		CreatedAt:               unixOrZero(c.CreatedAt),
	}
}

func fromClientJSON(j *clientJSON) *storage.Client {
	return &storage.Client{
		ClientID:                j.ClientID,
		ClientSecretHash:        j.ClientSecretHash,
		TenantID:                j.TenantID,
		ClientName:              j.ClientName,
		RedirectURIs:            j.RedirectURIs,
		GrantTypes:              j.GrantTypes,
		ResponseTypes:           j.ResponseTypes,
		TokenEndpointAuthMethod: j.TokenEndpointAuthMethod,
		Scope:                   j.Scope,
		Disabled:                j.Disabled,
		CreatedAt:               timeOrZero(j.CreatedAt),
	}
}

// SaveClient creates or replaces a client within its tenant and tracks its ID
// in the tenant's client set.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.TenantID == "" || client.ClientID == "" {
		return fmt.Errorf("client tenant ID and client ID are required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("marshal client: %w", err)
	}

	if err := s.client.Do(ctx,
		s.client.B().Set().Key(s.clientKey(client.TenantID, client.ClientID)).Value(string(data)).Build(),
	).Error(); err != nil {
		return fmt.Errorf("save client: %w", err)
	}
	if err := s.client.Do(ctx,
		s.client.B().Sadd().Key(s.clientSetKey(client.TenantID)).Member(client.ClientID).Build(),
	).Error(); err != nil {
		return fmt.Errorf("track client in tenant set: %w", err)
	}

	s.logger.Debug("saved client",
		"tenant_id", client.TenantID,
		"client_id", client.ClientID)
	return nil
}

// GetClient retrieves a client by ID within the given tenant.
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Get().Key(s.clientKey(tenantID, clientID)).Build(),
	).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// CountClients returns the number of clients registered in the tenant.
func (s *Store) CountClients(ctx context.Context, tenantID string) (int, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Scard().Key(s.clientSetKey(tenantID)).Build(),
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("count clients: %w", err)
	}
	return int(n), nil
}
