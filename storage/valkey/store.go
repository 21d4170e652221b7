package valkey

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	valkeygo "github.com/valkey-io/valkey-go"

	"github.com/mcp-obs/oauth/storage"
)

const (
	// DefaultKeyPrefix is the default prefix for all Valkey keys.
	DefaultKeyPrefix = "oauth:"

	// usedCodeRetention keeps redeemed authorization codes around so a
	// replayed code is reported as used rather than unknown.
	usedCodeRetention = 24 * time.Hour

	// connectionVerifyTimeout bounds the initial PING.
	connectionVerifyTimeout = 5 * time.Second

	// tokenLogLength is the number of characters included when logging
	// token values.
	tokenLogLength = 8
)

// Config holds configuration for the Valkey storage backend.
type Config struct {
	// Address is the Valkey server address (required), e.g. "localhost:6379".
	Address string

	// Password is the optional password for authentication.
	Password string

	// DB is the optional database number (default 0).
	DB int

	// KeyPrefix is the prefix for all keys (default "oauth:").
	KeyPrefix string

	// TLS is the optional TLS configuration for encrypted connections.
	TLS *tls.Config

	// Logger is the optional structured logger (default slog.Default()).
	Logger *slog.Logger
}

// Store is a Valkey-backed implementation of storage.Store.
type Store struct {
	client valkeygo.Client
	prefix string
	logger *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// New creates a Valkey-backed store and verifies the connection.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	client, err := valkeygo.NewClient(valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		Password:    cfg.Password,
		SelectDB:    cfg.DB,
		TLSConfig:   cfg.TLS,
	})
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	s := &Store{client: client, prefix: prefix, logger: logger}
	if err := s.verifyConnection(); err != nil {
		client.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the client connection.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) verifyConnection() error {
	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("verify valkey connection: %w", err)
	}
	return nil
}

// Key layout. The tenant ID sits in every partitioned key so lookups cannot
// cross partitions.

func (s *Store) tenantKey(tenantID string) string {
	return s.prefix + "tenant:" + tenantID
}

func (s *Store) tenantSlugKey(slug string) string {
	return s.prefix + "tenant_slug:" + slug
}

func (s *Store) clientKey(tenantID, clientID string) string {
	return s.prefix + "t:" + tenantID + ":client:" + clientID
}

func (s *Store) clientSetKey(tenantID string) string {
	return s.prefix + "t:" + tenantID + ":clients"
}

func (s *Store) pendingKey(tenantID, requestID string) string {
	return s.prefix + "t:" + tenantID + ":pending:" + requestID
}

func (s *Store) codeKey(tenantID, code string) string {
	return s.prefix + "t:" + tenantID + ":code:" + code
}

// accessKeyPrefix is the prefix of access-token keys; Lua scripts append the
// access token value to it.
func (s *Store) accessKeyPrefix(tenantID string) string {
	return s.prefix + "t:" + tenantID + ":at:"
}

func (s *Store) accessKey(tenantID, accessToken string) string {
	return s.accessKeyPrefix(tenantID) + accessToken
}

func (s *Store) refreshKey(tenantID, refreshToken string) string {
	return s.prefix + "t:" + tenantID + ":rt:" + refreshToken
}

func (s *Store) userClientKey(tenantID, userID, clientID string) string {
	return s.prefix + "t:" + tenantID + ":uc:" + userID + ":" + clientID
}

// calculateTTL converts an absolute expiry into a Valkey TTL.
func calculateTTL(expiresAt time.Time) time.Duration {
	return time.Until(expiresAt)
}

func isNilError(err error) bool {
	return err != nil && valkeygo.IsValkeyNil(err)
}

func safeTruncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
