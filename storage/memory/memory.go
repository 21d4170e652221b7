package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mcp-obs/oauth/storage"
)

const (
	// defaultCleanupInterval is how often the janitor scans for expired
	// records.
	defaultCleanupInterval = 5 * time.Minute

	// usedCodeRetention keeps redeemed authorization codes around so a
	// replayed code is reported as used rather than unknown, which is what
	// triggers token revocation for the first redemption.
	usedCodeRetention = 24 * time.Hour
)

// Config holds configuration for the in-memory backend.
type Config struct {
	// CleanupInterval between janitor runs. Default 5 minutes.
	CleanupInterval time.Duration

	// Logger for janitor activity. Default slog.Default().
	Logger *slog.Logger
}

// Store is an in-memory implementation of storage.Store.
type Store struct {
	mu sync.RWMutex

	tenants   map[string]*storage.Tenant
	slugIndex map[string]string // slug -> tenant ID

	clients map[string]map[string]*storage.Client               // tenant -> client ID
	pending map[string]map[string]*storage.PendingAuthorization // tenant -> request ID
	codes   map[string]map[string]*storage.AuthorizationCode    // tenant -> code

	tokens       map[string]map[string]*storage.Token // tenant -> access token
	refreshIndex map[string]map[string]string         // tenant -> refresh token -> access token

	logger *slog.Logger
	tracer trace.Tracer

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

var _ storage.Store = (*Store)(nil)

// New creates an in-memory store and starts its cleanup janitor.
func New(cfg Config) *Store {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.CleanupInterval
	if interval <= 0 {
		interval = defaultCleanupInterval
	}

	s := &Store{
		tenants:      make(map[string]*storage.Tenant),
		slugIndex:    make(map[string]string),
		clients:      make(map[string]map[string]*storage.Client),
		pending:      make(map[string]map[string]*storage.PendingAuthorization),
		codes:        make(map[string]map[string]*storage.AuthorizationCode),
		tokens:       make(map[string]map[string]*storage.Token),
		refreshIndex: make(map[string]map[string]string),
		logger:       logger,
		tracer:       otel.Tracer("github.com/mcp-obs/oauth/storage/memory"),
		stopCleanup:  make(chan struct{}),
	}

	go s.cleanupLoop(interval)

	return s
}

// Close stops the cleanup janitor.
func (s *Store) Close() error {
	s.stopOnce.Do(func() { close(s.stopCleanup) })
	return nil
}

func (s *Store) startSpan(ctx context.Context, op, tenantID string) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, "storage.memory."+op,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("oauth.tenant_id", tenantID)))
}

// GetTenant retrieves a tenant by ID.
func (s *Store) GetTenant(ctx context.Context, tenantID string) (*storage.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tenants[tenantID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTenant(t), nil
}

// GetTenantBySlug retrieves a tenant by its subdomain slug.
func (s *Store) GetTenantBySlug(ctx context.Context, slug string) (*storage.Tenant, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.slugIndex[slug]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTenant(s.tenants[id]), nil
}

// SaveTenant creates or replaces a tenant record.
func (s *Store) SaveTenant(ctx context.Context, tenant *storage.Tenant) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if tenant.ID == "" || tenant.Slug == "" {
		return fmt.Errorf("tenant ID and slug are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.tenants[tenant.ID]; ok && prev.Slug != tenant.Slug {
		delete(s.slugIndex, prev.Slug)
	}
	s.tenants[tenant.ID] = cloneTenant(tenant)
	s.slugIndex[tenant.Slug] = tenant.ID
	return nil
}

// SaveClient creates or replaces a client within its tenant.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if client.TenantID == "" || client.ClientID == "" {
		return fmt.Errorf("client tenant ID and client ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.clients[client.TenantID]
	if !ok {
		byID = make(map[string]*storage.Client)
		s.clients[client.TenantID] = byID
	}
	byID[client.ClientID] = cloneClient(client)
	return nil
}

// GetClient retrieves a client by ID within the given tenant.
func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*storage.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.clients[tenantID][clientID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneClient(c), nil
}

// CountClients returns the number of clients registered in the tenant.
func (s *Store) CountClients(ctx context.Context, tenantID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.clients[tenantID]), nil
}

// SavePendingAuthorization stores a pending authorization under its request ID.
func (s *Store) SavePendingAuthorization(ctx context.Context, pending *storage.PendingAuthorization) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if pending.TenantID == "" || pending.RequestID == "" {
		return fmt.Errorf("pending authorization tenant ID and request ID are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.pending[pending.TenantID]
	if !ok {
		byID = make(map[string]*storage.PendingAuthorization)
		s.pending[pending.TenantID] = byID
	}
	byID[pending.RequestID] = clonePending(pending)
	return nil
}

// TakePendingAuthorization atomically retrieves and deletes a pending
// authorization. Exactly one concurrent caller obtains the record.
func (s *Store) TakePendingAuthorization(ctx context.Context, tenantID, requestID string) (*storage.PendingAuthorization, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "TakePendingAuthorization", tenantID)
	defer span.End()
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[tenantID][requestID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(s.pending[tenantID], requestID)
	return clonePending(p), nil
}

// SaveAuthorizationCode stores a newly issued authorization code.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if code.TenantID == "" || code.Code == "" {
		return fmt.Errorf("authorization code tenant ID and code are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byCode, ok := s.codes[code.TenantID]
	if !ok {
		byCode = make(map[string]*storage.AuthorizationCode)
		s.codes[code.TenantID] = byCode
	}
	byCode[code.Code] = cloneCode(code)
	return nil
}

// GetAuthorizationCode returns the stored code without mutating it.
func (s *Store) GetAuthorizationCode(ctx context.Context, tenantID, clientID, code string) (*storage.AuthorizationCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.codes[tenantID][code]
	if !ok || rec.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	return cloneCode(rec), nil
}

// ConsumeAuthorizationCode atomically checks and marks a code as used.
// Exactly one concurrent caller wins; the rest see ErrAlreadyUsed.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, tenantID, clientID, code string, now time.Time) (*storage.AuthorizationCode, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "ConsumeAuthorizationCode", tenantID)
	defer span.End()
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.codes[tenantID][code]
	if !ok || rec.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	if !rec.UsedAt.IsZero() {
		return cloneCode(rec), storage.ErrAlreadyUsed
	}
	if now.After(rec.ExpiresAt) {
		return nil, storage.ErrExpired
	}

	rec.UsedAt = now
	return cloneCode(rec), nil
}

// SaveToken stores an issued token pair under both of its values.
func (s *Store) SaveToken(ctx context.Context, token *storage.Token) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if token.TenantID == "" || token.AccessToken == "" {
		return fmt.Errorf("token tenant ID and access token are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	byAccess, ok := s.tokens[token.TenantID]
	if !ok {
		byAccess = make(map[string]*storage.Token)
		s.tokens[token.TenantID] = byAccess
	}
	byAccess[token.AccessToken] = cloneToken(token)

	if token.RefreshToken != "" {
		byRefresh, ok := s.refreshIndex[token.TenantID]
		if !ok {
			byRefresh = make(map[string]string)
			s.refreshIndex[token.TenantID] = byRefresh
		}
		byRefresh[token.RefreshToken] = token.AccessToken
	}
	return nil
}

// GetByAccessToken retrieves a pair by its access token value.
func (s *Store) GetByAccessToken(ctx context.Context, tenantID, accessToken string) (*storage.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[tenantID][accessToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneToken(t), nil
}

// GetByRefreshToken retrieves a pair by its refresh token value.
func (s *Store) GetByRefreshToken(ctx context.Context, tenantID, refreshToken string) (*storage.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	access, ok := s.refreshIndex[tenantID][refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	t, ok := s.tokens[tenantID][access]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneToken(t), nil
}

// RotateRefreshToken atomically revokes the pair identified by the refresh
// token and returns the revoked record. Exactly one concurrent caller wins.
func (s *Store) RotateRefreshToken(ctx context.Context, tenantID, clientID, refreshToken string, now time.Time) (*storage.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "RotateRefreshToken", tenantID)
	defer span.End()
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	access, ok := s.refreshIndex[tenantID][refreshToken]
	if !ok {
		return nil, storage.ErrNotFound
	}
	rec, ok := s.tokens[tenantID][access]
	if !ok || rec.ClientID != clientID {
		return nil, storage.ErrNotFound
	}
	if !rec.RevokedAt.IsZero() {
		return nil, storage.ErrRevoked
	}
	if !rec.RefreshTokenExpiresAt.IsZero() && now.After(rec.RefreshTokenExpiresAt) {
		return nil, storage.ErrExpired
	}

	rec.RevokedAt = now
	return cloneToken(rec), nil
}

// RevokeToken revokes the pair matching the given access or refresh token
// value. Revoking an unknown or already revoked token is not an error.
func (s *Store) RevokeToken(ctx context.Context, tenantID, value string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tokens[tenantID][value]
	if !ok {
		if access, found := s.refreshIndex[tenantID][value]; found {
			rec, ok = s.tokens[tenantID][access]
		}
	}
	if !ok || rec == nil {
		return false, nil
	}
	if !rec.RevokedAt.IsZero() {
		return false, nil
	}

	rec.RevokedAt = now
	return true, nil
}

// RevokeAllForUserClient revokes every live pair issued to the user and
// client. Returns the number of pairs revoked.
func (s *Store) RevokeAllForUserClient(ctx context.Context, tenantID, userID, clientID string, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	revoked := 0
	for _, rec := range s.tokens[tenantID] {
		if rec.UserID != userID || rec.ClientID != clientID {
			continue
		}
		if !rec.RevokedAt.IsZero() {
			continue
		}
		rec.RevokedAt = now
		revoked++
	}
	return revoked, nil
}

func (s *Store) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(time.Now())
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup purges expired pending authorizations, authorization codes, and
// token pairs past their refresh expiry.
func (s *Store) cleanup(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for _, byID := range s.pending {
		for id, p := range byID {
			if now.After(p.ExpiresAt) {
				delete(byID, id)
				removed++
			}
		}
	}

	for _, byCode := range s.codes {
		for code, c := range byCode {
			switch {
			case !c.UsedAt.IsZero() && now.After(c.UsedAt.Add(usedCodeRetention)):
				delete(byCode, code)
				removed++
			case c.UsedAt.IsZero() && now.After(c.ExpiresAt):
				delete(byCode, code)
				removed++
			}
		}
	}

	for tenantID, byAccess := range s.tokens {
		for access, t := range byAccess {
			expired := !t.RefreshTokenExpiresAt.IsZero() && now.After(t.RefreshTokenExpiresAt)
			if t.RefreshToken == "" {
				expired = now.After(t.ExpiresAt)
			}
			if !expired {
				continue
			}
			delete(byAccess, access)
			if t.RefreshToken != "" {
				delete(s.refreshIndex[tenantID], t.RefreshToken)
			}
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("memory store cleanup completed", "removed", removed)
	}
}

func cloneTenant(t *storage.Tenant) *storage.Tenant {
	c := *t
	c.ScopesSupported = append([]string(nil), t.ScopesSupported...)
	return &c
}

func cloneClient(cl *storage.Client) *storage.Client {
	c := *cl
	c.RedirectURIs = append([]string(nil), cl.RedirectURIs...)
	c.GrantTypes = append([]string(nil), cl.GrantTypes...)
	c.ResponseTypes = append([]string(nil), cl.ResponseTypes...)
	return &c
}

func clonePending(p *storage.PendingAuthorization) *storage.PendingAuthorization {
	c := *p
	return &c
}

func cloneCode(code *storage.AuthorizationCode) *storage.AuthorizationCode {
	c := *code
	return &c
}

func cloneToken(t *storage.Token) *storage.Token {
	c := *t
	return &c
}
