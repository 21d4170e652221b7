// Package oauth exposes the multi-tenant authorization server over HTTP.
// Tenants are resolved from the request Host; every endpoint operates
// strictly within the resolved tenant.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/mcp-obs/oauth/instrumentation"
	"github.com/mcp-obs/oauth/internal/util"
	"github.com/mcp-obs/oauth/security"
	"github.com/mcp-obs/oauth/server"
	"github.com/mcp-obs/oauth/storage"
	"github.com/mcp-obs/oauth/tenant"
)

// SessionValidator reports the authenticated end user for a request, if any.
// Implementations typically check a session cookie against the tenant's
// identity provider. Returning an empty subject with a nil error means the
// user is not logged in and the authorization flow detours through login.
type SessionValidator interface {
	Subject(r *http.Request, t *storage.Tenant) (string, error)
}

// SessionValidatorFunc adapts a function to the SessionValidator interface.
type SessionValidatorFunc func(r *http.Request, t *storage.Tenant) (string, error)

func (f SessionValidatorFunc) Subject(r *http.Request, t *storage.Tenant) (string, error) {
	return f(r, t)
}

// Handler serves the OAuth endpoints for all tenants.
type Handler struct {
	engine   *server.Server
	resolver *tenant.Resolver
	sessions SessionValidator
	config   *Config
	logger   *slog.Logger

	rateLimiter *security.RateLimiter
	metrics     *instrumentation.Metrics
}

// NewHandler creates the HTTP layer on top of a protocol engine.
func NewHandler(engine *server.Server, resolver *tenant.Resolver, config *Config, logger *slog.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("engine is required")
	}
	if resolver == nil {
		return nil, errors.New("resolver is required")
	}
	if config == nil {
		config = &Config{}
	}
	config.applySecureDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	return &Handler{
		engine:      engine,
		resolver:    resolver,
		config:      config,
		logger:      logger,
		rateLimiter: security.NewRateLimiter(config.RateLimitRPS, config.RateLimitBurst, logger),
	}, nil
}

// SetSessionValidator attaches end-user session checking to the
// authorization endpoint. Without one, every authorization request detours
// through login.
func (h *Handler) SetSessionValidator(v SessionValidator) {
	h.sessions = v
}

// SetInstrumentation attaches metrics to the HTTP layer and the engine.
func (h *Handler) SetInstrumentation(inst *instrumentation.Instrumentation) {
	if inst != nil {
		h.metrics = inst.Metrics()
		h.engine.SetInstrumentation(inst)
	}
}

// Close releases handler resources.
func (h *Handler) Close() {
	h.rateLimiter.Stop()
}

// clientIP extracts the caller's IP honoring the proxy configuration.
func (h *Handler) clientIP(r *http.Request) string {
	return security.GetClientIP(r, h.config.TrustProxy, h.config.TrustedProxyCount)
}

// tenantFrom pulls the tenant resolved by the middleware. A request reaching
// a handler without one is a routing bug.
func (h *Handler) tenantFrom(w http.ResponseWriter, r *http.Request) (*storage.Tenant, bool) {
	t, ok := tenant.FromContext(r.Context())
	if !ok {
		h.writeError(w, "", ErrorCodeServerError, "tenant not resolved", http.StatusInternalServerError)
		return nil, false
	}
	return t, true
}

// HandleMetadata serves the RFC 8414 discovery document for the tenant.
func (h *Handler) HandleMetadata(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := h.tenantFrom(w, r)
	if !ok {
		return
	}

	issuer := util.NormalizeURL(t.IssuerURL)
	meta := AuthorizationServerMetadata{
		Issuer:                            issuer,
		AuthorizationEndpoint:             issuer + "/oauth/authorize",
		TokenEndpoint:                     issuer + "/oauth/token",
		RegistrationEndpoint:              issuer + "/oauth/register",
		IntrospectionEndpoint:             issuer + "/oauth/introspect",
		RevocationEndpoint:                issuer + "/oauth/revoke",
		ScopesSupported:                   t.ScopesSupported,
		ResponseTypesSupported:            []string{"code"},
		GrantTypesSupported:               []string{"authorization_code", "refresh_token"},
		CodeChallengeMethodsSupported:     []string{server.PKCEMethodS256},
		TokenEndpointAuthMethodsSupported: []string{"none", "client_secret_basic", "client_secret_post"},
	}

	h.writeJSON(w, t.IssuerURL, http.StatusOK, meta)
	h.recordHTTPMetrics(r.Context(), "metadata", r.Method, http.StatusOK, start)
}

// HandleAuthorize serves GET /oauth/authorize.
func (h *Handler) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := h.tenantFrom(w, r)
	if !ok {
		return
	}

	subject := ""
	if h.sessions != nil {
		var err error
		subject, err = h.sessions.Subject(r, t)
		if err != nil {
			h.logger.Error("session validation failed", "error", err, "tenant_id", t.ID)
			h.writeError(w, t.IssuerURL, ErrorCodeServerError, "temporary failure, please retry", http.StatusInternalServerError)
			h.recordHTTPMetrics(r.Context(), "authorize", r.Method, http.StatusInternalServerError, start)
			return
		}
	}

	q := r.URL.Query()
	req := &server.AuthorizationRequest{
		ClientID:            q.Get("client_id"),
		RedirectURI:         q.Get("redirect_uri"),
		ResponseType:        q.Get("response_type"),
		Scope:               q.Get("scope"),
		State:               q.Get("state"),
		CodeChallenge:       q.Get("code_challenge"),
		CodeChallengeMethod: q.Get("code_challenge_method"),
		Subject:             subject,
		ClientIP:            h.clientIP(r),
	}

	res, err := h.engine.Authorize(r.Context(), t, req)
	if err != nil {
		status := h.writeEngineError(w, t.IssuerURL, err)
		h.recordHTTPMetrics(r.Context(), "authorize", r.Method, status, start)
		return
	}

	switch {
	case res.ErrorCode != "":
		h.redirectWithError(w, r, res)
	case res.LoginRequired:
		login := h.config.LoginPath + "?authorization_request_id=" + url.QueryEscape(res.RequestID)
		http.Redirect(w, r, login, http.StatusFound)
	default:
		h.redirectWithCode(w, r, res)
	}
	h.recordHTTPMetrics(r.Context(), "authorize", r.Method, http.StatusFound, start)
}

// HandleAuthorizeComplete serves GET /oauth/authorize/complete, the re-entry
// point after end-user login. The login page calls back here with the
// request_id it was handed.
func (h *Handler) HandleAuthorizeComplete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := h.tenantFrom(w, r)
	if !ok {
		return
	}

	subject := ""
	if h.sessions != nil {
		var err error
		subject, err = h.sessions.Subject(r, t)
		if err != nil {
			h.logger.Error("session validation failed", "error", err, "tenant_id", t.ID)
			h.writeError(w, t.IssuerURL, ErrorCodeServerError, "temporary failure, please retry", http.StatusInternalServerError)
			h.recordHTTPMetrics(r.Context(), "authorize_complete", r.Method, http.StatusInternalServerError, start)
			return
		}
	}

	requestID := r.URL.Query().Get("request_id")
	res, err := h.engine.CompleteAuthorization(r.Context(), t, requestID, subject, h.clientIP(r))
	if err != nil {
		status := h.writeEngineError(w, t.IssuerURL, err)
		h.recordHTTPMetrics(r.Context(), "authorize_complete", r.Method, status, start)
		return
	}

	h.redirectWithCode(w, r, res)
	h.recordHTTPMetrics(r.Context(), "authorize_complete", r.Method, http.StatusFound, start)
}

// HandleToken serves POST /oauth/token.
func (h *Handler) HandleToken(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := h.tenantFrom(w, r)
	if !ok {
		return
	}

	clientIP := h.clientIP(r)
	if !h.allowRate(r, t, clientIP) {
		h.writeError(w, t.IssuerURL, ErrorCodeInvalidRequest, "rate limit exceeded, try again later", http.StatusTooManyRequests)
		h.recordHTTPMetrics(r.Context(), "token", r.Method, http.StatusTooManyRequests, start)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, t.IssuerURL, ErrorCodeInvalidRequest, "malformed form body", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "token", r.Method, http.StatusBadRequest, start)
		return
	}

	client, oerr := h.authenticateClient(r, t)
	if oerr != nil {
		h.writeOAuthError(w, t.IssuerURL, oerr)
		h.recordHTTPMetrics(r.Context(), "token", r.Method, oerr.Status, start)
		return
	}

	var (
		token *storage.Token
		err   error
	)
	switch grantType := r.PostFormValue("grant_type"); grantType {
	case "authorization_code":
		token, err = h.engine.ExchangeAuthorizationCode(r.Context(), t,
			client.ClientID,
			r.PostFormValue("code"),
			r.PostFormValue("redirect_uri"),
			r.PostFormValue("code_verifier"),
			clientIP)
	case "refresh_token":
		token, err = h.engine.RefreshAccessToken(r.Context(), t,
			client.ClientID,
			r.PostFormValue("refresh_token"),
			clientIP)
	case "":
		err = server.ErrInvalidRequest("grant_type is required")
	default:
		err = server.ErrUnsupportedGrantType("unsupported grant_type " + grantType)
	}
	if err != nil {
		status := h.writeEngineError(w, t.IssuerURL, err)
		h.recordHTTPMetrics(r.Context(), "token", r.Method, status, start)
		return
	}

	resp := TokenResponse{
		AccessToken:  token.AccessToken,
		TokenType:    token.TokenType,
		ExpiresIn:    int64(time.Until(token.ExpiresAt).Seconds()),
		RefreshToken: token.RefreshToken,
		Scope:        token.Scope,
	}
	h.writeJSON(w, t.IssuerURL, http.StatusOK, resp)
	h.recordHTTPMetrics(r.Context(), "token", r.Method, http.StatusOK, start)
}

// HandleIntrospect serves POST /oauth/introspect per RFC 7662.
func (h *Handler) HandleIntrospect(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := h.tenantFrom(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, t.IssuerURL, ErrorCodeInvalidRequest, "malformed form body", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "introspect", r.Method, http.StatusBadRequest, start)
		return
	}

	rec, err := h.engine.Introspect(r.Context(), t, r.PostFormValue("token"))
	if err != nil {
		status := h.writeEngineError(w, t.IssuerURL, err)
		h.recordHTTPMetrics(r.Context(), "introspect", r.Method, status, start)
		return
	}

	resp := IntrospectionResponse{Active: false}
	if rec != nil {
		resp = IntrospectionResponse{
			Active:    true,
			Scope:     rec.Scope,
			ClientID:  rec.ClientID,
			Subject:   rec.UserID,
			TokenType: rec.TokenType,
			ExpiresAt: rec.ExpiresAt.Unix(),
			IssuedAt:  rec.IssuedAt.Unix(),
			Issuer:    t.IssuerURL,
		}
		// Descriptive only; an active token whose client record has since
		// vanished still introspects as active.
		if client, cerr := h.engine.Store.GetClient(r.Context(), t.ID, rec.ClientID); cerr == nil {
			resp.ClientName = client.ClientName
		}
	}
	h.writeJSON(w, t.IssuerURL, http.StatusOK, resp)
	h.recordHTTPMetrics(r.Context(), "introspect", r.Method, http.StatusOK, start)
}

// HandleRevoke serves POST /oauth/revoke per RFC 7009. Unknown and foreign
// tokens revoke "successfully"; the response never reveals whether the token
// existed.
func (h *Handler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := h.tenantFrom(w, r)
	if !ok {
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, t.IssuerURL, ErrorCodeInvalidRequest, "malformed form body", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "revoke", r.Method, http.StatusBadRequest, start)
		return
	}

	token := r.PostFormValue("token")
	if token == "" {
		h.writeError(w, t.IssuerURL, ErrorCodeInvalidRequest, "token is required", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "revoke", r.Method, http.StatusBadRequest, start)
		return
	}

	if err := h.engine.Revoke(r.Context(), t, token, h.clientIP(r)); err != nil {
		status := h.writeEngineError(w, t.IssuerURL, err)
		h.recordHTTPMetrics(r.Context(), "revoke", r.Method, status, start)
		return
	}

	security.SetSecurityHeaders(w, t.IssuerURL)
	w.WriteHeader(http.StatusOK)
	h.recordHTTPMetrics(r.Context(), "revoke", r.Method, http.StatusOK, start)
}

// HandleRegister serves POST /oauth/register per RFC 7591.
func (h *Handler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	t, ok := h.tenantFrom(w, r)
	if !ok {
		return
	}

	clientIP := h.clientIP(r)
	if !h.allowRate(r, t, clientIP) {
		h.writeError(w, t.IssuerURL, ErrorCodeInvalidRequest, "rate limit exceeded, try again later", http.StatusTooManyRequests)
		h.recordHTTPMetrics(r.Context(), "register", r.Method, http.StatusTooManyRequests, start)
		return
	}

	var req ClientRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, t.IssuerURL, ErrorCodeInvalidClientMetadata, "malformed JSON body", http.StatusBadRequest)
		h.recordHTTPMetrics(r.Context(), "register", r.Method, http.StatusBadRequest, start)
		return
	}

	client, secret, err := h.engine.RegisterClient(r.Context(), t, &server.ClientMetadata{
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              req.GrantTypes,
		ResponseTypes:           req.ResponseTypes,
		TokenEndpointAuthMethod: req.TokenEndpointAuthMethod,
		Scope:                   req.Scope,
	}, clientIP)
	if err != nil {
		status := h.writeEngineError(w, t.IssuerURL, err)
		h.recordHTTPMetrics(r.Context(), "register", r.Method, status, start)
		return
	}

	resp := ClientRegistrationResponse{
		ClientID:                client.ClientID,
		ClientSecret:            secret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientName:              client.ClientName,
		RedirectURIs:            client.RedirectURIs,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
	}
	h.writeJSON(w, t.IssuerURL, http.StatusCreated, resp)
	h.recordHTTPMetrics(r.Context(), "register", r.Method, http.StatusCreated, start)
}

// authenticateClient resolves and authenticates the client on a token
// endpoint request: HTTP Basic (client_secret_basic), form credentials
// (client_secret_post), or bare client_id for public clients.
func (h *Handler) authenticateClient(r *http.Request, t *storage.Tenant) (*storage.Client, *Error) {
	clientID, clientSecret, okBasic := r.BasicAuth()
	if okBasic {
		// RFC 6749 appendix B: Basic credentials are form-urlencoded
		// before base64.
		var err error
		if clientID, err = url.QueryUnescape(clientID); err != nil {
			return nil, server.ErrInvalidClient("client authentication failed")
		}
		if clientSecret, err = url.QueryUnescape(clientSecret); err != nil {
			return nil, server.ErrInvalidClient("client authentication failed")
		}
	} else {
		clientID = r.PostFormValue("client_id")
		clientSecret = r.PostFormValue("client_secret")
	}

	if clientID == "" {
		return nil, server.ErrInvalidClient("client authentication required")
	}

	client, err := h.engine.ValidateClientCredentials(r.Context(), t, clientID, clientSecret)
	if err != nil {
		var oerr *Error
		if errors.As(err, &oerr) {
			return nil, oerr
		}
		return nil, server.ErrServerError("temporary failure, please retry")
	}
	return client, nil
}

// allowRate applies the per-IP limiter shared by the token and registration
// endpoints.
func (h *Handler) allowRate(r *http.Request, t *storage.Tenant, clientIP string) bool {
	if h.rateLimiter.Allow(clientIP) {
		return true
	}
	h.engine.Auditor.LogRateLimitExceeded(t.ID, clientIP)
	if h.metrics != nil {
		h.metrics.RateLimitExceeded.Add(r.Context(), 1,
			metric.WithAttributes(attribute.String(instrumentation.AttrTenantID, t.ID)))
	}
	return false
}

// redirectWithCode sends the authorization response on the redirect URI.
func (h *Handler) redirectWithCode(w http.ResponseWriter, r *http.Request, res *server.AuthorizationResult) {
	u, err := url.Parse(res.RedirectURI)
	if err != nil {
		h.writeError(w, "", ErrorCodeServerError, "invalid redirect URI", http.StatusInternalServerError)
		return
	}
	q := u.Query()
	q.Set("code", res.Code)
	if res.State != "" {
		q.Set("state", res.State)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// redirectWithError reports a post-validation failure on the redirect URI
// per RFC 6749 §4.1.2.1.
func (h *Handler) redirectWithError(w http.ResponseWriter, r *http.Request, res *server.AuthorizationResult) {
	u, err := url.Parse(res.RedirectURI)
	if err != nil {
		h.writeError(w, "", ErrorCodeServerError, "invalid redirect URI", http.StatusInternalServerError)
		return
	}
	q := u.Query()
	q.Set("error", res.ErrorCode)
	if res.ErrorDescription != "" {
		q.Set("error_description", res.ErrorDescription)
	}
	if res.State != "" {
		q.Set("state", res.State)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// writeEngineError renders an engine error as an OAuth error body and
// returns the HTTP status used.
func (h *Handler) writeEngineError(w http.ResponseWriter, issuerURL string, err error) int {
	var oerr *Error
	if errors.As(err, &oerr) {
		h.writeOAuthError(w, issuerURL, oerr)
		return oerr.Status
	}
	h.writeError(w, issuerURL, ErrorCodeServerError, "temporary failure, please retry", http.StatusInternalServerError)
	return http.StatusInternalServerError
}

func (h *Handler) writeOAuthError(w http.ResponseWriter, issuerURL string, oerr *Error) {
	if oerr.Code == ErrorCodeInvalidClient {
		// RFC 6749 §5.2 requires a challenge with 401 responses.
		w.Header().Set("WWW-Authenticate", `Basic realm="oauth"`)
	}
	h.writeError(w, issuerURL, oerr.Code, oerr.Description, oerr.Status)
}

func (h *Handler) writeError(w http.ResponseWriter, issuerURL, code, description string, status int) {
	security.SetSecurityHeaders(w, issuerURL)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(ErrorResponse{Error: code, ErrorDescription: description}); err != nil {
		h.logger.Error("failed to encode error response", "error", err)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, issuerURL string, status int, v any) {
	security.SetSecurityHeaders(w, issuerURL)
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// recordHTTPMetrics records per-request counters and latency.
func (h *Handler) recordHTTPMetrics(ctx context.Context, endpoint, method string, status int, start time.Time) {
	if h.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String(instrumentation.AttrHTTPEndpoint, endpoint),
		attribute.String(instrumentation.AttrHTTPMethod, method),
		attribute.Int(instrumentation.AttrHTTPStatusCode, status),
	)
	h.metrics.HTTPRequestsTotal.Add(ctx, 1, attrs)
	h.metrics.HTTPRequestDuration.Record(ctx, float64(time.Since(start).Milliseconds()), attrs)
}
