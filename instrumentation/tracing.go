package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys.
//
// SECURITY: never place credential values (tokens, codes, secrets, PKCE
// verifiers) in span attributes. Traces outlive requests and are visible to
// a wider audience than the serving process. These keys carry metadata only.
const (
	AttrTenantID     = "oauth.tenant_id"
	AttrClientID     = "oauth.client_id"
	AttrUserID       = "oauth.user_id"
	AttrScope        = "oauth.scope"
	AttrGrantType    = "oauth.grant_type"
	AttrResponseType = "oauth.response_type"
	AttrPKCEMethod   = "oauth.pkce.method"
	AttrTokenType    = "oauth.token_type"
	AttrCodeReuse    = "oauth.code.reuse"
	AttrError        = "oauth.error"

	AttrHTTPEndpoint   = "http.endpoint"
	AttrHTTPMethod     = "http.method"
	AttrHTTPStatusCode = "http.status_code"

	AttrClientIP = "security.client_ip"
)

// RecordError records an error on a span with error status (nil-safe).
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe).
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status without recording an error value
// (nil-safe).
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe).
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddFlowAttributes adds common protocol flow attributes to a span
// (nil-safe). Empty values are skipped.
func AddFlowAttributes(span trace.Span, tenantID, clientID, scope string) {
	if tenantID != "" {
		SetSpanAttributes(span, attribute.String(AttrTenantID, tenantID))
	}
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if scope != "" {
		SetSpanAttributes(span, attribute.String(AttrScope, scope))
	}
}

// AddHTTPAttributes adds HTTP request attributes to a span (nil-safe).
func AddHTTPAttributes(span trace.Span, method, endpoint string, statusCode int) {
	SetSpanAttributes(span,
		attribute.String(AttrHTTPMethod, method),
		attribute.String(AttrHTTPEndpoint, endpoint),
		attribute.Int(AttrHTTPStatusCode, statusCode),
	)
}
