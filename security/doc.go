// Package security provides the cross-cutting security features of the
// authorization server: audit logging with hashed PII, per-identifier rate
// limiting, response security headers, client IP extraction behind proxies,
// request ID propagation, and clock-skew tolerant expiry checks.
package security
