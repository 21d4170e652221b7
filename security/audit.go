package security

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection. User
// identifiers are hashed before they reach the log stream; tenant and client
// IDs are logged verbatim since they are not personal data.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a security auditor.
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{logger: logger, enabled: enabled}
}

// Event is a security audit event. TenantID is always set; the remaining
// identity fields depend on the event type.
type Event struct {
	Type      string
	TenantID  string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with hashed PII.
func (a *Auditor) LogEvent(event Event) {
	if !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	a.logger.Info("security_audit",
		"event_type", event.Type,
		"tenant_id", event.TenantID,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// LogAuthorizationRequested logs an authorization request that passed
// validation.
func (a *Auditor) LogAuthorizationRequested(tenantID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationRequested,
		TenantID:  tenantID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogCodeIssued logs the issuance of an authorization code.
func (a *Auditor) LogCodeIssued(tenantID, userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeIssued,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogCodeReuseDetected logs a replayed authorization code and how many token
// pairs were revoked in response.
func (a *Auditor) LogCodeReuseDetected(tenantID, userID, clientID, ipAddress string, revoked int) {
	a.LogEvent(Event{
		Type:      EventAuthorizationCodeReuseDetected,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"revoked_pairs": revoked},
	})
}

// LogTokenIssued logs the issuance of a token pair.
func (a *Auditor) LogTokenIssued(tenantID, userID, clientID, ipAddress, scope string) {
	a.LogEvent(Event{
		Type:      EventTokenIssued,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"scope": scope},
	})
}

// LogTokenRefreshed logs a refresh token rotation.
func (a *Auditor) LogTokenRefreshed(tenantID, userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRefreshed,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"rotated": true},
	})
}

// LogTokenRevoked logs a token revocation.
func (a *Auditor) LogTokenRevoked(tenantID, userID, clientID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventTokenRevoked,
		TenantID:  tenantID,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ipAddress,
	})
}

// LogAuthFailure logs an authentication failure.
func (a *Auditor) LogAuthFailure(tenantID, clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		TenantID:  tenantID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation.
func (a *Auditor) LogRateLimitExceeded(tenantID, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		TenantID:  tenantID,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs a new client registration.
func (a *Auditor) LogClientRegistered(tenantID, clientID, authMethod, ipAddress string) {
	a.LogEvent(Event{
		Type:      EventClientRegistered,
		TenantID:  tenantID,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"auth_method": authMethod},
	})
}

// hashForLogging creates a truncated SHA-256 hash of sensitive data.
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}
