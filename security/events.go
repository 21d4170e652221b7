package security

// Event type constants for audit logging.
const (
	// Authorization flow events

	// EventAuthorizationRequested is logged when an authorization request
	// passes validation.
	EventAuthorizationRequested = "authorization_requested"

	// EventAuthorizationCodeIssued is logged when an authorization code is
	// issued.
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code
	// is presented again. All tokens from the first redemption are
	// revoked.
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventInvalidPKCE is logged when PKCE verification fails.
	EventInvalidPKCE = "invalid_pkce"

	// Token lifecycle events

	EventTokenIssued    = "token_issued"
	EventTokenRefreshed = "token_refreshed"
	EventTokenRevoked   = "token_revoked"

	// Client and access events

	EventClientRegistered          = "client_registered"
	EventClientRegistrationLimited = "client_registration_limited"
	EventAuthFailure               = "auth_failure"
	EventRateLimitExceeded         = "rate_limit_exceeded"
)
