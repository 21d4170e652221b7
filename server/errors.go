package server

import (
	"fmt"
	"net/http"
)

// OAuth error codes used on the protocol surface.
const (
	ErrorCodeInvalidRequest          = "invalid_request"
	ErrorCodeInvalidClient           = "invalid_client"
	ErrorCodeInvalidGrant            = "invalid_grant"
	ErrorCodeUnauthorizedClient      = "unauthorized_client"
	ErrorCodeUnsupportedGrantType    = "unsupported_grant_type"
	ErrorCodeUnsupportedResponseType = "unsupported_response_type"
	ErrorCodeInvalidScope            = "invalid_scope"
	ErrorCodeServerError             = "server_error"

	// RFC 7591 registration error codes.
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
)

// Error is an OAuth protocol error. It is serialized on the wire as
// {"error": Code, "error_description": Description} with HTTP status Status.
type Error struct {
	Code        string
	Description string
	Status      int
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a protocol error with an explicit HTTP status.
func NewError(code, description string, status int) *Error {
	return &Error{Code: code, Description: description, Status: status}
}

// ErrInvalidRequest indicates a malformed or incomplete request.
func ErrInvalidRequest(description string) *Error {
	return NewError(ErrorCodeInvalidRequest, description, http.StatusBadRequest)
}

// ErrInvalidClient indicates an unknown or disabled client, or failed client
// authentication.
func ErrInvalidClient(description string) *Error {
	return NewError(ErrorCodeInvalidClient, description, http.StatusUnauthorized)
}

// ErrInvalidGrant indicates an invalid, consumed, expired, or mismatched
// grant. The same error covers every grant failure so callers cannot probe
// which check failed.
func ErrInvalidGrant(description string) *Error {
	return NewError(ErrorCodeInvalidGrant, description, http.StatusBadRequest)
}

// ErrUnauthorizedClient indicates the client is not allowed to use the
// requested grant.
func ErrUnauthorizedClient(description string) *Error {
	return NewError(ErrorCodeUnauthorizedClient, description, http.StatusBadRequest)
}

// ErrUnsupportedGrantType indicates a grant type this server does not issue.
func ErrUnsupportedGrantType(description string) *Error {
	return NewError(ErrorCodeUnsupportedGrantType, description, http.StatusBadRequest)
}

// ErrUnsupportedResponseType indicates a response type other than "code".
func ErrUnsupportedResponseType(description string) *Error {
	return NewError(ErrorCodeUnsupportedResponseType, description, http.StatusBadRequest)
}

// ErrInvalidScope indicates a malformed scope value.
func ErrInvalidScope(description string) *Error {
	return NewError(ErrorCodeInvalidScope, description, http.StatusBadRequest)
}

// ErrServerError indicates an internal failure, typically a storage fault.
// The description is generic; details belong in the log, not on the wire.
func ErrServerError(description string) *Error {
	return NewError(ErrorCodeServerError, description, http.StatusInternalServerError)
}

// ErrInvalidClientMetadata indicates rejected registration metadata
// (RFC 7591).
func ErrInvalidClientMetadata(description string) *Error {
	return NewError(ErrorCodeInvalidClientMetadata, description, http.StatusBadRequest)
}

// ErrInvalidRedirectURI indicates a rejected redirect URI at registration
// (RFC 7591).
func ErrInvalidRedirectURI(description string) *Error {
	return NewError(ErrorCodeInvalidRedirectURI, description, http.StatusBadRequest)
}
