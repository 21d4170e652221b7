package oauth

import "github.com/mcp-obs/oauth/server"

// Error is the protocol error type shared with the engine.
type Error = server.Error

// Error codes re-exported for callers working at the HTTP layer.
const (
	ErrorCodeInvalidRequest          = server.ErrorCodeInvalidRequest
	ErrorCodeInvalidClient           = server.ErrorCodeInvalidClient
	ErrorCodeInvalidGrant            = server.ErrorCodeInvalidGrant
	ErrorCodeUnauthorizedClient      = server.ErrorCodeUnauthorizedClient
	ErrorCodeUnsupportedGrantType    = server.ErrorCodeUnsupportedGrantType
	ErrorCodeUnsupportedResponseType = server.ErrorCodeUnsupportedResponseType
	ErrorCodeInvalidScope            = server.ErrorCodeInvalidScope
	ErrorCodeServerError             = server.ErrorCodeServerError
	ErrorCodeInvalidClientMetadata   = server.ErrorCodeInvalidClientMetadata
	ErrorCodeInvalidRedirectURI      = server.ErrorCodeInvalidRedirectURI
)
