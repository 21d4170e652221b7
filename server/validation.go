package server

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net"
	"net/url"

	"github.com/mcp-obs/oauth/storage"
)

// PKCE constants per RFC 7636. Only S256 is accepted; "plain" defeats the
// purpose of the challenge on any network where the authorization response
// can be observed.
const (
	PKCEMethodS256 = "S256"

	MinCodeVerifierLength = 43
	MaxCodeVerifierLength = 128
)

// validateAuthorizationParams checks the shape of an authorization request
// after the client and redirect URI have been verified. Failures here are
// reported to the client via the redirect URI.
func (s *Server) validateAuthorizationParams(req *AuthorizationRequest) *Error {
	if req.ResponseType != "code" {
		return ErrUnsupportedResponseType("only the 'code' response type is supported")
	}
	if req.CodeChallenge == "" {
		return ErrInvalidRequest("code_challenge is required")
	}
	if req.CodeChallengeMethod != PKCEMethodS256 {
		return ErrInvalidRequest("code_challenge_method must be S256")
	}
	if req.State != "" && len(req.State) < s.Config.MinStateLength {
		return ErrInvalidRequest(fmt.Sprintf("state must be at least %d characters", s.Config.MinStateLength))
	}
	return nil
}

// verifyPKCE checks a code verifier against the challenge captured at
// authorization time. The comparison is constant-time.
func verifyPKCE(challenge, method, verifier string) error {
	if verifier == "" {
		return fmt.Errorf("code_verifier is required")
	}
	if len(verifier) < MinCodeVerifierLength || len(verifier) > MaxCodeVerifierLength {
		return fmt.Errorf("code_verifier must be %d-%d characters", MinCodeVerifierLength, MaxCodeVerifierLength)
	}

	// RFC 7636 limits the verifier to [A-Za-z0-9-._~]. Rejecting anything
	// else keeps control characters and multibyte input out of the hash.
	for _, ch := range verifier {
		valid := (ch >= 'A' && ch <= 'Z') || (ch >= 'a' && ch <= 'z') || (ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '~'
		if !valid {
			return fmt.Errorf("code_verifier contains invalid characters")
		}
	}

	if method != PKCEMethodS256 {
		return fmt.Errorf("unsupported code_challenge_method: %s", method)
	}

	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])

	if subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) != 1 {
		return fmt.Errorf("code_verifier does not match code_challenge")
	}
	return nil
}

// isRegisteredRedirectURI reports whether the URI byte-equals one of the
// client's registered redirect URIs. No normalization: the value presented
// at authorization and exchange must match registration exactly.
func isRegisteredRedirectURI(client *storage.Client, redirectURI string) bool {
	for _, registered := range client.RedirectURIs {
		if subtle.ConstantTimeCompare([]byte(registered), []byte(redirectURI)) == 1 {
			return true
		}
	}
	return false
}

// validateRedirectURIForRegistration checks a redirect URI presented at
// client registration. In production mode the scheme must be https unless
// the host is loopback, where plain http is allowed for native clients
// per RFC 8252.
func validateRedirectURIForRegistration(redirectURI string, productionMode bool) error {
	if redirectURI == "" {
		return fmt.Errorf("redirect URI must not be empty")
	}

	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("redirect URI is not a valid URL: %w", err)
	}
	if !parsed.IsAbs() {
		return fmt.Errorf("redirect URI must be absolute")
	}
	if parsed.Fragment != "" {
		return fmt.Errorf("redirect URI must not contain a fragment")
	}
	if parsed.Host == "" {
		return fmt.Errorf("redirect URI must have a host")
	}

	switch parsed.Scheme {
	case "https":
		return nil
	case "http":
		if !productionMode || isLoopbackHost(parsed.Hostname()) {
			return nil
		}
		return fmt.Errorf("http redirect URIs are only allowed for loopback hosts")
	default:
		return fmt.Errorf("unsupported redirect URI scheme %q", parsed.Scheme)
	}
}

// isLoopbackHost reports whether the host is a loopback address.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
