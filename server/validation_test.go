package server

import (
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"testing"

	"golang.org/x/oauth2"

	"github.com/mcp-obs/oauth/storage"
)

func TestVerifyPKCE(t *testing.T) {
	verifier := oauth2.GenerateVerifier()
	sum := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(sum[:])

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid", challenge, PKCEMethodS256, verifier, false},
		{"empty verifier", challenge, PKCEMethodS256, "", true},
		{"too short", challenge, PKCEMethodS256, strings.Repeat("a", MinCodeVerifierLength-1), true},
		{"too long", challenge, PKCEMethodS256, strings.Repeat("a", MaxCodeVerifierLength+1), true},
		{"invalid characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "!", true},
		{"plain method", verifier, "plain", verifier, true},
		{"wrong verifier", challenge, PKCEMethodS256, oauth2.GenerateVerifier(), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := verifyPKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("verifyPKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestIsRegisteredRedirectURI(t *testing.T) {
	client := &storage.Client{
		RedirectURIs: []string{
			"https://app.example.com/callback",
			"http://127.0.0.1:8765/callback",
		},
	}

	tests := []struct {
		uri  string
		want bool
	}{
		{"https://app.example.com/callback", true},
		{"http://127.0.0.1:8765/callback", true},
		{"https://app.example.com/callback/", false},
		{"https://APP.example.com/callback", false},
		{"https://app.example.com/callback?x=1", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := isRegisteredRedirectURI(client, tt.uri); got != tt.want {
			t.Errorf("isRegisteredRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestValidateRedirectURIForRegistration(t *testing.T) {
	tests := []struct {
		name       string
		uri        string
		production bool
		wantErr    bool
	}{
		{"https", "https://app.example.com/cb", true, false},
		{"http loopback ipv4", "http://127.0.0.1:9/cb", true, false},
		{"http localhost", "http://localhost/cb", true, false},
		{"http ipv6 loopback", "http://[::1]:8080/cb", true, false},
		{"http remote in production", "http://app.example.com/cb", true, true},
		{"http remote in development", "http://app.example.com/cb", false, false},
		{"relative", "/cb", true, true},
		{"fragment", "https://app.example.com/cb#x", true, true},
		{"custom scheme", "myapp://cb", true, true},
		{"empty", "", true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateRedirectURIForRegistration(tt.uri, tt.production)
			if (err != nil) != tt.wantErr {
				t.Errorf("error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClampScope(t *testing.T) {
	tenant := &storage.Tenant{ScopesSupported: []string{"openid", "profile", "email"}}

	tests := []struct {
		name      string
		requested string
		client    *storage.Client
		want      string
	}{
		{"empty request", "", nil, ""},
		{"all supported", "openid profile", nil, "openid profile"},
		{"unsupported dropped", "openid admin", nil, "openid"},
		{"duplicates collapsed", "openid openid profile", nil, "openid profile"},
		{"client restriction applies", "openid profile email", &storage.Client{Scope: "openid email"}, "openid email"},
		{"empty client restriction means tenant-wide", "openid email", &storage.Client{}, "openid email"},
		{"nothing survives", "admin root", nil, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := clampScope(tt.requested, tenant, tt.client); got != tt.want {
				t.Errorf("clampScope(%q) = %q, want %q", tt.requested, got, tt.want)
			}
		})
	}
}
