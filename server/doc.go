// Package server implements the core OAuth 2.1 protocol engine.
//
// The Server type holds the authorization code flow with mandatory PKCE,
// token exchange and refresh with rotation, introspection, revocation, and
// dynamic client registration (RFC 7591). Every operation takes the resolved
// tenant explicitly; the engine never infers a tenant from ambient state and
// always passes the tenant ID down to the store as the partition key.
//
// The engine is transport-agnostic. HTTP parsing, client authentication
// plumbing, and response serialization live in the root package; end-user
// authentication is an external collaborator reached through the pending
// authorization bridge (Authorize returning LoginRequired, then
// CompleteAuthorization).
package server
