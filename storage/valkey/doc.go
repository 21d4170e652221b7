// Package valkey provides a Valkey/Redis storage backend for multi-instance
// deployments.
//
// Every key embeds the owning tenant ID, so a lookup can never cross a tenant
// partition. Short-lived records (pending authorizations, authorization codes,
// token pairs) carry a server-side TTL matching their logical expiry, which
// makes Valkey itself the janitor. Compare-and-swap operations run as Lua
// scripts so that exactly one concurrent caller wins.
package valkey
