// Package storage defines the persistence interfaces and data records for the
// authorization server.
//
// Every method takes the owning tenant ID as an explicit argument; backends
// must treat it as a hard partition key and never return records belonging to
// another tenant. Implementations must be safe for concurrent use and honor
// context cancellation on every call.
//
// Three backends ship with the module:
//   - storage/memory: mutex-guarded maps for development, tests, and
//     single-instance deployments
//   - storage/valkey: Valkey/Redis for multi-instance deployments
//   - storage/sqlite: embedded SQLite for single-node durable deployments
package storage
