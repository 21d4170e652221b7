// Package sqlite provides a SQLite storage backend on modernc.org/sqlite.
//
// The database is opened in WAL mode with foreign keys enabled and a busy
// timeout, which keeps concurrent readers cheap on a single node. Timestamps
// are stored as Unix milliseconds; a zero value means "not set" (unused code,
// unrevoked token). Compare-and-swap operations are expressed as conditional
// UPDATE statements so the database decides the single winner.
package sqlite
