// Package memory provides an in-memory storage backend.
//
// All records live in mutex-guarded maps partitioned by tenant ID. A
// background janitor purges expired pending authorizations, authorization
// codes, and token pairs. Suitable for development, tests, and
// single-instance deployments; data does not survive a restart.
package memory
