// Package store provides the content store: an append-only map from content
// id to canonical bytes.
//
// Two implementations satisfy ContentStore:
//   - Memory: process-local, scoped to a test or a single run
//   - SQLite: durable, also holds effect records, edges and intent outcomes
//
// # Invariants
//
// Idempotent writes: putting equal bytes under an id that already exists is a
// no-op; putting different bytes is a Storage error.
//
// Content integrity: every Get recomputes the object id of the returned bytes
// and fails if it does not match the requested id.
//
// Deterministic reads: list queries order by seq ASC, id ASC COLLATE BINARY.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Ids are computed by internal/ir using RFC 8785 canonical JSON and SHA-256
// with domain separation.
package store
