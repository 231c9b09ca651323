// Package storage implements the persistent system-of-record on BoltDB.
//
// The store never serves steady-state reads for the domain services; it
// exists to bootstrap the hot cache on login, to absorb write-behind flushes
// from the sync workers, and to anchor the authoritative id counters for
// users and alliances.
//
// Layout: one bucket per entity class. Per-user class rows are keyed
// "user_id/entity_idx" with JSON values, mirroring the per-user hashes held
// in the cache, so a sync flush is a straight replace of the key range.
// A dedicated counters bucket holds named monotonic counters, seeded from
// the existing key space at startup.
package storage
