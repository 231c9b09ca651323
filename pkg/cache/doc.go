// Package cache provides the hot keyed store backing all read/write paths of
// the domain services: per-user hashes for each entity class, sorted sets for
// the timed-task queues, and plain sets for dirty-user tracking and dead
// letters.
//
// The Store interface is the contract. MemStore is the in-process
// implementation: single-field mutations are atomic, per-key TTLs are
// refreshed on every write, and sorted-set range queries break score ties by
// lexicographic member order so drains are deterministic across runs.
//
// Composite mutations spanning multiple fields or keys are NOT atomic at this
// layer; callers sequence them under the per-user lock (pkg/locker).
package cache
