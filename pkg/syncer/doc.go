// Package syncer implements the write-behind flush from the hot cache to the
// persistent store. Each entity class runs its own worker on its own cadence:
// the worker snapshots the class's pending-user set, converts every dirty
// user's cache hash into persistence rows and replaces the user's rows in one
// transaction. Users whose flush fails are re-marked dirty and picked up on
// the next cycle.
package syncer
