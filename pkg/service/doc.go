// Package service implements the domain services of the game core: Resource,
// Buff, Building, Unit, Research, Item, Mission, Shop, Alliance and the login
// orchestrator.
//
// Every service follows the same shape. It is constructed per request from
// the shared Deps (cache, persistent store, timed-task queue, locker, config
// catalog, event broker, clock) plus the requesting user id. Read APIs return
// the full per-user class hash, auto-filled from persistence on cache miss.
// Write APIs run under the per-user lock, push a queue entry when the
// operation is timed, and mark the user dirty for write-behind. Completion
// handlers are invoked by the task worker on maturity, mutate cache only, and
// emit a push event.
//
// Alliance operations additionally hold the per-alliance lock, always
// acquired after the user lock.
package service
