// Package metrics exposes Prometheus instrumentation and the health
// endpoint for the Bastion server.
//
// Counters and gauges cover the API dispatcher (request counts and latency
// by api code), the task worker (completions, retries, dead letters, pending
// entries per class), the sync workers (cycles, flushed users, failures and
// lag per class) and the push channel (sessions, sent and dropped messages).
//
// The HealthChecker aggregates per-component status; the /health handler
// reports cache, persistence, task_worker and the per-class sync workers
// with their current lag.
package metrics
