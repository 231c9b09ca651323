// Package worker runs the timed-task completion loop. Every tick it pops the
// matured entries of each task class and dispatches them to the owning
// service's completion handler under the user's lock. Failed completions are
// re-enqueued with a short backoff and dead-lettered after three attempts.
package worker
