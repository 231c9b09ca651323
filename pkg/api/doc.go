// Package api exposes the game over HTTP. Commands arrive as JSON POSTs to a
// single endpoint carrying a numeric api_code; the dispatcher routes the code
// to the owning domain service and wraps the result in a uniform envelope.
// The package also serves the WebSocket push endpoint, health probes and
// Prometheus metrics.
package api
