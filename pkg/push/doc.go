// Package push delivers server-initiated game events to connected clients
// over WebSocket. One session exists per user; delivery is best effort and a
// slow client loses messages rather than stalling the hub.
package push
