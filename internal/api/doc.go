// Package api implements the HTTP REST API and WebSocket server for Beamline Core.
//
// This package provides:
//   - REST endpoints for device listing, reads, writes and actions
//   - State history and archived readings from the SQLite archive
//   - A WebSocket hub streaming device events per subscribed device
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Operations
//
// Writes and actions take an optional JSON body:
//
//	{"value": 12.5, "wait": true, "timeout_ms": 5000}
//
// With wait set the request completes once the device reports the
// post-condition; otherwise 202 Accepted is returned as soon as the
// backend accepted the request. Adapter errors map to status codes in
// errors.go (timeout 504, rejected or aborted 409, invalid value 422,
// backend unavailable 503).
//
// # Authentication
//
// With api.auth.enabled, PUT value and POST actions need an
// "Authorization: Bearer <jwt>" header. Observers may only abort; users may
// do everything. Reads and the WebSocket stream need no token.
//
// # Live events
//
// Clients connected to /api/v1/ws send
//
//	{"type": "subscribe", "id": "1", "payload": {"devices": ["fast_shutter"]}}
//
// and receive the device's current events followed by every later
// stateChanged, valueChanged, readingChanged and channelChanged event.
// "*" subscribes to every device.
package api
