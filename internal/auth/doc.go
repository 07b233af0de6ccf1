// Package auth issues and checks the bearer tokens that guard device
// operations on the HTTP API.
//
// Tokens are HS256-signed JWTs carrying a subject and a Role. Roles map to
// a fixed set of permissions at compile time:
//   - observer: read device state and abort a running operation
//   - user: everything an observer can do, plus writes and actions
//
// Tokens are validated by signature and expiry only. There is no user
// store; operators mint tokens with "beamline token".
package auth
