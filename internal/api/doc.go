// Package api implements the HTTP REST API and WebSocket server for the
// P-20HD replay bridge.
//
// This package provides:
//   - Read endpoints for the cached device state and session health
//   - Command submission, raw protocol text or a named action
//   - The session journal, paged newest first
//   - A WebSocket hub relaying session events as they happen
//   - Prometheus exposition on the configured metrics path
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Security
//
// When security.jwt.secret is set, command submission, the journal and the
// WebSocket require an HS256 bearer token issued with that secret. WebSocket
// clients pass it as the token query parameter. Command submission is also
// rate limited per server through security.rate_limit.
//
// # Graceful Degradation
//
// The server runs without a device: reads answer from whatever the state
// cache holds and commands fail with 503 until the session is ready.
package api
