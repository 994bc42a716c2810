// ABOUTME: Package doc for the relay gateway HTTP server.
// ABOUTME: Describes the REST surface and the agent tunnel endpoint.

// Package server exposes the relay gateway over HTTP.
//
// Agents dial GET /api/ibkr/relay with a bearer JWT and hold a websocket
// tunnel open; API consumers hit the /api/ibkr/* REST endpoints with the
// same kind of token, and their requests are proxied through the tunnel
// registered for their identity.
//
// Relay failures map onto HTTP statuses: no tunnel is 503, a call
// deadline is 504, and broker-reported errors or a tunnel lost mid-call
// are 502.
package server
