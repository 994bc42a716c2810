// ABOUTME: Package documentation for relay authentication.
// ABOUTME: Covers JWT verification and bearer extraction.

// Package auth authenticates relay agents and REST callers.
//
// Agents present an HS256 JWT as a bearer credential when dialing the
// relay endpoint; the "sub" claim names the identity the tunnel is
// registered under. The same verifier guards the REST surface, so a
// token's identity scopes both sides of the tunnel it may touch.
package auth
