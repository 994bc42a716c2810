// ABOUTME: Package documentation for relay-gateway persistence.
// ABOUTME: SQLite-backed identities, agent keys, and connection audit.

// Package store persists the relay gateway's durable state: identities,
// their bcrypt-hashed agent keys for token bootstrap, and an audit log of
// tunnel lifecycle events.
//
// In-flight relay requests are deliberately not persisted; a restart
// drops them and callers retry.
package store
