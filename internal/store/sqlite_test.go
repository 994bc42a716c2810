// ABOUTME: Tests for the SQLite store using in-memory databases.
// ABOUTME: Covers identities, agent keys, status flips, and audit events.

package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ident, err := s.CreateIdentity(ctx, "user-1", "Alice")
	require.NoError(t, err)
	assert.Equal(t, IdentityStatusActive, ident.Status)

	got, err := s.GetIdentity(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got.Name)
	assert.Empty(t, got.KeyHash)

	_, err = s.CreateIdentity(ctx, "user-1", "Alice again")
	assert.ErrorIs(t, err, ErrDuplicateIdentity)

	_, err = s.GetIdentity(ctx, "ghost")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetIdentityStatus(ctx, "user-1", IdentityStatusRevoked))
	got, err = s.GetIdentity(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, IdentityStatusRevoked, got.Status)

	assert.Error(t, s.SetIdentityStatus(ctx, "user-1", "suspended"))
	assert.ErrorIs(t, s.SetIdentityStatus(ctx, "ghost", IdentityStatusActive), ErrNotFound)
}

func TestListIdentities(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateIdentity(ctx, "user-1", "Alice")
	require.NoError(t, err)
	_, err = s.CreateIdentity(ctx, "user-2", "Bob")
	require.NoError(t, err)

	idents, err := s.ListIdentities(ctx)
	require.NoError(t, err)
	assert.Len(t, idents, 2)
}

func TestAgentKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateIdentity(ctx, "user-1", "Alice")
	require.NoError(t, err)

	hash, err := HashAgentKey("s3cret-agent-key")
	require.NoError(t, err)
	require.NoError(t, s.SetAgentKey(ctx, "user-1", hash))

	got, err := s.GetIdentity(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, CheckAgentKey(got.KeyHash, "s3cret-agent-key"))
	assert.False(t, CheckAgentKey(got.KeyHash, "wrong-key"))

	assert.ErrorIs(t, s.SetAgentKey(ctx, "ghost", hash), ErrNotFound)
}

func TestConnectionEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateIdentity(ctx, "user-1", "Alice")
	require.NoError(t, err)

	require.NoError(t, s.RecordConnectionEvent(ctx, "user-1", "connected"))
	require.NoError(t, s.RecordConnectionEvent(ctx, "user-1", "superseded"))
	require.NoError(t, s.RecordConnectionEvent(ctx, "user-1", "connected"))
	require.NoError(t, s.RecordConnectionEvent(ctx, "user-1", "disconnected"))

	events, err := s.ListConnectionEvents(ctx, "user-1", 3)
	require.NoError(t, err)
	require.Len(t, events, 3)
	// Newest first.
	assert.Equal(t, "disconnected", events[0].Event)

	all, err := s.ListConnectionEvents(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := s.ListConnectionEvents(ctx, "ghost", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}
