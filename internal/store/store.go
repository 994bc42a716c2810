// ABOUTME: Store interface and data types for relay-gateway persistence.
// ABOUTME: Identities with hashed agent keys, plus connection audit events.

package store

import (
	"context"
	"errors"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateIdentity is returned when creating an identity that already exists
var ErrDuplicateIdentity = errors.New("identity already exists")

// IdentityStatus constants
const (
	IdentityStatusActive  = "active"
	IdentityStatusRevoked = "revoked"
)

// Identity is one relay user: the stable key a tunnel registers under,
// plus the hashed agent key used for token bootstrap.
type Identity struct {
	ID        string
	Name      string
	Status    string // "active" or "revoked"
	KeyHash   string // bcrypt hash of the agent key; empty until set
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConnectionEvent is one audit row: a tunnel connecting, disconnecting, or
// being superseded.
type ConnectionEvent struct {
	ID       string
	Identity string
	Event    string // "connected", "disconnected", "superseded"
	At       time.Time
}

// Store is the persistence boundary for the relay gateway.
type Store interface {
	CreateIdentity(ctx context.Context, id, name string) (*Identity, error)
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	ListIdentities(ctx context.Context) ([]*Identity, error)
	SetIdentityStatus(ctx context.Context, id, status string) error
	SetAgentKey(ctx context.Context, id, keyHash string) error

	RecordConnectionEvent(ctx context.Context, identity, event string) error
	ListConnectionEvents(ctx context.Context, identity string, limit int) ([]*ConnectionEvent, error)

	Close() error
}

// HashAgentKey hashes a plaintext agent key for storage.
func HashAgentKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckAgentKey compares a plaintext agent key against a stored hash.
func CheckAgentKey(hash, key string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) == nil
}
