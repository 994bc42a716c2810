// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite.
// ABOUTME: Provides identity and audit persistence with automatic schema creation.

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS identities (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active',
			key_hash TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS connection_events (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			event TEXT NOT NULL,
			at DATETIME NOT NULL,
			FOREIGN KEY (identity) REFERENCES identities(id)
		);

		CREATE INDEX IF NOT EXISTS idx_connection_events_identity
			ON connection_events(identity, at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateIdentity inserts a new active identity.
func (s *SQLiteStore) CreateIdentity(ctx context.Context, id, name string) (*Identity, error) {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities (id, name, status, key_hash, created_at, updated_at)
		 VALUES (?, ?, ?, '', ?, ?)`,
		id, name, IdentityStatusActive, now, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateIdentity
		}
		return nil, fmt.Errorf("inserting identity: %w", err)
	}
	return &Identity{ID: id, Name: name, Status: IdentityStatusActive, CreatedAt: now, UpdatedAt: now}, nil
}

// GetIdentity fetches one identity by id.
func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, key_hash, created_at, updated_at FROM identities WHERE id = ?`, id)

	var ident Identity
	err := row.Scan(&ident.ID, &ident.Name, &ident.Status, &ident.KeyHash, &ident.CreatedAt, &ident.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning identity: %w", err)
	}
	return &ident, nil
}

// ListIdentities returns all identities ordered by creation time.
func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, status, key_hash, created_at, updated_at FROM identities ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		var ident Identity
		if err := rows.Scan(&ident.ID, &ident.Name, &ident.Status, &ident.KeyHash, &ident.CreatedAt, &ident.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning identity: %w", err)
		}
		out = append(out, &ident)
	}
	return out, rows.Err()
}

// SetIdentityStatus flips an identity between active and revoked.
func (s *SQLiteStore) SetIdentityStatus(ctx context.Context, id, status string) error {
	if status != IdentityStatusActive && status != IdentityStatusRevoked {
		return fmt.Errorf("invalid status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET status = ?, updated_at = ? WHERE id = ?`,
		status, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating identity status: %w", err)
	}
	return requireRow(res)
}

// SetAgentKey stores the bcrypt hash of an identity's agent key.
func (s *SQLiteStore) SetAgentKey(ctx context.Context, id, keyHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE identities SET key_hash = ?, updated_at = ? WHERE id = ?`,
		keyHash, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("updating agent key: %w", err)
	}
	return requireRow(res)
}

// RecordConnectionEvent appends one audit row. Implements relay.EventRecorder.
func (s *SQLiteStore) RecordConnectionEvent(ctx context.Context, identity, event string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connection_events (id, identity, event, at) VALUES (?, ?, ?, ?)`,
		uuid.NewString(), identity, event, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting connection event: %w", err)
	}
	return nil
}

// ListConnectionEvents returns the most recent events for an identity,
// newest first.
func (s *SQLiteStore) ListConnectionEvents(ctx context.Context, identity string, limit int) ([]*ConnectionEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, identity, event, at FROM connection_events
		 WHERE identity = ? ORDER BY at DESC, id LIMIT ?`,
		identity, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying connection events: %w", err)
	}
	defer rows.Close()

	var out []*ConnectionEvent
	for rows.Next() {
		var ev ConnectionEvent
		if err := rows.Scan(&ev.ID, &ev.Identity, &ev.Event, &ev.At); err != nil {
			return nil, fmt.Errorf("scanning connection event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports constraint failures in the error text;
	// it does not export a typed error for them.
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
