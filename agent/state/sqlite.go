package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is a SQLite implementation of Backend.
//
// It stores all namespaces in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process deployments that outgrow per-file JSON state
//   - Prototyping before migrating to MySQL
//
// WAL mode is enabled so concurrent readers are not blocked by the writer.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens (and if needed creates) the database at path.
// Use ":memory:" for an in-memory database.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS agent_state (
			namespace TEXT NOT NULL,
			state_key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, state_key)
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create agent_state table: %w", err)
	}

	return &SQLiteBackend{db: db, path: path}, nil
}

// Write upserts the value for namespace/key.
func (s *SQLiteBackend) Write(ctx context.Context, namespace, key string, data []byte) error {
	query := `
		INSERT INTO agent_state (namespace, state_key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (namespace, state_key)
		DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`
	if _, err := s.db.ExecContext(ctx, query, namespace, key, data); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Read returns the stored value or ErrNotFound.
func (s *SQLiteBackend) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	query := `SELECT value FROM agent_state WHERE namespace = ? AND state_key = ?`
	err := s.db.QueryRowContext(ctx, query, namespace, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Delete removes the value. Deleting an absent key is not an error.
func (s *SQLiteBackend) Delete(ctx context.Context, namespace, key string) error {
	query := `DELETE FROM agent_state WHERE namespace = ? AND state_key = ?`
	if _, err := s.db.ExecContext(ctx, query, namespace, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteBackend) Close() error {
	return s.db.Close()
}
