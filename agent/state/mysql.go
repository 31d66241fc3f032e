package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLBackend is a MySQL/MariaDB implementation of Backend.
//
// Designed for production deployments where state must survive process
// restarts and be reachable from operational tooling. Uses connection
// pooling; all statements are single-row and need no transactions.
//
// Never hardcode credentials; read the DSN from the environment:
//
//	dsn := os.Getenv("MYSQL_DSN")
//	backend, err := state.NewMySQLBackend(dsn)
type MySQLBackend struct {
	db *sql.DB
}

// NewMySQLBackend opens a pooled connection and creates the state table if
// it does not exist. DSN format follows go-sql-driver/mysql:
//
//	user:password@tcp(localhost:3306)/agentflow?parseTime=true
func NewMySQLBackend(dsn string) (*MySQLBackend, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS agent_state (
			namespace VARCHAR(191) NOT NULL,
			state_key VARCHAR(191) NOT NULL,
			value MEDIUMBLOB NOT NULL,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (namespace, state_key)
		)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create agent_state table: %w", err)
	}

	return &MySQLBackend{db: db}, nil
}

// Write upserts the value for namespace/key.
func (m *MySQLBackend) Write(ctx context.Context, namespace, key string, data []byte) error {
	query := `
		INSERT INTO agent_state (namespace, state_key, value)
		VALUES (?, ?, ?)
		ON DUPLICATE KEY UPDATE value = VALUES(value)`
	if _, err := m.db.ExecContext(ctx, query, namespace, key, data); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Read returns the stored value or ErrNotFound.
func (m *MySQLBackend) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	var value []byte
	query := `SELECT value FROM agent_state WHERE namespace = ? AND state_key = ?`
	err := m.db.QueryRowContext(ctx, query, namespace, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Delete removes the value. Deleting an absent key is not an error.
func (m *MySQLBackend) Delete(ctx context.Context, namespace, key string) error {
	query := `DELETE FROM agent_state WHERE namespace = ? AND state_key = ?`
	if _, err := m.db.ExecContext(ctx, query, namespace, key); err != nil {
		return fmt.Errorf("failed to delete %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Close closes the connection pool.
func (m *MySQLBackend) Close() error {
	return m.db.Close()
}
