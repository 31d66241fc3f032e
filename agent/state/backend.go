// Package state implements the scoped shared state plane: a three-tier
// key/value store (global / stream / execution) backed by a write-batching
// storage layer with a read cache.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned when a namespace/key pair does not exist in the
// backing store.
var ErrNotFound = errors.New("not found")

// Backend persists opaque values under (namespace, key) pairs.
//
// Implementations:
//   - FileBackend: one JSON file per key under <root>/<namespace>/<key>.json
//   - SQLiteBackend: single-file database, zero-setup local persistence
//   - MySQLBackend: shared relational database for production deployments
type Backend interface {
	// Write persists data under the namespace/key pair, replacing any
	// previous value.
	Write(ctx context.Context, namespace, key string, data []byte) error

	// Read returns the stored value, or ErrNotFound.
	Read(ctx context.Context, namespace, key string) ([]byte, error)

	// Delete removes the value. Deleting an absent key is not an error.
	Delete(ctx context.Context, namespace, key string) error

	// Close releases backend resources.
	Close() error
}

// FileBackend stores each value as a file at <root>/<namespace>/<key>.json.
//
// The layout matches the persisted state contract: partition snapshots land
// under states/{scope}/{partition_key}.json. Writes are atomic (temp file +
// rename) so readers never observe a torn value on disk.
type FileBackend struct {
	root string
}

// NewFileBackend creates a backend rooted at dir, creating it if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if dir == "" {
		return nil, errors.New("storage root cannot be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &FileBackend{root: dir}, nil
}

// Root returns the backend's root directory.
func (f *FileBackend) Root() string {
	return f.root
}

func (f *FileBackend) path(namespace, key string) (string, error) {
	if err := validateComponent(namespace, true); err != nil {
		return "", err
	}
	if err := validateComponent(key, false); err != nil {
		return "", err
	}
	return filepath.Join(f.root, filepath.FromSlash(namespace), key+".json"), nil
}

// validateComponent rejects path components that would escape the root.
// Namespaces may contain forward slashes ("states/global"); keys may not.
func validateComponent(s string, allowSlash bool) error {
	if s == "" {
		return errors.New("empty path component")
	}
	if strings.Contains(s, "..") {
		return fmt.Errorf("invalid path component %q", s)
	}
	if !allowSlash && strings.ContainsAny(s, "/\\") {
		return fmt.Errorf("invalid key %q", s)
	}
	return nil
}

// Write persists data atomically via a temp file and rename.
func (f *FileBackend) Write(ctx context.Context, namespace, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(namespace, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create namespace dir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// Read returns the file contents or ErrNotFound.
func (f *FileBackend) Read(ctx context.Context, namespace, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path, err := f.path(namespace, key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// Delete removes the file. A missing file is not an error.
func (f *FileBackend) Delete(ctx context.Context, namespace, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := f.path(namespace, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// Close is a no-op for the file backend.
func (f *FileBackend) Close() error {
	return nil
}
