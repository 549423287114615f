// Package payload provides content-addressed storage for oversized event
// payloads. The engine treats payloads as opaque; ingestion may swap a large
// inline blob for a "sha256:..." reference into one of these stores.
package payload

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Store is the contract for content-addressed payload storage.
type Store interface {
	// Store persists data and returns its content hash (SHA-256).
	Store(ctx context.Context, data []byte) (string, error)
	// Get retrieves data by its content hash.
	Get(ctx context.Context, hash string) ([]byte, error)
	// Exists checks if a payload exists by its content hash.
	Exists(ctx context.Context, hash string) (bool, error)
	// Delete removes a payload by its content hash.
	Delete(ctx context.Context, hash string) error
}

// hashRef computes the canonical "sha256:..." reference for data.
func hashRef(data []byte) (ref, raw string) {
	sum := sha256.Sum256(data)
	raw = hex.EncodeToString(sum[:])
	return "sha256:" + raw, raw
}

// parseRef validates a "sha256:..." reference and returns the raw hex digest.
func parseRef(hash string) (string, error) {
	if len(hash) < 7 || hash[:7] != "sha256:" {
		return "", fmt.Errorf("invalid hash format: %s", hash)
	}
	raw := hash[7:]
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid hash hex: %w", err)
	}
	return raw, nil
}

// FileStore is a filesystem-backed implementation of Store.
type FileStore struct {
	baseDir string
	mu      sync.RWMutex
}

// NewFileStore creates a new payload store at the specified directory.
func NewFileStore(baseDir string) (*FileStore, error) {
	//nolint:gosec // G301: 0755 is intentional for shared payload directory
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to ensure payload dir: %w", err)
	}
	return &FileStore{baseDir: baseDir}, nil
}

func (s *FileStore) Store(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, raw := hashRef(data)
	path := filepath.Join(s.baseDir, raw+".blob")

	// Idempotent: same content hashes to the same path.
	if _, err := os.Stat(path); err == nil {
		return ref, nil
	}

	// Write to temp, then rename
	tmpPath := path + ".tmp"
	//nolint:gosec // G306: 0644 is intentional for readable blob files
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to commit blob: %w", err)
	}
	return ref, nil
}

func (s *FileStore) Get(ctx context.Context, hash string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(hash)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(s.baseDir, raw+".blob")

	f, err := os.Open(path) //nolint:gosec // Hash validated as hex
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("payload not found: %s", hash)
		}
		//nolint:wrapcheck // caller provides context
		return nil, err
	}
	defer f.Close() //nolint:errcheck // best-effort close

	//nolint:wrapcheck // caller provides context
	return io.ReadAll(f)
}

func (s *FileStore) Exists(ctx context.Context, hash string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, err := parseRef(hash)
	if err != nil {
		return false, err
	}
	path := filepath.Join(s.baseDir, raw+".blob")

	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	//nolint:wrapcheck // caller provides context
	return false, err
}

func (s *FileStore) Delete(ctx context.Context, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := parseRef(hash)
	if err != nil {
		return err
	}
	path := filepath.Join(s.baseDir, raw+".blob")

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete payload: %w", err)
	}
	return nil
}
