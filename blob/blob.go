// Package blob stores raw note payloads (audio, attachments) on the
// local filesystem, keyed by an opaque storage key.
package blob

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// FileStore keeps one file per blob under a root directory.
type FileStore struct {
	root   string
	logger zerolog.Logger
}

func NewFileStore(root string, logger zerolog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root %s: %w", root, err)
	}
	return &FileStore{
		root:   root,
		logger: logger.With().Str("component", "blob_store").Logger(),
	}, nil
}

// Put writes the payload and returns the generated storage key.
func (s *FileStore) Put(_ context.Context, data []byte) (string, error) {
	key := uuid.NewString()
	path := filepath.Join(s.root, key)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob %s: %w", key, err)
	}
	s.logger.Debug().Str("storage_key", key).Int("bytes", len(data)).Msg("Blob stored")
	return key, nil
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Delete removes the blob. Deleting a missing key succeeds.
func (s *FileStore) Delete(_ context.Context, key string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}

// keyPath rejects keys that would escape the root directory.
func (s *FileStore) keyPath(key string) (string, error) {
	if key == "" || strings.Contains(key, "/") || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid storage key %q", key)
	}
	return filepath.Join(s.root, key), nil
}
