package cas

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore keeps blobs on the local filesystem.
type LocalStore struct {
	baseDir string
	prefix  string
}

// NewLocalStore creates a new local filesystem store.
func NewLocalStore(baseDir, prefix string) (*LocalStore, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create base directory %s: %w", baseDir, err)
	}

	return &LocalStore{
		baseDir: baseDir,
		prefix:  prefix,
	}, nil
}

func (s *LocalStore) path(hash string) string {
	return filepath.Join(s.baseDir, blobKey(s.prefix, hash))
}

// Contains answers positionally for each hash.
func (s *LocalStore) Contains(ctx context.Context, hashes []string) ([]bool, error) {
	exists := make([]bool, len(hashes))
	for i, hash := range hashes {
		_, err := os.Stat(s.path(hash))
		if err == nil {
			exists[i] = true
			continue
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat blob %s: %w", hash, err)
		}
	}
	return exists, nil
}

// Put stores content under its hash, writing atomically via temp
// file + rename. An existing blob is left untouched.
func (s *LocalStore) Put(ctx context.Context, hash string, content []byte) error {
	path := s.path(hash)

	if _, err := os.Stat(path); err == nil {
		// Content-addressed: identical key means identical bytes.
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}

	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, content, 0644); err != nil {
		return fmt.Errorf("write temp file %s: %w", tempPath, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		// Clean up temp file on rename failure
		os.Remove(tempPath)
		return fmt.Errorf("rename %s to %s: %w", tempPath, path, err)
	}

	return nil
}

// Fetch returns the content for a hash, or ErrNotFound.
func (s *LocalStore) Fetch(ctx context.Context, hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("read blob %s: %w", hash, err)
	}
	return data, nil
}

// Close is a no-op for local storage.
func (s *LocalStore) Close() error {
	return nil
}
