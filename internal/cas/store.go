// Package cas implements the content-addressed blob store used to
// deduplicate source file uploads and to serve file content to
// materializing minions. Blobs are keyed by the SHA-256 hex digest of
// their content.
package cas

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested content hash is absent.
var ErrNotFound = errors.New("content hash not found in store")

// HashBytes returns the SHA-256 hex digest used as a blob's key.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store abstracts the content-addressed blob store.
type Store interface {
	// Contains answers positionally for each hash.
	Contains(ctx context.Context, hashes []string) ([]bool, error)

	// Put stores content under its hash. Storing the same hash twice
	// is a no-op.
	Put(ctx context.Context, hash string, content []byte) error

	// Fetch returns the content for a hash, or ErrNotFound.
	Fetch(ctx context.Context, hash string) ([]byte, error)

	// Close releases any resources.
	Close() error
}

// Config configures the store backend.
type Config struct {
	Backend string // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string

	// GCS / S3 (S3 also works for B2, R2, MinIO)
	Bucket     string
	S3Endpoint string // custom endpoint for B2/MinIO/R2
	S3Region   string

	// Common
	Prefix string // path prefix within bucket or local dir
}

// NewStore creates a store backend based on configuration.
func NewStore(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("LocalDir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for gcs backend")
		}
		return NewGCSStore(cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("Bucket required for s3 backend")
		}
		return NewS3Store(cfg.Bucket, cfg.Prefix, cfg.S3Endpoint, cfg.S3Region)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// blobKey shards blobs by the first two hash characters to keep
// directory listings manageable.
func blobKey(prefix, hash string) string {
	if len(hash) < 2 {
		return prefix + hash
	}
	return fmt.Sprintf("%s%s/%s", prefix, hash[:2], hash)
}
