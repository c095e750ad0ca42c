package cas

import (
	"context"
	"fmt"
	"io"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	"gocloud.dev/gcerrors"
)

// GCSStore keeps blobs in Google Cloud Storage.
type GCSStore struct {
	bucket     *blob.Bucket
	bucketName string
	prefix     string
}

// NewGCSStore creates a new GCS store.
func NewGCSStore(bucketName, prefix string) (*GCSStore, error) {
	ctx := context.Background()

	bucket, err := blob.OpenBucket(ctx, fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}

	return &GCSStore{
		bucket:     bucket,
		bucketName: bucketName,
		prefix:     prefix,
	}, nil
}

// Contains answers positionally for each hash.
func (s *GCSStore) Contains(ctx context.Context, hashes []string) ([]bool, error) {
	exists := make([]bool, len(hashes))
	for i, hash := range hashes {
		ok, err := s.bucket.Exists(ctx, blobKey(s.prefix, hash))
		if err != nil {
			return nil, fmt.Errorf("check blob %s: %w", hash, err)
		}
		exists[i] = ok
	}
	return exists, nil
}

// Put stores content under its hash.
func (s *GCSStore) Put(ctx context.Context, hash string, content []byte) error {
	key := blobKey(s.prefix, hash)

	if ok, err := s.bucket.Exists(ctx, key); err == nil && ok {
		return nil
	}

	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", key, err)
	}

	if _, err := w.Write(content); err != nil {
		w.Close()
		return fmt.Errorf("write blob %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", key, err)
	}

	return nil
}

// Fetch returns the content for a hash, or ErrNotFound.
func (s *GCSStore) Fetch(ctx context.Context, hash string) ([]byte, error) {
	key := blobKey(s.prefix, hash)

	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("blob %s: %w", hash, ErrNotFound)
		}
		return nil, fmt.Errorf("open blob %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

// Close releases the bucket connection.
func (s *GCSStore) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ Store = (*GCSStore)(nil)
