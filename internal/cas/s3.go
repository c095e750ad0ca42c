package cas

import (
	"context"
	"fmt"
	"io"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/s3blob" // S3 driver
	"gocloud.dev/gcerrors"
)

// S3Store keeps blobs in S3-compatible storage.
type S3Store struct {
	bucket *blob.Bucket
	prefix string
}

// NewS3Store creates a new S3-compatible store.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Store(bucketName, prefix, endpoint, region string) (*S3Store, error) {
	ctx := context.Background()

	// Build URL for gocloud.dev
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}

	return &S3Store{
		bucket: bucket,
		prefix: prefix,
	}, nil
}

// Contains answers positionally for each hash.
func (s *S3Store) Contains(ctx context.Context, hashes []string) ([]bool, error) {
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
func (s *S3Store) Put(ctx context.Context, hash string, content []byte) error {
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
func (s *S3Store) Fetch(ctx context.Context, hash string) ([]byte, error) {
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
func (s *S3Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

var _ Store = (*S3Store)(nil)
