package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hivebuild/hivebuild/internal/buildgraph"
	"github.com/hivebuild/hivebuild/internal/metrics"
	"github.com/hivebuild/hivebuild/internal/protocol"
)

// SourceReader supplies file content for upload, keyed by
// project-root-relative path.
type SourceReader interface {
	ReadSource(path string) ([]byte, error)
}

// DirReader reads source content from a local project root.
type DirReader struct {
	Root string
}

// ReadSource reads one project-root-relative file.
func (d DirReader) ReadSource(path string) ([]byte, error) {
	return os.ReadFile(filepath.Join(d.Root, path))
}

// uploadBatchSize bounds the number of blobs per store call so one
// request body stays within reason.
const uploadBatchSize = 50

// UploadMissingFiles pushes local file content the remote blob store
// does not already have. Directories, symlinks and absolute paths
// carry no uploadable content and are skipped; everything else is
// checked against the store first so unchanged files are never
// re-sent.
func (s *BuildService) UploadMissingFiles(ctx context.Context, snapshot *buildgraph.FileSnapshot, reader SourceReader) error {
	start := time.Now()

	type candidate struct {
		path string
		hash string
	}

	var candidates []candidate
	seen := make(map[string]struct{})
	for i := range snapshot.Entries {
		entry := &snapshot.Entries[i]
		if !entry.IsRegularFile() || entry.IsAbsolutePath || entry.ContentHash == "" {
			continue
		}
		// The same content may back many paths; check each hash once.
		if _, dup := seen[entry.ContentHash]; dup {
			continue
		}
		seen[entry.ContentHash] = struct{}{}
		candidates = append(candidates, candidate{path: entry.Path, hash: entry.ContentHash})
	}

	if len(candidates) == 0 {
		return nil
	}

	hashes := make([]string, len(candidates))
	for i, c := range candidates {
		hashes[i] = c.hash
	}

	var containsResp protocol.CasContainsResponse
	containsReq := protocol.CasContainsRequest{Hashes: hashes}
	if err := s.post(ctx, s.fastClient, "/cas/contains", containsReq, &containsResp); err != nil {
		return fmt.Errorf("check blob presence: %w", err)
	}
	if len(containsResp.Exists) != len(candidates) {
		return fmt.Errorf("blob presence response length mismatch: asked %d, got %d",
			len(candidates), len(containsResp.Exists))
	}

	var missing []candidate
	for i, c := range candidates {
		if !containsResp.Exists[i] {
			missing = append(missing, c)
		}
	}

	if mts := metrics.Default(); mts != nil {
		mts.FilesChecked.Add(float64(len(candidates)))
		mts.FilesDeduped.Add(float64(len(candidates) - len(missing)))
	}

	s.log.Info("uploading missing files",
		"checked", len(candidates), "missing", len(missing))
	if len(missing) == 0 {
		return nil
	}

	// Read and upload batches in parallel, bounded by the worker pool.
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.uploadWorkers)

	for batchStart := 0; batchStart < len(missing); batchStart += uploadBatchSize {
		batch := missing[batchStart:min(batchStart+uploadBatchSize, len(missing))]
		g.Go(func() error {
			files := make([]protocol.FileInfo, 0, len(batch))
			var batchBytes int
			for _, c := range batch {
				content, err := reader.ReadSource(c.path)
				if err != nil {
					return fmt.Errorf("read %s for upload: %w", c.path, err)
				}
				files = append(files, protocol.FileInfo{ContentHash: c.hash, Content: content})
				batchBytes += len(content)
			}

			req := protocol.StoreLocalChangesRequest{Files: files}
			if err := s.post(ctx, s.slowClient, "/cas/store", req, nil); err != nil {
				return fmt.Errorf("store %d blobs: %w", len(files), err)
			}

			if mts := metrics.Default(); mts != nil {
				mts.FilesUploaded.Add(float64(len(files)))
				mts.UploadedBytes.Add(float64(batchBytes))
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if mts := metrics.Default(); mts != nil {
		mts.UploadDuration.Observe(time.Since(start).Seconds())
	}
	s.log.Info("upload complete", "uploaded", len(missing), "took", time.Since(start))
	return nil
}
