// Package materializer lazily reconstructs files, directories and
// symlinks on the local filesystem from a content-hash snapshot,
// fetching file content from a pluggable provider and verifying every
// fetched blob against its expected hash.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hivebuild/hivebuild/internal/buildgraph"
	"github.com/hivebuild/hivebuild/internal/cas"
	"github.com/hivebuild/hivebuild/internal/logging"
	"github.com/hivebuild/hivebuild/internal/metrics"
)

// ErrIntegrity is returned when materialized content does not match
// the hash declared in the snapshot. It is unrecoverable for that
// file: retrying without revalidating the source hash would hide
// corruption.
var ErrIntegrity = errors.New("materialized content hash mismatch")

// ContentProvider fetches file content by hash. The materializer
// treats it as opaque; it may be a local CAS, a frontend RPC, or
// anything else.
type ContentProvider interface {
	Fetch(ctx context.Context, hash string) ([]byte, error)
}

// Materializer reconstructs snapshot paths under a project root.
// Paths already materialized are never re-fetched; concurrent
// requests for the same file converge on one fetch.
type Materializer struct {
	root     string
	entries  map[string]*buildgraph.FileEntry
	provider ContentProvider
	log      *slog.Logger

	// fileLocks holds one mutex per file entry path so different
	// files materialize in parallel.
	lockMu    sync.Mutex
	fileLocks map[string]*sync.Mutex

	materialized sync.Map // rel path -> struct{}
	symlinked    sync.Map // rel path -> struct{}
}

// New creates a materializer for one snapshot rooted at root.
func New(root string, snapshot *buildgraph.FileSnapshot, provider ContentProvider) *Materializer {
	return &Materializer{
		root:      root,
		entries:   snapshot.Index(),
		provider:  provider,
		log:       logging.Component("materializer"),
		fileLocks: make(map[string]*sync.Mutex),
	}
}

// EnsureAvailable makes the given project-root-relative path (and,
// for directories, everything beneath it) present on disk. A path
// with no snapshot entry is already local and is left alone.
func (m *Materializer) EnsureAvailable(ctx context.Context, relPath string) error {
	queue := []string{filepath.Clean(relPath)}
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		more, err := m.materializeIfNeeded(ctx, next)
		if err != nil {
			return err
		}
		queue = append(queue, more...)
	}
	return nil
}

// materializeIfNeeded processes one path and returns any child paths
// that still need processing.
func (m *Materializer) materializeIfNeeded(ctx context.Context, relPath string) ([]string, error) {
	if _, done := m.materialized.Load(relPath); done {
		return nil, nil
	}

	entry := m.entries[relPath]
	if entry == nil || entry.IsAbsolutePath {
		// Outside the snapshot (or an already-shared absolute path):
		// nothing to reconstruct.
		m.materialized.Store(relPath, struct{}{})
		return nil, nil
	}

	if entry.IsSymlink() {
		if err := m.materializeSymlink(relPath, entry); err != nil {
			return nil, err
		}
		m.materialized.Store(relPath, struct{}{})
		return nil, nil
	}

	if entry.IsDirectory {
		children, err := m.materializeDirectory(relPath, entry)
		if err != nil {
			return nil, err
		}
		m.materialized.Store(relPath, struct{}{})
		return children, nil
	}

	return nil, m.materializeFile(ctx, relPath, entry)
}

// materializeDirectory creates the directory itself and hands back
// its children; there is no content to fetch for the directory path.
func (m *Materializer) materializeDirectory(relPath string, entry *buildgraph.FileEntry) ([]string, error) {
	if err := os.MkdirAll(m.abs(relPath), 0755); err != nil {
		return nil, fmt.Errorf("create directory %s: %w", relPath, err)
	}

	children := make([]string, 0, len(entry.Children))
	for _, child := range entry.Children {
		children = append(children, filepath.Clean(child))
	}
	return children, nil
}

// materializeSymlink creates the link after ensuring its parent
// directory exists. Re-processing the same link is a no-op.
func (m *Materializer) materializeSymlink(relPath string, entry *buildgraph.FileEntry) error {
	if _, done := m.symlinked.LoadOrStore(relPath, struct{}{}); done {
		return nil
	}

	absPath := m.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("create parent dirs for symlink %s: %w", relPath, err)
	}

	m.log.Debug("materializing symlink", "path", relPath, "target", entry.SymlinkTarget)

	// Force creation: replace whatever a previous run left behind.
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale path %s: %w", relPath, err)
	}
	if err := os.Symlink(entry.SymlinkTarget, absPath); err != nil {
		return fmt.Errorf("create symlink %s -> %s: %w", relPath, entry.SymlinkTarget, err)
	}
	return nil
}

// materializeFile fetches, verifies and writes one regular file. The
// per-entry lock lets different files proceed in parallel while
// concurrent requests for the same file converge on a single fetch.
func (m *Materializer) materializeFile(ctx context.Context, relPath string, entry *buildgraph.FileEntry) error {
	lock := m.lockFor(relPath)
	lock.Lock()
	defer lock.Unlock()

	// Someone may have materialized the file while we waited.
	if _, done := m.materialized.Load(relPath); done {
		return nil
	}

	m.log.Debug("materializing file", "path", relPath, "hash", entry.ContentHash)

	start := time.Now()
	content, err := m.provider.Fetch(ctx, entry.ContentHash)
	if err != nil {
		return fmt.Errorf("fetch content for %s: %w", relPath, err)
	}
	if mts := metrics.Default(); mts != nil {
		mts.FetchDuration.Observe(time.Since(start).Seconds())
	}

	if computed := cas.HashBytes(content); computed != entry.ContentHash {
		if mts := metrics.Default(); mts != nil {
			mts.IntegrityFailures.Inc()
		}
		return fmt.Errorf("file %s: computed %s, expected %s: %w",
			relPath, computed, entry.ContentHash, ErrIntegrity)
	}

	absPath := m.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", relPath, err)
	}
	if err := os.WriteFile(absPath, content, 0644); err != nil {
		return fmt.Errorf("write %s: %w", relPath, err)
	}

	if entry.IsExecutable {
		if err := os.Chmod(absPath, 0755); err != nil {
			return fmt.Errorf("set executable bit on %s: %w", relPath, err)
		}
	}

	m.materialized.Store(relPath, struct{}{})
	if mts := metrics.Default(); mts != nil {
		mts.PathsMaterialized.Inc()
	}
	return nil
}

// PreloadAll walks the snapshot up front, creating directories and
// symlinks and touching empty placeholder files so existence checks
// pass before any lazy content fetch. File content is only ever
// fetched by EnsureAvailable.
func (m *Materializer) PreloadAll(ctx context.Context) error {
	for relPath, entry := range m.entries {
		if entry.IsAbsolutePath {
			continue
		}

		switch {
		case entry.IsSymlink():
			if err := m.materializeSymlink(relPath, entry); err != nil {
				return err
			}
		case entry.IsDirectory:
			// Children get their own entries; just create the dir.
			if err := os.MkdirAll(m.abs(relPath), 0755); err != nil {
				return fmt.Errorf("create directory %s: %w", relPath, err)
			}
		default:
			if err := m.touch(relPath); err != nil {
				return err
			}
		}
	}
	return nil
}

// touch creates an empty placeholder unless the file already exists.
func (m *Materializer) touch(relPath string) error {
	absPath := m.abs(relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0755); err != nil {
		return fmt.Errorf("create parent dirs for %s: %w", relPath, err)
	}

	f, err := os.OpenFile(absPath, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("touch %s: %w", relPath, err)
	}
	return f.Close()
}

func (m *Materializer) abs(relPath string) string {
	return filepath.Join(m.root, relPath)
}

func (m *Materializer) lockFor(relPath string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()

	lock := m.fileLocks[relPath]
	if lock == nil {
		lock = &sync.Mutex{}
		m.fileLocks[relPath] = lock
	}
	return lock
}
