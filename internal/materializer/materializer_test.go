package materializer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hivebuild/hivebuild/internal/buildgraph"
	"github.com/hivebuild/hivebuild/internal/cas"
)

// fakeProvider serves blobs from memory and counts fetches.
type fakeProvider struct {
	blobs   map[string][]byte
	fetches atomic.Int64
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{blobs: make(map[string][]byte)}
}

func (p *fakeProvider) add(content []byte) string {
	hash := cas.HashBytes(content)
	p.blobs[hash] = content
	return hash
}

func (p *fakeProvider) Fetch(ctx context.Context, hash string) ([]byte, error) {
	p.fetches.Add(1)
	content, ok := p.blobs[hash]
	if !ok {
		return nil, errors.New("no such blob")
	}
	return content, nil
}

func TestEnsureAvailableWritesAndVerifies(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()
	content := []byte("int main() { return 0; }\n")
	hash := provider.add(content)

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "src/main.c", ContentHash: hash},
	}}

	m := New(root, snapshot, provider)
	if err := m.EnsureAvailable(context.Background(), "src/main.c"); err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "src/main.c"))
	if err != nil {
		t.Fatalf("materialized file missing: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("wrong content: %q", got)
	}
}

func TestEnsureAvailableIdempotent(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()
	hash := provider.add([]byte("source"))

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "a.txt", ContentHash: hash},
	}}

	m := New(root, snapshot, provider)
	for i := 0; i < 3; i++ {
		if err := m.EnsureAvailable(context.Background(), "a.txt"); err != nil {
			t.Fatalf("EnsureAvailable #%d failed: %v", i, err)
		}
	}

	if n := provider.fetches.Load(); n != 1 {
		t.Fatalf("expected exactly 1 fetch, got %d", n)
	}
}

func TestConcurrentRequestsConvergeOnOneFetch(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()
	hash := provider.add([]byte("shared source file"))

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "shared.go", ContentHash: hash},
	}}

	m := New(root, snapshot, provider)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = m.EnsureAvailable(context.Background(), "shared.go")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("goroutine %d failed: %v", i, err)
		}
	}
	if n := provider.fetches.Load(); n != 1 {
		t.Fatalf("expected exactly 1 fetch across concurrent callers, got %d", n)
	}
}

func TestIntegrityMismatchFails(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()

	// Declared hash does not match the provider's actual bytes.
	wrongHash := cas.HashBytes([]byte("what the snapshot promised"))
	provider.blobs[wrongHash] = []byte("what the provider actually has")

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "corrupt.bin", ContentHash: wrongHash},
	}}

	m := New(root, snapshot, provider)
	err := m.EnsureAvailable(context.Background(), "corrupt.bin")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}

	// The path must not be marked materialized: a retry still fails.
	err = m.EnsureAvailable(context.Background(), "corrupt.bin")
	if !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity on retry, got %v", err)
	}
	if _, statErr := os.Stat(filepath.Join(root, "corrupt.bin")); statErr == nil {
		t.Fatal("corrupt file must not be written to disk")
	}
}

func TestDirectoryMaterializesChildren(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()
	hashA := provider.add([]byte("child a"))
	hashB := provider.add([]byte("child b"))

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "pkg", IsDirectory: true, Children: []string{"pkg/a.go", "pkg/b.go"}},
		{Path: "pkg/a.go", ContentHash: hashA},
		{Path: "pkg/b.go", ContentHash: hashB},
	}}

	m := New(root, snapshot, provider)
	if err := m.EnsureAvailable(context.Background(), "pkg"); err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "pkg"))
	if err != nil || !info.IsDir() {
		t.Fatalf("expected directory pkg on disk, got %v / %v", info, err)
	}
	for _, child := range []string{"pkg/a.go", "pkg/b.go"} {
		if _, err := os.Stat(filepath.Join(root, child)); err != nil {
			t.Fatalf("child %s not materialized: %v", child, err)
		}
	}

	// Two children, two fetches; no fetch against the directory.
	if n := provider.fetches.Load(); n != 2 {
		t.Fatalf("expected 2 fetches, got %d", n)
	}
}

func TestSymlinkIdempotent(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "links/latest", SymlinkTarget: "../versions/v2"},
	}}

	m := New(root, snapshot, provider)
	for i := 0; i < 2; i++ {
		if err := m.EnsureAvailable(context.Background(), "links/latest"); err != nil {
			t.Fatalf("EnsureAvailable #%d failed: %v", i, err)
		}
	}

	target, err := os.Readlink(filepath.Join(root, "links/latest"))
	if err != nil {
		t.Fatalf("symlink missing: %v", err)
	}
	if target != "../versions/v2" {
		t.Fatalf("wrong symlink target: %s", target)
	}
	if n := provider.fetches.Load(); n != 0 {
		t.Fatalf("symlinks must not fetch content, saw %d fetches", n)
	}
}

func TestPathOutsideSnapshotIsNoop(t *testing.T) {
	m := New(t.TempDir(), &buildgraph.FileSnapshot{}, newFakeProvider())
	if err := m.EnsureAvailable(context.Background(), "already/local.txt"); err != nil {
		t.Fatalf("expected no-op for unknown path, got %v", err)
	}
}

func TestExecutableBit(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()
	hash := provider.add([]byte("#!/bin/sh\necho hi\n"))

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "bin/run.sh", ContentHash: hash, IsExecutable: true},
	}}

	m := New(root, snapshot, provider)
	if err := m.EnsureAvailable(context.Background(), "bin/run.sh"); err != nil {
		t.Fatalf("EnsureAvailable failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(root, "bin/run.sh"))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm()&0111 == 0 {
		t.Fatalf("expected executable bit set, mode %v", info.Mode())
	}
}

func TestPreloadCreatesStructureWithoutFetch(t *testing.T) {
	root := t.TempDir()
	provider := newFakeProvider()
	hash := provider.add([]byte("real content"))

	snapshot := &buildgraph.FileSnapshot{Entries: []buildgraph.FileEntry{
		{Path: "out", IsDirectory: true, Children: []string{"out/lib.a"}},
		{Path: "out/lib.a", ContentHash: hash},
		{Path: "out/current", SymlinkTarget: "lib.a"},
	}}

	m := New(root, snapshot, provider)
	if err := m.PreloadAll(context.Background()); err != nil {
		t.Fatalf("PreloadAll failed: %v", err)
	}

	// Placeholder exists but is empty; no content fetch happened.
	info, err := os.Stat(filepath.Join(root, "out/lib.a"))
	if err != nil {
		t.Fatalf("placeholder missing: %v", err)
	}
	if info.Size() != 0 {
		t.Fatalf("placeholder should be empty, size %d", info.Size())
	}
	if _, err := os.Readlink(filepath.Join(root, "out/current")); err != nil {
		t.Fatalf("preloaded symlink missing: %v", err)
	}
	if n := provider.fetches.Load(); n != 0 {
		t.Fatalf("preload must not fetch content, saw %d fetches", n)
	}

	// Lazy fetch still fills in the real bytes afterwards.
	if err := m.EnsureAvailable(context.Background(), "out/lib.a"); err != nil {
		t.Fatalf("EnsureAvailable after preload failed: %v", err)
	}
	got, _ := os.ReadFile(filepath.Join(root, "out/lib.a"))
	if string(got) != "real content" {
		t.Fatalf("expected real content after lazy fetch, got %q", got)
	}
}
