package cas

import (
	"context"
	"errors"
	"os"
	"testing"
)

func TestLocalStorePutFetchContains(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "cas/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	ctx := context.Background()
	content := []byte("package main\n\nfunc main() {}\n")
	hash := HashBytes(content)

	exists, err := store.Contains(ctx, []string{hash})
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if exists[0] {
		t.Fatal("blob should not exist before Put")
	}

	if err := store.Put(ctx, hash, content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// Putting the same hash again must be a no-op.
	if err := store.Put(ctx, hash, content); err != nil {
		t.Fatalf("repeated Put failed: %v", err)
	}

	exists, err = store.Contains(ctx, []string{hash, "deadbeef"})
	if err != nil {
		t.Fatalf("Contains failed: %v", err)
	}
	if !exists[0] || exists[1] {
		t.Fatalf("expected [true false], got %v", exists)
	}

	got, err := store.Fetch(ctx, hash)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if string(got) != string(content) {
		t.Fatalf("Fetch returned wrong content: %q", got)
	}
}

func TestLocalStoreFetchMissing(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "cas/")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	_, err = store.Fetch(context.Background(), HashBytes([]byte("missing")))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLocalStoreNoTempLeftovers(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "")
	if err != nil {
		t.Fatalf("NewLocalStore failed: %v", err)
	}

	content := []byte("some source file")
	if err := store.Put(context.Background(), HashBytes(content), content); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	var temps int
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if !e.IsDir() && len(e.Name()) > 4 && e.Name()[len(e.Name())-4:] == ".tmp" {
			temps++
		}
	}
	if temps != 0 {
		t.Fatalf("found %d leftover temp files", temps)
	}
}
