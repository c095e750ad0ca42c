package buildgraph

import (
	"strings"
	"testing"
)

func TestValidateAcceptsDAG(t *testing.T) {
	g := &GraphSnapshot{Units: []BuildUnit{
		{Name: "core"},
		{Name: "lib", Deps: []string{"core"}},
		{Name: "app", Deps: []string{"lib", "core"}},
	}}
	if err := g.Validate(); err != nil {
		t.Fatalf("valid graph rejected: %v", err)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	g := &GraphSnapshot{Units: []BuildUnit{
		{Name: "a", Deps: []string{"c"}},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"b"}},
	}}
	err := g.Validate()
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected cycle error, got %v", err)
	}
}

func TestValidateRejectsSelfEdge(t *testing.T) {
	g := &GraphSnapshot{Units: []BuildUnit{
		{Name: "a", Deps: []string{"a"}},
	}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected self-edge error")
	}
}

func TestValidateRejectsUnknownDep(t *testing.T) {
	g := &GraphSnapshot{Units: []BuildUnit{
		{Name: "a", Deps: []string{"ghost"}},
	}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected unknown-dependency error")
	}
}

func TestValidateRejectsDuplicateNames(t *testing.T) {
	g := &GraphSnapshot{Units: []BuildUnit{
		{Name: "a"},
		{Name: "a"},
	}}
	if err := g.Validate(); err == nil {
		t.Fatal("expected duplicate-name error")
	}
}

func TestFileEntryOneOfInvariant(t *testing.T) {
	bad := FileEntry{Path: "x", IsDirectory: true, SymlinkTarget: "y"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for dir+symlink entry")
	}

	bad = FileEntry{Path: "x", IsDirectory: true, ContentHash: "abc"}
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for directory with content hash")
	}
}

func TestSnapshotRejectsDuplicatePaths(t *testing.T) {
	s := &FileSnapshot{Entries: []FileEntry{
		{Path: "a/b.go", ContentHash: "h1"},
		{Path: "a//b.go", ContentHash: "h2"}, // same path after cleaning
	}}
	if err := s.Validate(); err == nil {
		t.Fatal("expected duplicate-path error")
	}
}

func TestCodecRoundTrip(t *testing.T) {
	state := &JobState{
		Graph: GraphSnapshot{Units: []BuildUnit{
			{Name: "core"},
			{Name: "app", Deps: []string{"core"}},
		}},
		Files: FileSnapshot{Entries: []FileEntry{
			{Path: "core/core.go", ContentHash: "aabb"},
			{Path: "core", IsDirectory: true, Children: []string{"core/core.go"}},
		}},
	}

	payload, err := Encode(state)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(payload)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if len(decoded.Graph.Units) != 2 || decoded.Graph.Units[1].Deps[0] != "core" {
		t.Fatalf("graph did not survive the round trip: %+v", decoded.Graph)
	}
	if len(decoded.Files.Entries) != 2 {
		t.Fatalf("snapshot did not survive the round trip: %+v", decoded.Files)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	if _, err := Decode([]byte("not a graph payload")); err == nil {
		t.Fatal("expected bad-magic error")
	}
}

func TestDecodeRejectsInvalidGraph(t *testing.T) {
	state := &JobState{
		Graph: GraphSnapshot{Units: []BuildUnit{
			{Name: "a", Deps: []string{"b"}},
			{Name: "b", Deps: []string{"a"}},
		}},
	}
	payload, err := Encode(state)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if _, err := Decode(payload); err == nil {
		t.Fatal("expected validation failure for cyclic graph")
	}
}
