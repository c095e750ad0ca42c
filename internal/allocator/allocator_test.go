package allocator

import (
	"testing"

	"github.com/hivebuild/hivebuild/internal/buildgraph"
)

func mustNew(t *testing.T, units []buildgraph.BuildUnit) *Allocator {
	t.Helper()
	a, err := New(&buildgraph.GraphSnapshot{Units: units})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func TestNoPrematureDispatch(t *testing.T) {
	a := mustNew(t, []buildgraph.BuildUnit{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"a", "b"}},
	})

	batch := a.TakeReadyUnits("m1", 10)
	if len(batch) != 1 || batch[0] != "a" {
		t.Fatalf("expected only [a] ready, got %v", batch)
	}

	// b and c must not appear until a finishes.
	if more := a.TakeReadyUnits("m1", 10); len(more) != 0 {
		t.Fatalf("expected nothing ready, got %v", more)
	}

	if err := a.MarkFinished([]string{"a"}); err != nil {
		t.Fatalf("MarkFinished(a) failed: %v", err)
	}

	batch = a.TakeReadyUnits("m1", 10)
	if len(batch) != 1 || batch[0] != "b" {
		t.Fatalf("expected [b] after a finished, got %v", batch)
	}
}

func TestNoDuplicateDispatch(t *testing.T) {
	a := mustNew(t, []buildgraph.BuildUnit{
		{Name: "a"},
		{Name: "b"},
		{Name: "c"},
	})

	seen := map[string]int{}
	for i := 0; i < 5; i++ {
		for _, u := range a.TakeReadyUnits("m1", 2) {
			seen[u]++
		}
	}

	if len(seen) != 3 {
		t.Fatalf("expected all 3 units dispatched, got %v", seen)
	}
	for u, n := range seen {
		if n != 1 {
			t.Errorf("unit %s dispatched %d times", u, n)
		}
	}
}

func TestBatchSizeCap(t *testing.T) {
	a := mustNew(t, []buildgraph.BuildUnit{
		{Name: "a"}, {Name: "b"}, {Name: "c"}, {Name: "d"}, {Name: "e"},
	})

	if batch := a.TakeReadyUnits("m1", 2); len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %v", batch)
	}
	if batch := a.TakeReadyUnits("m2", 2); len(batch) != 2 {
		t.Fatalf("expected batch of 2, got %v", batch)
	}
	if batch := a.TakeReadyUnits("m3", 2); len(batch) != 1 {
		t.Fatalf("expected final batch of 1, got %v", batch)
	}
}

func TestFIFOTieBreak(t *testing.T) {
	a := mustNew(t, []buildgraph.BuildUnit{
		{Name: "first"}, {Name: "second"}, {Name: "third"},
	})

	batch := a.TakeReadyUnits("m1", 3)
	want := []string{"first", "second", "third"}
	for i, u := range batch {
		if u != want[i] {
			t.Fatalf("expected insertion order %v, got %v", want, batch)
		}
	}
}

func TestIsBuildFinished(t *testing.T) {
	a := mustNew(t, []buildgraph.BuildUnit{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
	})

	if a.IsBuildFinished() {
		t.Fatal("build must not be finished before any unit completes")
	}

	a.TakeReadyUnits("m1", 1)
	if err := a.MarkFinished([]string{"a"}); err != nil {
		t.Fatal(err)
	}
	if a.IsBuildFinished() {
		t.Fatal("build must not be finished with a proper subset done")
	}

	a.TakeReadyUnits("m1", 1)
	if err := a.MarkFinished([]string{"b"}); err != nil {
		t.Fatal(err)
	}
	if !a.IsBuildFinished() {
		t.Fatal("build must be finished once every unit is done")
	}
}

func TestFinishedBuildingCommitsOutstanding(t *testing.T) {
	a := mustNew(t, []buildgraph.BuildUnit{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
	})

	a.TakeReadyUnits("m1", 5)
	if err := a.FinishedBuilding("m1"); err != nil {
		t.Fatalf("FinishedBuilding failed: %v", err)
	}
	if a.FinishedCount() != 1 {
		t.Fatalf("expected 1 finished unit, got %d", a.FinishedCount())
	}

	// Repeating the commit is a no-op since nothing is outstanding.
	if err := a.FinishedBuilding("m1"); err != nil {
		t.Fatalf("empty FinishedBuilding failed: %v", err)
	}
}

func TestMarkFinishedRejectsUndispatched(t *testing.T) {
	a := mustNew(t, []buildgraph.BuildUnit{{Name: "a"}})

	if err := a.MarkFinished([]string{"a"}); err == nil {
		t.Fatal("expected error finishing a unit that was never dispatched")
	}
}

func TestNewRejectsUnknownDependency(t *testing.T) {
	_, err := New(&buildgraph.GraphSnapshot{Units: []buildgraph.BuildUnit{
		{Name: "a", Deps: []string{"ghost"}},
	}})
	if err == nil {
		t.Fatal("expected error for unknown dependency")
	}
}
