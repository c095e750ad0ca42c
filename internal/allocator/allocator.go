// Package allocator decides which build units are ready for dispatch.
// It tracks an in-degree count per unit: a unit enters the ready pool
// when every dependency has finished. The allocator has no internal
// locking; the coordinator only calls it while holding its own lock.
package allocator

import (
	"fmt"

	"github.com/hivebuild/hivebuild/internal/buildgraph"
)

// Allocator holds the dependency graph of buildable units and their
// completion state. Units move through three sets: pending (not yet
// dispatched), dispatched (handed to a minion, not yet finished) and
// finished.
type Allocator struct {
	// unfinishedDeps counts a unit's dependencies not yet finished.
	unfinishedDeps map[string]int

	// dependents maps a unit to the units waiting on it.
	dependents map[string][]string

	// ready is a FIFO of units whose dependency count reached zero
	// and which have not been dispatched.
	ready []string

	dispatched map[string]struct{}
	finished   map[string]struct{}

	// outstanding tracks the units currently assigned to each minion.
	outstanding map[string][]string

	total int
}

// New builds an allocator from a validated graph snapshot. Units with
// no dependencies enter the ready pool in snapshot insertion order.
func New(graph *buildgraph.GraphSnapshot) (*Allocator, error) {
	a := &Allocator{
		unfinishedDeps: make(map[string]int, len(graph.Units)),
		dependents:     make(map[string][]string),
		dispatched:     make(map[string]struct{}),
		finished:       make(map[string]struct{}),
		outstanding:    make(map[string][]string),
		total:          len(graph.Units),
	}

	for i := range graph.Units {
		u := &graph.Units[i]
		if _, ok := a.unfinishedDeps[u.Name]; ok {
			return nil, fmt.Errorf("duplicate unit name: %s", u.Name)
		}
		a.unfinishedDeps[u.Name] = len(u.Deps)
		for _, dep := range u.Deps {
			a.dependents[dep] = append(a.dependents[dep], u.Name)
		}
		if len(u.Deps) == 0 {
			a.ready = append(a.ready, u.Name)
		}
	}

	for i := range graph.Units {
		u := &graph.Units[i]
		for _, dep := range u.Deps {
			if _, ok := a.unfinishedDeps[dep]; !ok {
				return nil, fmt.Errorf("unit %s depends on unknown unit %s", u.Name, dep)
			}
		}
	}

	return a, nil
}

// TakeReadyUnits returns up to max units whose dependencies are all
// finished and which have not yet been dispatched, marking them
// dispatched and assigned to minionID in the same step. An empty
// result means nothing is ready right now; it does not mean the build
// is complete.
func (a *Allocator) TakeReadyUnits(minionID string, max int) []string {
	if max <= 0 || len(a.ready) == 0 {
		return nil
	}

	n := max
	if n > len(a.ready) {
		n = len(a.ready)
	}

	batch := make([]string, n)
	copy(batch, a.ready[:n])
	a.ready = a.ready[n:]

	for _, name := range batch {
		a.dispatched[name] = struct{}{}
	}
	a.outstanding[minionID] = append(a.outstanding[minionID], batch...)
	return batch
}

// MarkFinished moves units from dispatched to finished and releases
// any dependents whose last unfinished dependency this was.
func (a *Allocator) MarkFinished(units []string) error {
	for _, name := range units {
		if _, ok := a.dispatched[name]; !ok {
			if _, done := a.finished[name]; done {
				return fmt.Errorf("unit %s was already finished", name)
			}
			return fmt.Errorf("unit %s was never dispatched", name)
		}
		delete(a.dispatched, name)
		a.finished[name] = struct{}{}

		for _, dep := range a.dependents[name] {
			a.unfinishedDeps[dep]--
			if a.unfinishedDeps[dep] == 0 {
				a.ready = append(a.ready, dep)
			}
		}
	}
	return nil
}

// FinishedBuilding commits everything currently assigned to minionID
// and clears the assignment.
func (a *Allocator) FinishedBuilding(minionID string) error {
	units := a.outstanding[minionID]
	delete(a.outstanding, minionID)
	return a.MarkFinished(units)
}

// IsBuildFinished reports whether every unit is in the finished set.
func (a *Allocator) IsBuildFinished() bool {
	return len(a.finished) == a.total
}

// FinishedCount returns the number of finished units.
func (a *Allocator) FinishedCount() int {
	return len(a.finished)
}

// TotalUnits returns the size of the unit set.
func (a *Allocator) TotalUnits() int {
	return a.total
}
