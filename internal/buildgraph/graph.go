// Package buildgraph holds the immutable inputs of a distributed
// build: the dependency graph of build units and the content-hash
// snapshot of the source tree. Both are produced upstream and are
// read-only for the lifetime of one build.
package buildgraph

import (
	"fmt"
)

// BuildUnit is one node (target) in the dependency graph.
type BuildUnit struct {
	Name string   `json:"name"`
	Deps []string `json:"deps,omitempty"`
}

// GraphSnapshot is the full unit set plus edges, handed to the
// coordinator at build start. Units preserve upstream insertion
// order; dispatch ties are broken in that order.
type GraphSnapshot struct {
	Units []BuildUnit `json:"units"`
}

// Validate checks that unit names are unique, every dependency edge
// points at a known unit, and the graph is acyclic.
func (g *GraphSnapshot) Validate() error {
	byName := make(map[string]*BuildUnit, len(g.Units))
	for i := range g.Units {
		u := &g.Units[i]
		if u.Name == "" {
			return fmt.Errorf("unit %d has an empty name", i)
		}
		if _, ok := byName[u.Name]; ok {
			return fmt.Errorf("duplicate unit name: %s", u.Name)
		}
		byName[u.Name] = u
	}

	for i := range g.Units {
		u := &g.Units[i]
		for _, dep := range u.Deps {
			if dep == u.Name {
				return fmt.Errorf("self-referential edge not allowed: %s -> %s", u.Name, u.Name)
			}
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("unit %s depends on unknown unit %s", u.Name, dep)
			}
		}
	}

	return g.detectCycles(byName)
}

// detectCycles runs a colored depth-first search over the edges.
func (g *GraphSnapshot) detectCycles(byName map[string]*BuildUnit) error {
	const (
		white = 0 // unvisited
		grey  = 1 // on the current path
		black = 2 // fully explored
	)
	color := make(map[string]int, len(byName))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case grey:
			return fmt.Errorf("dependency cycle through unit %s", name)
		case black:
			return nil
		}
		color[name] = grey
		for _, dep := range byName[name].Deps {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}

	for i := range g.Units {
		if err := visit(g.Units[i].Name); err != nil {
			return err
		}
	}
	return nil
}

// UnitNames returns the unit names in insertion order.
func (g *GraphSnapshot) UnitNames() []string {
	names := make([]string, len(g.Units))
	for i := range g.Units {
		names[i] = g.Units[i].Name
	}
	return names
}
