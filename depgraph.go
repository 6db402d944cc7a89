package ecs

import "sort"

// DependencyGraph declares ordering between component types: an edge
// dependent -> dependency means components of type dependent should be
// updated only after components of type dependency. Distinct from
// SystemScheduler's dependency graph, which orders whole systems; this
// orders the component ids systems may choose to honor while
// iterating.
type DependencyGraph struct {
	dependents   map[uint32][]uint32 // dependency -> dependents
	dependencies map[uint32][]uint32 // dependent -> dependencies
	known        map[uint32]bool
}

// NewDependencyGraph creates an empty component dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		dependents:   make(map[uint32][]uint32),
		dependencies: make(map[uint32][]uint32),
		known:        make(map[uint32]bool),
	}
}

// AddEdge declares that dependent should be ordered after dependency.
// Rejects the edge with DependencyCycleError if it would create a
// cycle.
func (g *DependencyGraph) AddEdge(dependent, dependency uint32) error {
	if dependent == dependency {
		return DependencyCycleError{From: dependent, To: dependency}
	}
	if g.wouldCreateCycle(dependent, dependency) {
		return DependencyCycleError{From: dependent, To: dependency}
	}
	g.known[dependent] = true
	g.known[dependency] = true
	g.dependencies[dependent] = append(g.dependencies[dependent], dependency)
	g.dependents[dependency] = append(g.dependents[dependency], dependent)
	return nil
}

// wouldCreateCycle reports whether adding dependent->dependency would
// close a cycle, i.e. whether dependent is already reachable from
// dependency via existing dependency edges.
func (g *DependencyGraph) wouldCreateCycle(dependent, dependency uint32) bool {
	if dependent == dependency {
		return true
	}
	visited := make(map[uint32]bool)
	return g.hasCycleDFS(dependency, dependent, visited)
}

// hasCycleDFS reports whether target is reachable from start by
// following dependency edges (start depends on X, X depends on Y, ...).
func (g *DependencyGraph) hasCycleDFS(start, target uint32, visited map[uint32]bool) bool {
	if start == target {
		return true
	}
	if visited[start] {
		return false
	}
	visited[start] = true
	for _, next := range g.dependencies[start] {
		if g.hasCycleDFS(next, target, visited) {
			return true
		}
	}
	return false
}

// TopologicalOrder returns every known component id in an order where
// every id appears after its dependencies. Ties are broken by
// ascending id for determinism.
func (g *DependencyGraph) TopologicalOrder() []uint32 {
	ids := make([]uint32, 0, len(g.known))
	for id := range g.known {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	visited := make(map[uint32]bool)
	var order []uint32
	var visit func(uint32)
	visit = func(id uint32) {
		if visited[id] {
			return
		}
		visited[id] = true
		deps := append([]uint32{}, g.dependencies[id]...)
		sort.Slice(deps, func(i, j int) bool { return deps[i] < deps[j] })
		for _, dep := range deps {
			visit(dep)
		}
		order = append(order, id)
	}
	for _, id := range ids {
		visit(id)
	}
	return order
}

// OrderTouching returns the sub-order of TopologicalOrder restricted
// to component ids reachable from cid (its dependencies, transitively)
// or that reach cid (its dependents, transitively), including cid
// itself.
func (g *DependencyGraph) OrderTouching(cid uint32) []uint32 {
	reachable := make(map[uint32]bool)
	var walkDeps func(uint32)
	walkDeps = func(id uint32) {
		if reachable[id] {
			return
		}
		reachable[id] = true
		for _, dep := range g.dependencies[id] {
			walkDeps(dep)
		}
	}
	var walkDependents func(uint32)
	walkDependents = func(id uint32) {
		for _, dep := range g.dependents[id] {
			if !reachable[dep] {
				reachable[dep] = true
				walkDependents(dep)
			}
		}
	}
	walkDeps(cid)
	walkDependents(cid)

	var out []uint32
	for _, id := range g.TopologicalOrder() {
		if reachable[id] {
			out = append(out, id)
		}
	}
	return out
}
