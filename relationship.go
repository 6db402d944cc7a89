package ecs

import "sync"

// RelationshipGraph tracks parent/child edges between entities,
// enforcing forest shape: a child has at most one parent, and an edge
// that would close a cycle is rejected at SetParent time. Edges are
// Handle pairs in maps, with a reverse child index so ChildrenOf is a
// single lookup.
type RelationshipGraph struct {
	mu         sync.RWMutex
	threadSafe bool
	parent     map[Handle]Handle
	children   map[Handle]map[Handle]bool
}

// NewRelationshipGraph creates an empty graph.
func NewRelationshipGraph(threadSafe bool) *RelationshipGraph {
	return &RelationshipGraph{
		threadSafe: threadSafe,
		parent:     make(map[Handle]Handle),
		children:   make(map[Handle]map[Handle]bool),
	}
}

func (g *RelationshipGraph) lock() {
	if g.threadSafe {
		g.mu.Lock()
	}
}

func (g *RelationshipGraph) unlock() {
	if g.threadSafe {
		g.mu.Unlock()
	}
}

func (g *RelationshipGraph) rlock() {
	if g.threadSafe {
		g.mu.RLock()
	}
}

func (g *RelationshipGraph) runlock() {
	if g.threadSafe {
		g.mu.RUnlock()
	}
}

// SetParent makes parent the parent of child, rejecting the edge if
// parent is already a descendant of child (which would close a
// cycle) or if parent equals child.
func (g *RelationshipGraph) SetParent(child, parent Handle) error {
	g.lock()
	defer g.unlock()

	if child == parent {
		return EntityRelationError{Child: child, Parent: parent, Reason: "entity cannot be its own parent"}
	}
	if g.isDescendantLocked(parent, child) {
		return EntityRelationError{Child: child, Parent: parent, Reason: "parent is a descendant of child"}
	}

	if old, ok := g.parent[child]; ok {
		delete(g.children[old], child)
	}
	g.parent[child] = parent
	if g.children[parent] == nil {
		g.children[parent] = make(map[Handle]bool)
	}
	g.children[parent][child] = true
	return nil
}

// isDescendantLocked reports whether candidate is a descendant of
// ancestor, walking the children map.
func (g *RelationshipGraph) isDescendantLocked(candidate, ancestor Handle) bool {
	if candidate == ancestor {
		return true
	}
	for child := range g.children[ancestor] {
		if g.isDescendantLocked(candidate, child) {
			return true
		}
	}
	return false
}

// RemoveParent clears child's parent edge, if any.
func (g *RelationshipGraph) RemoveParent(child Handle) {
	g.lock()
	defer g.unlock()
	if p, ok := g.parent[child]; ok {
		delete(g.children[p], child)
		delete(g.parent, child)
	}
}

// ParentOf returns child's parent and whether it has one.
func (g *RelationshipGraph) ParentOf(child Handle) (Handle, bool) {
	g.rlock()
	defer g.runlock()
	p, ok := g.parent[child]
	return p, ok
}

// ChildrenOf returns parent's direct children.
func (g *RelationshipGraph) ChildrenOf(parent Handle) []Handle {
	g.rlock()
	defer g.runlock()
	out := make([]Handle, 0, len(g.children[parent]))
	for c := range g.children[parent] {
		out = append(out, c)
	}
	return out
}

// Forget removes h from the graph entirely: its parent edge is
// cleared and each of its children is orphaned (their parent edge is
// cleared, not the children themselves destroyed). Called by World on
// entity destruction.
func (g *RelationshipGraph) Forget(h Handle) {
	g.lock()
	defer g.unlock()

	if p, ok := g.parent[h]; ok {
		delete(g.children[p], h)
		delete(g.parent, h)
	}
	for child := range g.children[h] {
		delete(g.parent, child)
	}
	delete(g.children, h)
}
