// Package ecs: query.go implements the composable required/excluded
// query tree every Cursor evaluates against the store's archetype
// list.
package ecs

import (
	"fmt"

	"github.com/TheBitDrifter/bark"
	"github.com/TheBitDrifter/mask"
)

// Query is a composable filter over archetypes: And/Or/Not nodes can
// nest arbitrarily, letting a caller express "has A and B, but not C"
// or richer trees when a simple required/excluded pair isn't enough.
type Query interface {
	QueryNode
	And(items ...interface{}) QueryNode
	Or(items ...interface{}) QueryNode
	Not(items ...interface{}) QueryNode
}

// QueryNode is one evaluable node in a query tree.
type QueryNode interface {
	Evaluate(archetype Archetype, store *ArchetypeStore) bool
}

// QueryOperation identifies the boolean combinator a composite node
// applies to its components and children.
type QueryOperation int

const (
	OpAnd QueryOperation = iota
	OpOr
	OpNot
)

type compositeNode struct {
	op         QueryOperation
	children   []QueryNode
	components []Component
}

type leafNode struct {
	components []Component
}

type query struct {
	root QueryNode
}

// newQuery creates a new empty query.
func newQuery() Query {
	return &query{}
}

// Build is the common case: a query requiring every component in
// required and excluding every component in excluded.
func Build(required, excluded []Component) QueryNode {
	q := newQuery()
	if len(excluded) == 0 {
		return q.And(required)
	}
	return q.And(required, q.Not(excluded))
}

func newCompositeNode(op QueryOperation, components []Component) *compositeNode {
	return &compositeNode{op: op, components: components}
}

func newLeafNode(components []Component) *leafNode {
	return &leafNode{components: components}
}

func nodeMaskFor(components []Component, store *ArchetypeStore) mask.Mask {
	var m mask.Mask
	for _, c := range components {
		m.Mark(store.RowIndexFor(c))
	}
	return m
}

func (n *compositeNode) Evaluate(archetype Archetype, store *ArchetypeStore) bool {
	nodeMask := nodeMaskFor(n.components, store)
	archeMask := archetype.Mask()

	switch n.op {
	case OpAnd:
		if !archeMask.ContainsAll(nodeMask) {
			return false
		}
		for _, child := range n.children {
			if !child.Evaluate(archetype, store) {
				return false
			}
		}
		return true
	case OpOr:
		if archeMask.ContainsAny(nodeMask) {
			return true
		}
		for _, child := range n.children {
			if child.Evaluate(archetype, store) {
				return true
			}
		}
		return false
	case OpNot:
		if len(n.children) == 0 {
			return archeMask.ContainsNone(nodeMask)
		}
		if len(n.components) > 0 && !archeMask.ContainsNone(nodeMask) {
			return false
		}
		for _, child := range n.children {
			if child.Evaluate(archetype, store) {
				return false
			}
		}
		return true
	}
	return false
}

func (n *leafNode) Evaluate(archetype Archetype, store *ArchetypeStore) bool {
	nodeMask := nodeMaskFor(n.components, store)
	return archetype.Mask().ContainsAll(nodeMask)
}

func (q *query) And(items ...interface{}) QueryNode {
	components, children := q.processItems(items...)
	node := newCompositeNode(OpAnd, components)
	node.children = children
	if q.root == nil {
		q.root = node
	}
	return node
}

func (q *query) Or(items ...interface{}) QueryNode {
	components, children := q.processItems(items...)
	node := newCompositeNode(OpOr, components)
	node.children = children
	if q.root == nil {
		q.root = node
	}
	return node
}

func (q *query) Not(items ...interface{}) QueryNode {
	components, children := q.processItems(items...)
	node := newCompositeNode(OpNot, components)
	node.children = children
	if q.root == nil {
		q.root = node
	}
	return node
}

func (q *query) validateQueryItems(items ...interface{}) error {
	for _, item := range items {
		switch item.(type) {
		case Component, []Component, QueryNode, Query:
			continue
		default:
			return fmt.Errorf("invalid query item type: %T. Only Component, []Component, or QueryNode are allowed", item)
		}
	}
	return nil
}

func (q *query) processItems(items ...interface{}) ([]Component, []QueryNode) {
	if err := q.validateQueryItems(items...); err != nil {
		panic(bark.AddTrace(err))
	}
	components := make([]Component, 0)
	children := make([]QueryNode, 0)
	for _, item := range items {
		switch v := item.(type) {
		case Component:
			components = append(components, v)
		case []Component:
			components = append(components, v...)
		case QueryNode:
			children = append(children, v)
		}
	}
	return components, children
}

func (q *query) Evaluate(archetype Archetype, store *ArchetypeStore) bool {
	if q.root == nil {
		return false
	}
	return q.root.Evaluate(archetype, store)
}

// QueryCache memoizes the archetype list a QueryNode matched against a
// store, invalidated whenever the store's archetype set changes
// (tracked by token, bumped whenever NewOrExistingArchetype creates an
// archetype and whenever Compact removes any).
type QueryCache struct {
	store     *ArchetypeStore
	entries   map[QueryNode]cachedMatch
	lastToken uint64
}

type cachedMatch struct {
	archetypes []Archetype
	token      uint64
}

// NewQueryCache creates a cache bound to store.
func NewQueryCache(store *ArchetypeStore) *QueryCache {
	return &QueryCache{store: store, entries: make(map[QueryNode]cachedMatch)}
}

// Matches returns the archetypes q selects, reusing a prior result if
// the store's archetype set hasn't changed since it was computed.
func (c *QueryCache) Matches(q QueryNode) []Archetype {
	token := c.store.archetypeToken.Load()
	if cached, ok := c.entries[q]; ok && cached.token == token {
		return cached.archetypes
	}
	var matched []Archetype
	for _, arche := range c.store.Archetypes() {
		if q.Evaluate(arche, c.store) {
			matched = append(matched, arche)
		}
	}
	c.entries[q] = cachedMatch{archetypes: matched, token: token}
	return matched
}

// Invalidate drops every cached entry, forcing the next Matches call
// to recompute. The store's own token bump already does this lazily;
// this exists for callers that want to free the memory immediately.
func (c *QueryCache) Invalidate() {
	c.entries = make(map[QueryNode]cachedMatch)
}
