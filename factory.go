package ecs

import "github.com/TheBitDrifter/table"

// factory implements the factory pattern for ecs construction.
type factory struct{}

// Factory is the package's single entry point for constructing worlds,
// queries, and cursors. It holds no state of its own.
var Factory factory

// NewWorld creates a new World with its own schema, entity registry,
// archetype store, scheduler, change tracker, and serializer.
func (f factory) NewWorld(features FeatureFlags) *World {
	schema := table.Factory.NewSchema()
	return newWorld(schema, features)
}

// NewQuery creates a new, empty Query.
func (f factory) NewQuery() Query {
	return newQuery()
}

// NewCursor creates a new Cursor over storage for the given query.
func (f factory) NewCursor(query QueryNode, storage *ArchetypeStore) *Cursor {
	return newCursor(query, storage)
}

// FactoryNewComponent registers a new component type T and returns an
// AccessibleComponent handle for reading and writing its values.
func FactoryNewComponent[T any]() AccessibleComponent[T] {
	iden := table.FactoryNewElementType[T]()
	return AccessibleComponent[T]{
		Component: iden,
		Accessor:  table.FactoryNewAccessor[T](iden),
	}
}

// FactoryNewCache creates a new Cache with the specified capacity.
func FactoryNewCache[T any](cap int) Cache[T] {
	return &SimpleCache[T]{
		itemIndices: make(map[string]int),
		maxCapacity: cap,
	}
}
