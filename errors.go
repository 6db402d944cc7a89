package ecs

import "fmt"

// InvalidHandleError indicates a handle whose generation no longer matches
// the registry's current generation for that index. Always locally
// recoverable; never unwinds.
type InvalidHandleError struct {
	Handle Handle
}

func (e InvalidHandleError) Error() string {
	return fmt.Sprintf("ecs: invalid handle %v", e.Handle)
}

// MissingComponentError indicates the target entity has no component of
// the requested id.
type MissingComponentError struct {
	Handle      Handle
	ComponentID uint32
}

func (e MissingComponentError) Error() string {
	return fmt.Sprintf("ecs: entity %v has no component %d", e.Handle, e.ComponentID)
}

// DuplicateRegistrationError indicates a component type id was registered
// twice.
type DuplicateRegistrationError struct {
	ComponentID uint32
}

func (e DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("ecs: component %d already registered", e.ComponentID)
}

// DependencyCycleError indicates that adding an edge would introduce a
// cycle into a component DependencyGraph.
type DependencyCycleError struct {
	From, To uint32
}

func (e DependencyCycleError) Error() string {
	return fmt.Sprintf("ecs: edge %d -> %d would create a cycle", e.From, e.To)
}

// SerializationFormatError indicates an incompatible or corrupt world
// file: bad magic, bad version, a checksum mismatch, or a truncated
// stream. The load this occurs during is always aborted atomically.
type SerializationFormatError struct {
	Reason string
}

func (e SerializationFormatError) Error() string {
	return fmt.Sprintf("ecs: serialization format error: %s", e.Reason)
}

// UnknownComponentIDError indicates a loaded file references a component
// id with no registered loader. Whether this is fatal is controlled by
// SerializerOptions.SkipUnknownComponents.
type UnknownComponentIDError struct {
	ComponentID uint32
}

func (e UnknownComponentIDError) Error() string {
	return fmt.Sprintf("ecs: unknown component id %d on load", e.ComponentID)
}

// AllocationFailureError indicates a component pool could not satisfy an
// allocation even after one retried compaction. This is the only error
// class in this package that may escalate into a panic rather than a
// returned value.
type AllocationFailureError struct {
	ComponentID uint32
}

func (e AllocationFailureError) Error() string {
	return fmt.Sprintf("ecs: allocation failure in pool for component %d", e.ComponentID)
}

// OutOfBudgetError indicates a memory-budget ceiling was hit and
// compaction did not free enough space to proceed.
type OutOfBudgetError struct {
	Budget, Used uint64
}

func (e OutOfBudgetError) Error() string {
	return fmt.Sprintf("ecs: memory budget exceeded (budget=%d used=%d)", e.Budget, e.Used)
}

// EntityRelationError indicates a SetParent call that was rejected
// because the child would become its own parent, or because it would
// create a relationship cycle.
type EntityRelationError struct {
	Child, Parent Handle
	Reason        string
}

func (e EntityRelationError) Error() string {
	return fmt.Sprintf("ecs: cannot set %v as parent of %v: %s", e.Parent, e.Child, e.Reason)
}

// LockedStorageError indicates a structural mutation was attempted while
// the archetype store is locked for query iteration.
type LockedStorageError struct{}

func (e LockedStorageError) Error() string {
	return "ecs: archetype store is locked"
}

// UnregisteredSystemError indicates a dependency referred to a system
// that was never registered.
type UnregisteredSystemError struct {
	Name string
}

func (e UnregisteredSystemError) Error() string {
	return fmt.Sprintf("ecs: system %q is not registered", e.Name)
}
