package ecs

import "github.com/TheBitDrifter/table"

// AccessibleComponent pairs a Component identity with a concrete
// table.Accessor[T], giving callers a single value that both
// identifies a component in a query and reads/writes its typed value
// from a Cursor or Handle.
type AccessibleComponent[T any] struct {
	Component
	table.Accessor[T]
}

// GetFromCursor retrieves the component value for the entity at the
// cursor's current position. Panics if the archetype underneath the
// cursor doesn't carry this component; use CheckCursor first when
// that isn't guaranteed by the query.
func (c AccessibleComponent[T]) GetFromCursor(cursor *Cursor) *T {
	return c.Get(cursor.entityIndex-1, cursor.currentArchetype().Table())
}

// GetFromCursorSafe is GetFromCursor guarded by a presence check.
func (c AccessibleComponent[T]) GetFromCursorSafe(cursor *Cursor) (bool, *T) {
	if !c.CheckCursor(cursor) {
		return false, nil
	}
	return true, c.GetFromCursor(cursor)
}

// CheckCursor reports whether the archetype underneath the cursor's
// current position carries this component.
func (c AccessibleComponent[T]) CheckCursor(cursor *Cursor) bool {
	return c.Accessor.Check(cursor.currentArchetype().Table())
}

// GetFromHandle retrieves the component value for h via store. Returns
// an error if h is invalid or doesn't carry this component.
func (c AccessibleComponent[T]) GetFromHandle(store *ArchetypeStore, h Handle) (*T, error) {
	entry, err := store.entry(h)
	if err != nil {
		return nil, err
	}
	if !c.Accessor.Check(entry.Table()) {
		return nil, MissingComponentError{Handle: h, ComponentID: uint32(c.Component.ID())}
	}
	return c.Get(entry.Index(), entry.Table()), nil
}
