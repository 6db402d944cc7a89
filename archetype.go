package ecs

import (
	"github.com/TheBitDrifter/mask"
	"github.com/TheBitDrifter/table"
)

type archetypeID uint32

// Archetype is the shared data layout for every entity with an identical
// component set: a bit mask, one parallel column per component id
// (delegated to table.Table), and the dense entity list / entity-to-row
// index table.Table already maintains.
type Archetype interface {
	ID() uint32
	Mask() mask.Mask
	Table() table.Table
	Components() []Component
}

type archetype struct {
	id         archetypeID
	mask       mask.Mask
	table      table.Table
	components []Component
}

func newArchetype(schema table.Schema, entryIndex table.EntryIndex, id archetypeID, m mask.Mask, components ...Component) (*archetype, error) {
	elementTypes := make([]table.ElementType, len(components))
	for i, comp := range components {
		elementTypes[i] = comp
	}
	tbl, err := table.NewTableBuilder().
		WithSchema(schema).
		WithEntryIndex(entryIndex).
		WithElementTypes(elementTypes...).
		WithEvents(Config.tableEvents).
		Build()
	if err != nil {
		return nil, err
	}
	return &archetype{
		table:      tbl,
		id:         id,
		mask:       m,
		components: components,
	}, nil
}

func (a *archetype) ID() uint32 {
	return uint32(a.id)
}

func (a *archetype) Mask() mask.Mask {
	return a.mask
}

func (a *archetype) Table() table.Table {
	return a.table
}

func (a *archetype) Components() []Component {
	return a.components
}
