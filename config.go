package ecs

import "github.com/TheBitDrifter/table"

// Config holds process-wide table wiring shared by every World: the
// table.TableEvents hooks archetypes are built with. Per-World
// behavior (thread safety, change tracking, serialization profiling,
// memory budget) lives on FeatureFlags instead, since those vary
// world to world.
var Config config = config{}

type config struct {
	tableEvents table.TableEvents
}

// SetTableEvents configures the table event callbacks new archetypes
// are built with.
func (c *config) SetTableEvents(te table.TableEvents) {
	c.tableEvents = te
}

// FeatureFlags selects the optional subsystems a World runs with. All
// flags default to off; Factory.NewWorld takes them explicitly so a
// caller can see, at the construction site, exactly what a World
// costs.
type FeatureFlags struct {
	// ThreadSafety guards the EntityRegistry and ChangeTracker with a
	// mutex instead of running unsynchronized. Cheap to enable; only
	// matters when a World is shared across goroutines.
	ThreadSafety bool

	// ChangeTracking turns on ChangeTracker recording for component
	// Attach/Detach/SetValue. Off by default because most Worlds run
	// without any subscriber to dispatch to.
	ChangeTracking bool

	// SerializationProfiling records per-save/load byte counts and
	// durations on the WorldSerializer for diagnostics.
	SerializationProfiling bool

	// MemoryBudgetBytes caps the combined ComponentPool allocation
	// across all registered component types; 0 means unbounded.
	// World.CheckBudget and World.ReserveSlot return OutOfBudgetError
	// when usage exceeds it, ReserveSlot only after one compaction
	// fails to bring usage back under. Attach does not check it.
	MemoryBudgetBytes uint64

	// ChangeLogCapacity bounds the ChangeTracker's ring-buffer log; the
	// oldest logged record is dropped once it's exceeded. 0 uses the
	// ChangeTracker's default.
	ChangeLogCapacity int

	// ChangeLogMaxAge discards logged change records older than this
	// many ticks each time a new record is appended; 0 disables
	// age-based trimming.
	ChangeLogMaxAge int
}
