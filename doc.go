/*
Package ecs provides an archetype-based Entity-Component-System substrate:
entity identity with generational handles, columnar component storage,
a query engine, reactive change tracking, a dependency-aware system
scheduler, and a binary/text world serializer.

Core Concepts:

  - Handle: a generation-checked identifier for an entity.
  - Component: a registered data type attachable to entities.
  - Archetype: the shared column layout for every entity with an
    identical component set.
  - Query: a predicate over component sets with sequential, parallel,
    and batched iteration.
  - System: a unit of scheduled work with declared dependencies.

Basic Usage:

	world := ecs.Factory.NewWorld(ecs.FeatureFlags{})

	position := ecs.FactoryNewComponent[Position]()
	velocity := ecs.FactoryNewComponent[Velocity]()

	h, _ := world.CreateEntity()
	ecs.SetComponentValue(world, h, position, Position{})
	ecs.SetComponentValue(world, h, velocity, Velocity{X: 1})

	node := world.NewQuery().And(position, velocity)
	cursor := world.NewCursor(node)
	for cursor.Next() {
		pos := position.GetFromCursor(cursor)
		vel := velocity.GetFromCursor(cursor)
		pos.X += vel.X
	}

ecs is the substrate underwriting the surrounding engine's higher-level
subsystems (tile world, rendering, physics, audio); it defines no
scripting language, graphics API, or domain components of its own.
*/
package ecs
