package ecs

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/TheBitDrifter/table"
)

// World is the façade every caller interacts with: entity lifecycle,
// component lifecycle, queries, relationships, systems, serialization,
// and memory management, each delegated to the dedicated type that
// owns it. Apart from WorldSerializer, which builds scratch state of
// those types during Load and swaps it into the World, nothing outside
// this file reaches into more than one of them directly.
type World struct {
	mu       sync.Mutex
	features FeatureFlags

	registry      *EntityRegistry
	store         *ArchetypeStore
	tracker       *ChangeTracker
	scheduler     *SystemScheduler
	depgraph      *DependencyGraph
	relationships *RelationshipGraph
	serializer    *WorldSerializer

	pools   map[uint32]*ComponentPool
	regions map[Handle]Region
	codecs  map[uint32]*componentCodec
}

// newWorld wires up a fresh World from a schema and the requested
// feature set. Called only through Factory.NewWorld.
func newWorld(schema table.Schema, features FeatureFlags) *World {
	w := &World{
		features:      features,
		registry:      NewEntityRegistry(features.ThreadSafety),
		store:         newArchetypeStore(schema),
		scheduler:     NewSystemScheduler(),
		depgraph:      NewDependencyGraph(),
		relationships: NewRelationshipGraph(features.ThreadSafety),
		pools:         make(map[uint32]*ComponentPool),
		regions:       make(map[Handle]Region),
		codecs:        make(map[uint32]*componentCodec),
	}
	if features.ChangeTracking {
		w.tracker = NewChangeTracker(features.ChangeLogCapacity, features.ChangeLogMaxAge, features.ThreadSafety)
		w.store.SetTracker(w.tracker)
	}
	w.serializer = NewWorldSerializer(features.SerializationProfiling)
	return w
}

// Features returns the flags this World was constructed with.
func (w *World) Features() FeatureFlags {
	return w.features
}

// Tracker returns the World's ChangeTracker, or nil if
// FeatureFlags.ChangeTracking was off at construction.
func (w *World) Tracker() *ChangeTracker {
	return w.tracker
}

// Scheduler returns the World's SystemScheduler.
func (w *World) Scheduler() *SystemScheduler {
	return w.scheduler
}

// DependencyGraph returns the World's component-level DependencyGraph.
func (w *World) DependencyGraph() *DependencyGraph {
	return w.depgraph
}

// Store returns the World's ArchetypeStore, for callers (queries,
// AccessibleComponent) that need to operate below the façade.
func (w *World) Store() *ArchetypeStore {
	return w.store
}

// --- entity lifecycle ---------------------------------------------------

// CreateEntity allocates a new entity with no components.
func (w *World) CreateEntity() (Handle, error) {
	h := w.registry.Create()
	if err := w.store.CreateEntity(h); err != nil {
		w.registry.Destroy(h)
		return Nil, err
	}
	return h, nil
}

// CreateInRegion allocates a new entity and tags it with region, an
// opaque coordinate tuple the core never interprets itself.
func (w *World) CreateInRegion(region Region) (Handle, error) {
	h, err := w.CreateEntity()
	if err != nil {
		return Nil, err
	}
	w.mu.Lock()
	w.regions[h] = region
	w.mu.Unlock()
	return h, nil
}

// RegionOf returns the region an entity was created with, if any.
func (w *World) RegionOf(h Handle) (Region, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	r, ok := w.regions[h]
	return r, ok
}

// DestroyEntity invalidates h. When recursive is false, h's children
// are orphaned, not destroyed; when true, every descendant is
// destroyed too.
func (w *World) DestroyEntity(h Handle, recursive bool) error {
	if !w.registry.IsValid(h) {
		return InvalidHandleError{Handle: h}
	}

	if recursive {
		for _, child := range w.relationships.ChildrenOf(h) {
			if err := w.DestroyEntity(child, true); err != nil {
				return err
			}
		}
	}

	if err := w.store.DestroyEntity(h); err != nil {
		return err
	}
	w.relationships.Forget(h)
	w.registry.Destroy(h)

	w.mu.Lock()
	delete(w.regions, h)
	w.mu.Unlock()
	return nil
}

// IsValid reports whether h refers to a currently live entity.
func (w *World) IsValid(h Handle) bool {
	return w.registry.IsValid(h)
}

// LiveEntityCount returns the number of currently live entities.
func (w *World) LiveEntityCount() int {
	return w.registry.LiveCount()
}

// --- component lifecycle ------------------------------------------------

// AttachComponent attaches c to h with no initial value (the zero
// value of its underlying type). Returns InvalidHandleError if h isn't
// live.
func (w *World) AttachComponent(h Handle, c Component) error {
	if !w.registry.IsValid(h) {
		return InvalidHandleError{Handle: h}
	}
	if w.store.Locked() {
		w.store.Enqueue(AttachComponentOperation{Handle: h, Component: c})
		return nil
	}
	return w.store.Attach(h, c, nil)
}

// DetachComponent removes c from h.
func (w *World) DetachComponent(h Handle, c Component) error {
	if !w.registry.IsValid(h) {
		return InvalidHandleError{Handle: h}
	}
	if w.store.Locked() {
		w.store.Enqueue(DetachComponentOperation{Handle: h, Component: c})
		return nil
	}
	return w.store.Detach(h, c)
}

// HasComponent reports whether h carries c.
func (w *World) HasComponent(h Handle, c Component) bool {
	return w.store.Has(h, c)
}

// SetComponentValue attaches component ac to h (if not already
// present) and writes value, reporting the change to the
// ChangeTracker when enabled. This is the generic entry point used by
// application code; AccessibleComponent[T]'s own methods are for
// reading from a live Cursor.
func SetComponentValue[T any](w *World, h Handle, ac AccessibleComponent[T], value T) error {
	if !w.registry.IsValid(h) {
		return InvalidHandleError{Handle: h}
	}
	return w.store.Attach(h, ac.Component, value)
}

// GetComponentValue reads component ac's current value for h.
func GetComponentValue[T any](w *World, h Handle, ac AccessibleComponent[T]) (*T, error) {
	if !w.registry.IsValid(h) {
		return nil, InvalidHandleError{Handle: h}
	}
	return ac.GetFromHandle(w.store, h)
}

// --- queries --------------------------------------------------------------

// NewQuery creates a new, empty Query builder.
func (w *World) NewQuery() Query {
	return newQuery()
}

// NewCursor creates a Cursor walking the entities matching node.
func (w *World) NewCursor(node QueryNode) *Cursor {
	return newCursor(node, w.store)
}

// NewChildCursor creates a Cursor over the entities matching node
// whose current parent is parent.
func (w *World) NewChildCursor(node QueryNode, parent Handle) *Cursor {
	return newCursor(node, w.store).WithFilter(func(h Handle) bool {
		p, ok := w.relationships.ParentOf(h)
		return ok && p == parent
	})
}

// NewCachedCursor creates a Cursor that reuses cache's matched-archetype
// list instead of re-evaluating node against the whole archetype set
// each time it's iterated.
func (w *World) NewCachedCursor(node QueryNode, cache *QueryCache) *Cursor {
	return newCachedCursor(node, w.store, cache)
}

// NewQueryCache creates a QueryCache bound to this World's store.
func (w *World) NewQueryCache() *QueryCache {
	return NewQueryCache(w.store)
}

// --- relationships --------------------------------------------------------

// SetParent makes parent the parent of child.
func (w *World) SetParent(child, parent Handle) error {
	if !w.registry.IsValid(child) || !w.registry.IsValid(parent) {
		return InvalidHandleError{Handle: child}
	}
	return w.relationships.SetParent(child, parent)
}

// RemoveParent clears child's parent edge.
func (w *World) RemoveParent(child Handle) {
	w.relationships.RemoveParent(child)
}

// ParentOf returns h's parent, if any.
func (w *World) ParentOf(h Handle) (Handle, bool) {
	return w.relationships.ParentOf(h)
}

// ChildrenOf returns h's direct children.
func (w *World) ChildrenOf(h Handle) []Handle {
	return w.relationships.ChildrenOf(h)
}

// --- systems ---------------------------------------------------------------

// RegisterSystem adds sys to the scheduler, optionally after other
// named systems.
func (w *World) RegisterSystem(sys System, after ...string) error {
	return w.scheduler.Register(sys, after...)
}

// RemoveSystem removes a system by name.
func (w *World) RemoveSystem(name string) {
	w.scheduler.Unregister(name)
}

// Update runs one tick sequentially, draining the ChangeTracker after
// each system so reactive subscribers see a consistent per-system
// view, per the ordering guarantee that a later system observes an
// earlier one's completed mutations.
func (w *World) Update(dt float64) []error {
	if w.tracker != nil {
		w.tracker.Tick()
	}
	var errs []error
	for _, name := range w.scheduler.orderedNames() {
		if err := w.scheduler.runOne(name, w, dt); err != nil {
			errs = append(errs, err)
		}
		if w.tracker != nil {
			w.tracker.DrainPending()
		}
	}
	return errs
}

// UpdateParallel runs one tick level-grouped across up to threads
// goroutines per level. The ChangeTracker, if enabled, is drained once
// per level rather than per system, since systems within a level run
// concurrently and have no ordering relative to each other.
func (w *World) UpdateParallel(dt float64, threads int) []error {
	if w.tracker != nil {
		w.tracker.Tick()
	}
	var errs []error
	for _, level := range w.scheduler.levels() {
		errs = append(errs, w.scheduler.runLevel(level, w, dt, threads)...)
		if w.tracker != nil {
			w.tracker.DrainPending()
		}
	}
	return errs
}

// SystemStats returns name's recorded execution statistics.
func (w *World) SystemStats(name string) (SystemStats, bool) {
	return w.scheduler.Stats(name)
}

// Subscribe registers fn as a reactive receiver for changes of c
// matching kinds, dispatched no more often than every frequency ticks.
// Fails if the World was built without ChangeTracking.
func (w *World) Subscribe(c Component, kinds []ChangeKind, frequency int, fn ReactiveFunc) (SubscriptionToken, error) {
	if w.tracker == nil {
		return 0, fmt.Errorf("ecs: change tracking not enabled on this world")
	}
	return w.tracker.Subscribe(uint32(c.ID()), kinds, frequency, fn), nil
}

// Unsubscribe removes a reactive subscription. A no-op without
// ChangeTracking or for an unknown token.
func (w *World) Unsubscribe(token SubscriptionToken) {
	if w.tracker != nil {
		w.tracker.Unsubscribe(token)
	}
}

// --- memory management -----------------------------------------------------

// PoolFor returns (creating if necessary) the ComponentPool tracking
// allocation bookkeeping for componentID.
func (w *World) PoolFor(componentID, slotSize, alignment uint32) *ComponentPool {
	w.mu.Lock()
	defer w.mu.Unlock()
	p, ok := w.pools[componentID]
	if !ok {
		p = NewComponentPool(componentID, slotSize, alignment)
		w.pools[componentID] = p
	}
	return p
}

// MemoryUsage sums BytesUsed across every registered ComponentPool.
func (w *World) MemoryUsage() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var total uint64
	for _, p := range w.pools {
		total += p.Stats().BytesUsed
	}
	return total
}

// CheckBudget returns OutOfBudgetError if the World's MemoryBudgetBytes
// (0 means unbounded) is currently exceeded.
func (w *World) CheckBudget() error {
	if w.features.MemoryBudgetBytes == 0 {
		return nil
	}
	used := w.MemoryUsage()
	if used > w.features.MemoryBudgetBytes {
		return OutOfBudgetError{Budget: w.features.MemoryBudgetBytes, Used: used}
	}
	return nil
}

// ReserveSlot allocates one slot from p, consulting the memory budget:
// if the allocation pushes usage past it, every pool is compacted once
// and the check retried; failing that the slot is released and
// OutOfBudgetError returned.
func (w *World) ReserveSlot(p *ComponentPool) (uint32, error) {
	slot := p.Alloc()
	if err := w.CheckBudget(); err != nil {
		w.Compact()
		if err := w.CheckBudget(); err != nil {
			p.Free(slot)
			return 0, err
		}
	}
	return slot, nil
}

// Compact runs ComponentPool.Compact on every registered pool and
// removes emptied archetypes from the store.
func (w *World) Compact() {
	w.mu.Lock()
	for _, p := range w.pools {
		p.Compact()
	}
	w.mu.Unlock()
	w.store.Compact()
}

// --- serialization -----------------------------------------------------------

// RegisterComponentCodec wires ac into this World's serializer: values
// of T must implement BinaryMarshaler and/or TextMarshaler to
// participate in the corresponding save format; a component with
// neither is skipped or fails the save, per SerializerOptions, same as
// an unknown component id on load.
func RegisterComponentCodec[T any](w *World, ac AccessibleComponent[T]) {
	id := uint32(ac.Component.ID())
	w.codecs[id] = &componentCodec{
		id: id,
		encodeBinary: func(store *ArchetypeStore, h Handle) ([]byte, bool, error) {
			v, err := ac.GetFromHandle(store, h)
			if err != nil {
				return nil, false, err
			}
			bm, ok := any(v).(BinaryMarshaler)
			if !ok {
				return nil, false, nil
			}
			return bm.MarshalBinaryInto(nil), true, nil
		},
		decodeBinary: func(store *ArchetypeStore, h Handle, buf []byte) error {
			var zero T
			bm, ok := any(&zero).(BinaryMarshaler)
			if !ok {
				return nil
			}
			if err := bm.UnmarshalBinary(buf); err != nil {
				return err
			}
			return store.Attach(h, ac.Component, zero)
		},
		encodeText: func(store *ArchetypeStore, h Handle) (string, bool, error) {
			v, err := ac.GetFromHandle(store, h)
			if err != nil {
				return "", false, err
			}
			tm, ok := any(v).(TextMarshaler)
			if !ok {
				return "", false, nil
			}
			s, err := tm.MarshalText()
			return s, true, err
		},
		decodeText: func(store *ArchetypeStore, h Handle, s string) error {
			var zero T
			tm, ok := any(&zero).(TextMarshaler)
			if !ok {
				return nil
			}
			if err := tm.UnmarshalText(s); err != nil {
				return err
			}
			return store.Attach(h, ac.Component, zero)
		},
	}
}

// registeredComponentIDs returns every component id with a registered
// codec, ascending, for deterministic metadata output.
func (w *World) registeredComponentIDs() []uint32 {
	ids := make([]uint32, 0, len(w.codecs))
	for id := range w.codecs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Save writes the World to sink in the requested format.
func (w *World) Save(sink io.Writer, format SerializationFormat, opts SerializerOptions) error {
	return w.serializer.Save(w, sink, format, opts)
}

// Load clears w and repopulates it from sink, atomically: sink is
// decoded into a scratch World first, and w is only mutated if
// decoding succeeds completely.
func (w *World) Load(sink io.Reader, format SerializationFormat, opts SerializerOptions) error {
	return w.serializer.Load(w, sink, format, opts)
}

// SaveEntities writes only the given entities to sink.
func (w *World) SaveEntities(sink io.Writer, format SerializationFormat, opts SerializerOptions, handles ...Handle) error {
	return w.serializer.SaveEntities(w, sink, format, opts, handles...)
}

// LoadEntities merges the entities of a world file into w, returning
// their newly allocated handles.
func (w *World) LoadEntities(sink io.Reader, format SerializationFormat, opts SerializerOptions) ([]Handle, error) {
	return w.serializer.LoadEntities(w, sink, format, opts)
}

// FileMetadata decodes just the header of a world file.
func (w *World) FileMetadata(source io.Reader, format SerializationFormat) (Metadata, error) {
	return w.serializer.ReadMetadata(source, format)
}

// ValidateFile verifies a world file's framing and checksum without
// mutating w.
func (w *World) ValidateFile(source io.Reader, format SerializationFormat) error {
	return w.serializer.Validate(source, format)
}

// StartTracking begins accumulating change records for delta saves;
// SaveChanges and ApplyChanges consume them.
func (w *World) StartTracking() (*DeltaTracker, error) {
	return w.serializer.StartTracking(w)
}

// SaveChanges writes the entities touched since tracking started (or
// the previous SaveChanges call) to sink.
func (w *World) SaveChanges(dt *DeltaTracker, sink io.Writer, format SerializationFormat, opts SerializerOptions) error {
	return w.serializer.SaveChanges(dt, sink, format, opts)
}

// ApplyChanges replays a delta file onto w's live state.
func (w *World) ApplyChanges(sink io.Reader, format SerializationFormat, opts SerializerOptions) error {
	return w.serializer.ApplyChanges(w, sink, format, opts)
}

// swapFrom replaces w's entity-owning state with scratch state decoded
// by WorldSerializer.Load, preserving w's identity (pointer, codecs,
// scheduler, dependency graph, pools) for callers already holding a
// reference to it. Only called by WorldSerializer once a load has
// fully succeeded.
func (w *World) swapFrom(registry *EntityRegistry, store *ArchetypeStore, relationships *RelationshipGraph, regions map[Handle]Region) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tracker != nil {
		store.SetTracker(w.tracker)
	}
	w.registry = registry
	w.store = store
	w.relationships = relationships
	w.regions = regions
}
