package ecs

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/TheBitDrifter/mask"
	"github.com/TheBitDrifter/table"
)

// ArchetypeStore owns the archetype tables for one World: the set of
// distinct component-mask groups, the per-entity row lookup, and the
// structural-mutation lock that lets an in-flight query finish iterating
// before a migration moves rows underneath it. Every store has its own
// entry index and entity bookkeeping, so more than one World can run in
// the same process.
type ArchetypeStore struct {
	lockCount      atomic.Int32
	archetypeToken atomic.Uint64
	schema         table.Schema
	entryIndex     table.EntryIndex
	archetypes     *archetypes
	operationQueue EntityOperationsQueue
	tracker        *ChangeTracker

	// dense, indexed by Handle.Index; ids[i] == 0 means the slot holds no
	// live row (either never created or destroyed).
	ids   []table.EntryID
	comps [][]Component

	// handleByEntryID lets a Cursor recover the Handle of the row it is
	// currently positioned on, since table.Entry only knows its own
	// EntryID, not the generation-checked Handle the rest of the core
	// addresses entities by.
	handleByEntryID map[table.EntryID]Handle
}

// archetypes manages archetype collections and identification by mask.
type archetypes struct {
	nextID           archetypeID
	asSlice          []*archetype
	idsGroupedByMask map[mask.Mask]archetypeID
}

// newArchetypeStore creates an empty ArchetypeStore backed by schema.
func newArchetypeStore(schema table.Schema) *ArchetypeStore {
	return &ArchetypeStore{
		schema:     schema,
		entryIndex: table.Factory.NewEntryIndex(),
		archetypes: &archetypes{
			nextID:           1,
			idsGroupedByMask: make(map[mask.Mask]archetypeID),
		},
		operationQueue:  &entityOperationsQueue{},
		handleByEntryID: make(map[table.EntryID]Handle),
	}
}

// SetTracker installs the ChangeTracker that Attach/Detach/SetValue
// report structural and value changes to. A nil tracker disables
// reporting; this is the World's wiring point, never called elsewhere.
func (s *ArchetypeStore) SetTracker(t *ChangeTracker) {
	s.tracker = t
}

func (s *ArchetypeStore) growTo(index uint32) {
	need := int(index) + 1
	if need <= len(s.ids) {
		return
	}
	newIDs := make([]table.EntryID, need)
	copy(newIDs, s.ids)
	s.ids = newIDs

	newComps := make([][]Component, need)
	copy(newComps, s.comps)
	s.comps = newComps
}

// maskFor computes the archetype mask for a component set, registering
// any component not yet known to the schema.
func (s *ArchetypeStore) maskFor(components []Component) mask.Mask {
	var m mask.Mask
	for _, c := range components {
		s.schema.Register(c)
		m.Mark(s.schema.RowIndexFor(c))
	}
	return m
}

// NewOrExistingArchetype returns the archetype for components, creating
// it (and registering any new component with the schema) if none
// exists yet.
func (s *ArchetypeStore) NewOrExistingArchetype(components ...Component) (Archetype, error) {
	m := s.maskFor(components)
	if id, ok := s.archetypes.idsGroupedByMask[m]; ok {
		return s.archetypes.asSlice[id-1], nil
	}
	created, err := newArchetype(s.schema, s.entryIndex, s.archetypes.nextID, m, components...)
	if err != nil {
		return nil, err
	}
	s.archetypes.asSlice = append(s.archetypes.asSlice, created)
	s.archetypes.idsGroupedByMask[m] = created.id
	s.archetypes.nextID++
	s.archetypeToken.Add(1)
	return created, nil
}

// CreateEntity gives h a row in the empty archetype (the component-less
// origin every entity starts in). It is a structural mutation and
// fails if the store is locked.
func (s *ArchetypeStore) CreateEntity(h Handle) error {
	if s.Locked() {
		return LockedStorageError{}
	}
	arche, err := s.NewOrExistingArchetype()
	if err != nil {
		return err
	}
	entries, err := arche.Table().NewEntries(1)
	if err != nil {
		return err
	}
	s.growTo(h.Index)
	s.ids[h.Index] = entries[0].ID()
	s.comps[h.Index] = nil
	s.handleByEntryID[entries[0].ID()] = h
	return nil
}

// HandleFor recovers the Handle of the entity occupying entry, for use
// by a Cursor positioned on a row it did not create.
func (s *ArchetypeStore) HandleFor(entry table.Entry) Handle {
	return s.handleByEntryID[entry.ID()]
}

// DestroyEntity removes h's row from its current archetype table and
// clears its bookkeeping slot. It does not touch the EntityRegistry;
// the caller (World) is responsible for invalidating the handle there.
func (s *ArchetypeStore) DestroyEntity(h Handle) error {
	if s.Locked() {
		return LockedStorageError{}
	}
	entry, err := s.entry(h)
	if err != nil {
		return err
	}
	if _, err := entry.Table().DeleteEntries(int(entry.ID())); err != nil {
		return fmt.Errorf("failed to delete entry: %w", err)
	}
	if s.tracker != nil {
		for _, c := range s.comps[h.Index] {
			s.tracker.recordRemoved(h, uint32(c.ID()))
		}
	}
	delete(s.handleByEntryID, s.ids[h.Index])
	s.ids[h.Index] = 0
	s.comps[h.Index] = nil
	return nil
}

// entry resolves h's current table.Entry through the instance-scoped
// EntryIndex, which tracks the live table/row even after migrations.
func (s *ArchetypeStore) entry(h Handle) (table.Entry, error) {
	if int(h.Index) >= len(s.ids) || s.ids[h.Index] == 0 {
		return nil, InvalidHandleError{Handle: h}
	}
	return s.entryIndex.Entry(int(s.ids[h.Index] - 1))
}

// Has reports whether h currently carries component c.
func (s *ArchetypeStore) Has(h Handle, c Component) bool {
	entry, err := s.entry(h)
	if err != nil {
		return false
	}
	return entry.Table().Contains(c)
}

// HasID reports whether h currently carries a component with the given
// id, without needing a live Component value to ask with. Used by
// WorldSerializer, which only has component ids decoded off the wire.
func (s *ArchetypeStore) HasID(h Handle, id uint32) bool {
	if int(h.Index) >= len(s.comps) {
		return false
	}
	for _, c := range s.comps[h.Index] {
		if uint32(c.ID()) == id {
			return true
		}
	}
	return false
}

// SignatureOf returns h's current archetype mask.
func (s *ArchetypeStore) SignatureOf(h Handle) (mask.Mask, error) {
	entry, err := s.entry(h)
	if err != nil {
		return mask.Mask{}, err
	}
	maskable, ok := entry.Table().(mask.Maskable)
	if !ok {
		return mask.Mask{}, nil
	}
	return maskable.Mask(), nil
}

// ComponentsOf returns h's current component list.
func (s *ArchetypeStore) ComponentsOf(h Handle) []Component {
	if int(h.Index) >= len(s.comps) {
		return nil
	}
	return s.comps[h.Index]
}

// Attach migrates h into the archetype that adds component c, writing
// value into the new column when non-nil. If c is already present, a
// non-nil value overwrites the existing one (recorded as Modified) and a
// nil value leaves the entity as it is.
func (s *ArchetypeStore) Attach(h Handle, c Component, value any) error {
	if s.Locked() {
		return LockedStorageError{}
	}
	entry, err := s.entry(h)
	if err != nil {
		return err
	}
	originTable := entry.Table()
	if originTable.Contains(c) {
		if value != nil {
			if err := s.writeValue(entry, c, value); err != nil {
				return err
			}
			if s.tracker != nil {
				s.tracker.recordModified(h, uint32(c.ID()))
			}
		}
		return nil
	}
	newComps := append(append([]Component{}, s.comps[h.Index]...), c)
	dest, err := s.NewOrExistingArchetype(newComps...)
	if err != nil {
		return err
	}
	if err := originTable.TransferEntries(dest.Table(), entry.Index()); err != nil {
		return fmt.Errorf("failed to migrate entity: %w", err)
	}
	s.comps[h.Index] = newComps
	if value != nil {
		entry, err = s.entry(h)
		if err != nil {
			return err
		}
		if err := s.writeValue(entry, c, value); err != nil {
			return err
		}
	}
	if s.tracker != nil {
		s.tracker.recordAdded(h, uint32(c.ID()))
	}
	return nil
}

// Detach migrates h out of the archetype that carries component c. A
// no-op if c is not present.
func (s *ArchetypeStore) Detach(h Handle, c Component) error {
	if s.Locked() {
		return LockedStorageError{}
	}
	entry, err := s.entry(h)
	if err != nil {
		return err
	}
	originTable := entry.Table()
	if !originTable.Contains(c) {
		return nil
	}
	newComps := make([]Component, 0, len(s.comps[h.Index]))
	for _, comp := range s.comps[h.Index] {
		if comp.ID() != c.ID() {
			newComps = append(newComps, comp)
		}
	}
	dest, err := s.NewOrExistingArchetype(newComps...)
	if err != nil {
		return err
	}
	if err := originTable.TransferEntries(dest.Table(), entry.Index()); err != nil {
		return fmt.Errorf("failed to migrate entity: %w", err)
	}
	s.comps[h.Index] = newComps
	if s.tracker != nil {
		s.tracker.recordRemoved(h, uint32(c.ID()))
	}
	return nil
}

// SetValue overwrites the value stored for component c on h, reporting
// a Modified change record. It does not migrate; c must already be
// attached.
func (s *ArchetypeStore) SetValue(h Handle, c Component, value any) error {
	entry, err := s.entry(h)
	if err != nil {
		return err
	}
	if !entry.Table().Contains(c) {
		return MissingComponentError{Handle: h, ComponentID: uint32(c.ID())}
	}
	if err := s.writeValue(entry, c, value); err != nil {
		return err
	}
	if s.tracker != nil {
		s.tracker.recordModified(h, uint32(c.ID()))
	}
	return nil
}

// writeValue stores value into c's column at entry's row without
// recording a change; callers decide whether the write is an Added
// overwrite or a Modified update.
func (s *ArchetypeStore) writeValue(entry table.Entry, c Component, value any) error {
	valueType := reflect.TypeOf(value)
	for _, row := range entry.Table().Rows() {
		if row.Type().Elem() == valueType {
			reflect.Value(row).Index(entry.Index()).Set(reflect.ValueOf(value))
			return nil
		}
	}
	return fmt.Errorf("invalid value type %v for component %v", valueType, c.Type())
}

// RowIndexFor returns the schema bit index for a component, registering
// it if necessary.
func (s *ArchetypeStore) RowIndexFor(c Component) uint32 {
	s.schema.Register(c)
	return s.schema.RowIndexFor(c)
}

// Register adds components to the store's schema without creating an
// archetype for them.
func (s *ArchetypeStore) Register(comps ...Component) {
	ets := make([]table.ElementType, len(comps))
	for i, c := range comps {
		ets[i] = c
	}
	s.schema.Register(ets...)
}

// Archetypes returns every archetype currently alive in the store.
func (s *ArchetypeStore) Archetypes() []*archetype {
	out := make([]*archetype, 0, len(s.archetypes.asSlice))
	for _, a := range s.archetypes.asSlice {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Compact removes archetypes that hold no entities, returning how many
// were dropped. An emptied archetype is otherwise kept alive so churn
// between two component sets doesn't rebuild a table every migration;
// this is the explicit pass that reclaims them. A no-op while the store
// is locked.
func (s *ArchetypeStore) Compact() int {
	if s.Locked() {
		return 0
	}
	removed := 0
	for m, id := range s.archetypes.idsGroupedByMask {
		arche := s.archetypes.asSlice[id-1]
		if arche != nil && arche.Table().Length() == 0 {
			s.archetypes.asSlice[id-1] = nil
			delete(s.archetypes.idsGroupedByMask, m)
			removed++
		}
	}
	if removed > 0 {
		s.archetypeToken.Add(1)
	}
	return removed
}

// Locked reports whether any cursor currently holds the store locked
// against structural mutation.
func (s *ArchetypeStore) Locked() bool {
	return s.lockCount.Load() > 0
}

// AddLock increments the structural-mutation lock count, held for the
// duration of one cursor's iteration so a migration can't invalidate
// the archetype list or row indices it is walking.
func (s *ArchetypeStore) AddLock() {
	s.lockCount.Add(1)
}

// RemoveLock decrements the lock count and, once it reaches zero,
// drains the queued structural operations that accumulated while
// locked.
func (s *ArchetypeStore) RemoveLock() {
	if s.lockCount.Add(-1) == 0 {
		if err := s.operationQueue.ProcessAll(s); err != nil {
			panic(fmt.Errorf("error processing queued operations: %w", err))
		}
	}
}

// Enqueue defers op until the store is fully unlocked.
func (s *ArchetypeStore) Enqueue(op EntityOperation) {
	s.operationQueue.Enqueue(op)
}
