package ecs

import (
	"iter"
	"reflect"
	"sync"
)

// Cursor iterates the entities whose archetype matches a QueryNode. It
// holds the store locked against structural mutation for the duration
// of its walk: a migration triggered mid-iteration is deferred onto
// the store's operation queue instead of moving rows underneath the
// cursor.
type Cursor struct {
	query   QueryNode
	store   *ArchetypeStore
	cache   *QueryCache
	matched []Archetype

	filter func(Handle) bool
	pinned uint32 // archetype id; 0 means no pin

	archetypeIndex int
	entityIndex    int
	remaining      int

	initialized bool
}

// newCursor creates a cursor for query over store.
func newCursor(query QueryNode, store *ArchetypeStore) *Cursor {
	return &Cursor{query: query, store: store}
}

// newCachedCursor creates a cursor that reuses cache's archetype match
// list instead of re-evaluating query against every archetype.
func newCachedCursor(query QueryNode, store *ArchetypeStore, cache *QueryCache) *Cursor {
	return &Cursor{query: query, store: store, cache: cache}
}

// WithFilter restricts the cursor to entities fn accepts, on top of the
// archetype-level query match. World.NewChildCursor uses this to
// implement parent-relationship filtering. Returns c for chaining; must
// be called before iteration begins.
func (c *Cursor) WithFilter(fn func(Handle) bool) *Cursor {
	c.filter = fn
	return c
}

// PinArchetype restricts the cursor to the single archetype with the
// given id, skipping every other match. Returns c for chaining; must be
// called before iteration begins.
func (c *Cursor) PinArchetype(id uint32) *Cursor {
	c.pinned = id
	return c
}

func (c *Cursor) accepts(h Handle) bool {
	return c.filter == nil || c.filter(h)
}

// Next advances to the next matching entity, returning false once
// exhausted. Intended for a `for cursor.Next() { ... }` loop paired
// with CurrentHandle or AccessibleComponent.GetFromCursor.
func (c *Cursor) Next() bool {
	if !c.initialized {
		c.Initialize()
	}
	for {
		if c.entityIndex < c.remaining {
			c.entityIndex++
			if c.filter != nil {
				h, err := c.CurrentHandle()
				if err != nil || !c.accepts(h) {
					continue
				}
			}
			return true
		}
		c.archetypeIndex++
		c.entityIndex = 0
		if c.archetypeIndex >= len(c.matched) {
			c.Reset()
			return false
		}
		c.remaining = c.matched[c.archetypeIndex].Table().Length()
	}
}

// Initialize locks the store and computes the matching archetype list.
// Safe to call more than once; only the first call does work.
func (c *Cursor) Initialize() {
	if c.initialized {
		return
	}
	c.store.AddLock()
	if c.cache != nil {
		c.matched = c.cache.Matches(c.query)
	} else {
		c.matched = nil
		for _, arche := range c.store.Archetypes() {
			if c.query.Evaluate(arche, c.store) {
				c.matched = append(c.matched, arche)
			}
		}
	}
	if c.pinned != 0 {
		pinned := c.matched[:0:0]
		for _, arche := range c.matched {
			if arche.ID() == c.pinned {
				pinned = append(pinned, arche)
			}
		}
		c.matched = pinned
	}
	if len(c.matched) > 0 {
		c.archetypeIndex = 0
		c.remaining = c.matched[0].Table().Length()
	}
	c.initialized = true
}

// Reset clears iteration state and releases the store's lock. Called
// automatically when a walk completes; exposed for callers that break
// out of a Next loop early and still need to release the lock.
func (c *Cursor) Reset() {
	if !c.initialized {
		return
	}
	c.archetypeIndex = 0
	c.entityIndex = 0
	c.remaining = 0
	c.matched = nil
	c.initialized = false
	c.store.RemoveLock()
}

func (c *Cursor) currentArchetype() Archetype {
	return c.matched[c.archetypeIndex]
}

// CurrentHandle returns the Handle of the entity at the cursor's
// current position.
func (c *Cursor) CurrentHandle() (Handle, error) {
	entry, err := c.currentArchetype().Table().Entry(c.entityIndex - 1)
	if err != nil {
		return Nil, err
	}
	return c.store.HandleFor(entry), nil
}

// HandleAtOffset returns the Handle offset positions ahead of the
// current one within the current archetype, for lookahead/lookbehind
// access patterns (e.g. neighbor checks in a flocking system).
func (c *Cursor) HandleAtOffset(offset int) (Handle, error) {
	entry, err := c.currentArchetype().Table().Entry(c.entityIndex - 1 + offset)
	if err != nil {
		return Nil, err
	}
	return c.store.HandleFor(entry), nil
}

// Handles returns an iterator over every Handle the query matches. The
// cursor's position tracks the iteration, so GetFromCursor works inside
// the loop body too.
func (c *Cursor) Handles() iter.Seq[Handle] {
	return func(yield func(Handle) bool) {
		c.Initialize()
		for c.archetypeIndex < len(c.matched) {
			arche := c.matched[c.archetypeIndex]
			c.remaining = arche.Table().Length()
			for c.entityIndex < c.remaining {
				entry, err := arche.Table().Entry(c.entityIndex)
				c.entityIndex++
				if err != nil {
					continue
				}
				h := c.store.HandleFor(entry)
				if !c.accepts(h) {
					continue
				}
				if !yield(h) {
					c.Reset()
					return
				}
			}
			c.entityIndex = 0
			c.archetypeIndex++
		}
		c.Reset()
	}
}

// ForEach calls fn once per matching entity, in archetype then row
// order.
func (c *Cursor) ForEach(fn func(Handle)) {
	for h := range c.Handles() {
		fn(h)
	}
}

// ForEachParallel partitions the matching archetypes (not rows) across
// up to workers goroutines; within an archetype, rows are visited
// sequentially. fn must be safe to call from multiple goroutines at
// once; ForEachParallel itself provides no further synchronization.
func (c *Cursor) ForEachParallel(workers int, fn func(Handle)) {
	c.Initialize()
	defer c.Reset()

	if workers <= 0 || workers > len(c.matched) {
		workers = len(c.matched)
	}
	if workers <= 0 {
		return
	}

	work := make(chan Archetype, len(c.matched))
	for _, arche := range c.matched {
		work <- arche
	}
	close(work)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for arche := range work {
				n := arche.Table().Length()
				for i := 0; i < n; i++ {
					entry, err := arche.Table().Entry(i)
					if err != nil {
						continue
					}
					h := c.store.HandleFor(entry)
					if !c.accepts(h) {
						continue
					}
					fn(h)
				}
			}
		}()
	}
	wg.Wait()
}

// simdBatch is the fixed batching width ForEachSIMD and ForEachSpan
// group entities into. Batches are contiguous slices of a single
// archetype column, so a caller's fn sees memory the compiler (or
// hand-written assembly in the caller) can vectorize over.
const simdBatch = 8

// ForEachSIMD calls fn once per batch of up to simdBatch handles,
// scanning each matching archetype table contiguously.
func (c *Cursor) ForEachSIMD(fn func(batch []Handle)) {
	c.Initialize()
	defer c.Reset()

	buf := make([]Handle, 0, simdBatch)
	for _, arche := range c.matched {
		n := arche.Table().Length()
		for lo := 0; lo < n; lo += simdBatch {
			hi := lo + simdBatch
			if hi > n {
				hi = n
			}
			buf = buf[:0]
			for i := lo; i < hi; i++ {
				entry, err := arche.Table().Entry(i)
				if err != nil {
					continue
				}
				h := c.store.HandleFor(entry)
				if !c.accepts(h) {
					continue
				}
				buf = append(buf, h)
			}
			if len(buf) > 0 {
				fn(buf)
			}
		}
	}
}

// ForEachSpan calls fn with aligned sub-slices (of at most simdBatch
// elements) of ac's column in each matching archetype. The spans alias
// live storage: writes through them mutate component values in place.
// Only meaningful for a query whose single required component is ac's;
// archetypes not carrying ac are skipped. Per-entity filters don't
// apply here — a span is a raw column window, not an entity walk.
func ForEachSpan[T any](c *Cursor, ac AccessibleComponent[T], fn func(span []T)) {
	c.Initialize()
	defer c.Reset()

	want := reflect.TypeFor[T]()
	for _, arche := range c.matched {
		tbl := arche.Table()
		if !ac.Accessor.Check(tbl) {
			continue
		}
		n := tbl.Length()
		if n == 0 {
			continue
		}
		var col []T
		for _, row := range tbl.Rows() {
			if row.Type().Elem() == want {
				col = reflect.Value(row).Interface().([]T)
				break
			}
		}
		if col == nil || len(col) < n {
			continue
		}
		col = col[:n]
		for lo := 0; lo < n; lo += simdBatch {
			hi := lo + simdBatch
			if hi > n {
				hi = n
			}
			fn(col[lo:hi])
		}
	}
}

// Collect gathers every matching Handle into a slice.
func (c *Cursor) Collect() []Handle {
	out := make([]Handle, 0, c.Count())
	c.ForEach(func(h Handle) { out = append(out, h) })
	return out
}

// Count returns the number of entities the query matches without
// yielding them.
func (c *Cursor) Count() int {
	if c.filter != nil {
		total := 0
		c.ForEach(func(Handle) { total++ })
		return total
	}
	c.Initialize()
	total := 0
	for _, arche := range c.matched {
		total += arche.Table().Length()
	}
	c.Reset()
	return total
}
