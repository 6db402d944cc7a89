package ecs

import "sync"

// generationBits bounds the width of Handle.Generation's wire-stable
// representation; once a slot's generation would wrap past this, the
// slot is retired rather than recycled, so an ambiguous {index,
// generation} pair is never handed out.
const generationBits = 32

// EntityRegistry allocates entity identities with generational validity.
// A dense generations slice plus a free-list stack of indices, guarded by
// a mutex so creation and destruction are short critical sections (the
// only concurrency guarantee the core makes over entity identity).
type EntityRegistry struct {
	mu          sync.Mutex
	generations []uint32
	retired     []bool
	free        []uint32
	live        int
	threadSafe  bool
}

// NewEntityRegistry constructs an empty registry. When threadSafe is
// false the registry's internal mutex is never acquired; the caller
// asserts single-threaded access (FeatureFlags.ThreadSafety).
func NewEntityRegistry(threadSafe bool) *EntityRegistry {
	return &EntityRegistry{threadSafe: threadSafe}
}

func (r *EntityRegistry) lock() {
	if r.threadSafe {
		r.mu.Lock()
	}
}

func (r *EntityRegistry) unlock() {
	if r.threadSafe {
		r.mu.Unlock()
	}
}

// Create returns a fresh valid handle, reusing a freed index with an
// incremented generation when one is available.
func (r *EntityRegistry) Create() Handle {
	r.lock()
	defer r.unlock()

	for len(r.free) > 0 {
		idx := r.free[len(r.free)-1]
		r.free = r.free[:len(r.free)-1]
		if r.retired[idx] {
			continue
		}
		r.live++
		return Handle{Index: idx, Generation: r.generations[idx]}
	}

	// A fresh index starts at generation 1 so no created handle equals Nil.
	idx := uint32(len(r.generations))
	r.generations = append(r.generations, 1)
	r.retired = append(r.retired, false)
	r.live++
	return Handle{Index: idx, Generation: 1}
}

// Destroy invalidates handle if it is currently valid, enqueues its index
// onto the free list, and bumps the generation. Destroying an
// already-invalid handle is a no-op and returns false.
func (r *EntityRegistry) Destroy(h Handle) bool {
	r.lock()
	defer r.unlock()

	if !r.isValidLocked(h) {
		return false
	}

	idx := h.Index
	r.live--
	if r.generations[idx] == ^uint32(0) {
		r.retired[idx] = true
		return true
	}
	r.generations[idx]++
	r.free = append(r.free, idx)
	return true
}

// IsValid reports whether h's generation still matches the registry's
// current generation for h.Index.
func (r *EntityRegistry) IsValid(h Handle) bool {
	r.lock()
	defer r.unlock()
	return r.isValidLocked(h)
}

func (r *EntityRegistry) isValidLocked(h Handle) bool {
	if int(h.Index) >= len(r.generations) {
		return false
	}
	if r.retired[h.Index] {
		return false
	}
	return r.generations[h.Index] == h.Generation
}

// ForceCreate installs a handle at an exact index/generation, growing
// the registry if needed. Used only by WorldSerializer when rebuilding
// a scratch registry from a saved file, so reloaded entities keep the
// identities they were saved with instead of being renumbered.
func (r *EntityRegistry) ForceCreate(index, generation uint32) Handle {
	r.lock()
	defer r.unlock()

	need := int(index) + 1
	for len(r.generations) < need {
		r.generations = append(r.generations, 0)
		r.retired = append(r.retired, false)
	}
	r.generations[index] = generation
	r.retired[index] = false
	r.live++
	return Handle{Index: index, Generation: generation}
}

// LiveCount returns the number of currently valid entities.
func (r *EntityRegistry) LiveCount() int {
	r.lock()
	defer r.unlock()
	return r.live
}

// Capacity returns the number of index slots ever allocated, live or
// freed, including retired ones. Useful for verifying that tight
// create/destroy loops reuse slots instead of growing without bound.
func (r *EntityRegistry) Capacity() int {
	r.lock()
	defer r.unlock()
	return len(r.generations)
}
