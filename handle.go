package ecs

import "fmt"

// Handle is an opaque entity identity: a dense index plus the generation
// it was allocated with. A handle is valid only while the registry's
// current generation for Index matches Generation.
type Handle struct {
	Index      uint32
	Generation uint32
}

// Nil is the zero handle; no entity created by a Registry ever equals it.
var Nil = Handle{}

func (h Handle) String() string {
	return fmt.Sprintf("Handle(%d#%d)", h.Index, h.Generation)
}

// IsNil reports whether h is the zero handle.
func (h Handle) IsNil() bool {
	return h == Nil
}

// Region is an opaque tuple of integer coordinates attached to an entity
// at creation time. The core never interprets it; it exists purely so
// spatial-partitioning layers above the core can tag entities without the
// core needing to know what "region" means.
type Region struct {
	X, Y, Z int32
}
