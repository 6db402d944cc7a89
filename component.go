package ecs

import (
	"github.com/TheBitDrifter/table"
)

// Component represents a data attribute that can be attached to entities.
// It is backed by table.ElementType, which supplies the dense numeric id
// every component set (archetype mask) is built from.
type Component interface {
	table.ElementType
}

// BinaryMarshaler is implemented by a component value that wants a
// binary wire representation in world files. A component type whose
// values don't implement it is skipped by the binary format (or fails
// the save, per SerializerOptions.SkipUnboundComponents) rather than
// being copied by raw struct layout, which would not survive a
// recompile with different field ordering or padding.
type BinaryMarshaler interface {
	MarshalBinaryInto(buf []byte) []byte
	UnmarshalBinary(buf []byte) error
}

// TextMarshaler is implemented by a component value that wants a custom
// textual wire representation for the text world-file format.
type TextMarshaler interface {
	MarshalText() (string, error)
	UnmarshalText(string) error
}
