package ecs

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Position, Velocity, and Health are the component types shared across
// this package's test files. Each implements BinaryMarshaler and
// TextMarshaler so they can round-trip through both world-file formats
// in serializer_test.go and world_test.go.

type Position struct {
	X, Y float64
}

func (p Position) MarshalBinaryInto(buf []byte) []byte {
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[0:8], math.Float64bits(p.X))
	binary.LittleEndian.PutUint64(tmp[8:16], math.Float64bits(p.Y))
	return append(buf, tmp[:]...)
}

func (p *Position) UnmarshalBinary(buf []byte) error {
	if len(buf) < 16 {
		return fmt.Errorf("Position: short buffer")
	}
	p.X = math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8]))
	p.Y = math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))
	return nil
}

func (p Position) MarshalText() (string, error) {
	return fmt.Sprintf("%g,%g", p.X, p.Y), nil
}

func (p *Position) UnmarshalText(s string) error {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return fmt.Errorf("Position: malformed text %q", s)
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return err
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return err
	}
	p.X, p.Y = x, y
	return nil
}

type Velocity struct {
	X, Y float64
}

func (v Velocity) MarshalBinaryInto(buf []byte) []byte {
	var tmp [16]byte
	binary.LittleEndian.PutUint64(tmp[0:8], math.Float64bits(v.X))
	binary.LittleEndian.PutUint64(tmp[8:16], math.Float64bits(v.Y))
	return append(buf, tmp[:]...)
}

func (v *Velocity) UnmarshalBinary(buf []byte) error {
	if len(buf) < 16 {
		return fmt.Errorf("Velocity: short buffer")
	}
	v.X = math.Float64frombits(binary.LittleEndian.Uint64(buf[0:8]))
	v.Y = math.Float64frombits(binary.LittleEndian.Uint64(buf[8:16]))
	return nil
}

func (v Velocity) MarshalText() (string, error) {
	return fmt.Sprintf("%g,%g", v.X, v.Y), nil
}

func (v *Velocity) UnmarshalText(s string) error {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return fmt.Errorf("Velocity: malformed text %q", s)
	}
	x, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return err
	}
	y, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return err
	}
	v.X, v.Y = x, y
	return nil
}

type Health struct {
	Current, Max int32
}

func (h Health) MarshalBinaryInto(buf []byte) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[0:4], uint32(h.Current))
	binary.LittleEndian.PutUint32(tmp[4:8], uint32(h.Max))
	return append(buf, tmp[:]...)
}

func (h *Health) UnmarshalBinary(buf []byte) error {
	if len(buf) < 8 {
		return fmt.Errorf("Health: short buffer")
	}
	h.Current = int32(binary.LittleEndian.Uint32(buf[0:4]))
	h.Max = int32(binary.LittleEndian.Uint32(buf[4:8]))
	return nil
}

func (h Health) MarshalText() (string, error) {
	return fmt.Sprintf("%d,%d", h.Current, h.Max), nil
}

func (h *Health) UnmarshalText(s string) error {
	parts := strings.SplitN(s, ",", 2)
	if len(parts) != 2 {
		return fmt.Errorf("Health: malformed text %q", s)
	}
	cur, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return err
	}
	max, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return err
	}
	h.Current, h.Max = int32(cur), int32(max)
	return nil
}

// Name is a text-only component: no BinaryMarshaler, to exercise
// SerializerOptions.SkipUnboundComponents in the binary format.
type Name struct {
	Value string
}

func (n Name) MarshalText() (string, error) {
	return n.Value, nil
}

func (n *Name) UnmarshalText(s string) error {
	n.Value = s
	return nil
}
