// Package tensor holds the fixed-shape tensor contract shared by every
// inference backend: element types, NHWC shapes and the reusable byte buffers
// that carry pixels into and out of a session.
package tensor

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// DType is the element type of a tensor.
type DType int

const (
	Float32 DType = iota
	Uint8
	Int8
)

func (d DType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Uint8:
		return "uint8"
	case Int8:
		return "int8"
	default:
		return fmt.Sprintf("dtype(%d)", int(d))
	}
}

// BytesPerElement returns the storage size of one element.
func (d DType) BytesPerElement() int {
	if d == Float32 {
		return 4
	}
	return 1
}

// ParseDType accepts the names returned by String (case-insensitive).
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "float32", "fp32", "float":
		return Float32, nil
	case "uint8", "u8":
		return Uint8, nil
	case "int8", "i8":
		return Int8, nil
	}
	return 0, fmt.Errorf("unsupported dtype %q", s)
}

// MarshalText lets DType appear as a string in JSON/YAML/TOML.
func (d DType) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText is the inverse of MarshalText.
func (d *DType) UnmarshalText(b []byte) error {
	v, err := ParseDType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Shape is an NHWC (or HWC) tensor shape.
type Shape []int

// Elements returns the product of all dimensions.
func (s Shape) Elements() int {
	if len(s) == 0 {
		return 0
	}
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

// Batch returns the leading batch dimension, or 1 for HWC shapes.
func (s Shape) Batch() int {
	if len(s) == 4 {
		return s[0]
	}
	return 1
}

func (s Shape) Height() int { return s.dim(0) }

func (s Shape) Width() int { return s.dim(1) }

func (s Shape) Channels() int { return s.dim(2) }

// dim indexes the spatial dims independent of a leading batch dimension.
func (s Shape) dim(i int) int {
	off := 0
	if len(s) == 4 {
		off = 1
	}
	if len(s) < 3 || off+i >= len(s) {
		return 0
	}
	return s[off+i]
}

// Equal reports whether two shapes have identical dimensions.
func (s Shape) Equal(o Shape) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if s[i] != o[i] {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, len(s))
	for i, d := range s {
		parts[i] = fmt.Sprint(d)
	}
	return "[" + strings.Join(parts, "x") + "]"
}

// Validate checks that s is a usable image tensor shape.
func (s Shape) Validate() error {
	if len(s) != 3 && len(s) != 4 {
		return fmt.Errorf("shape %s: want HWC or NHWC", s)
	}
	for _, d := range s {
		if d <= 0 {
			return fmt.Errorf("shape %s: non-positive dimension", s)
		}
	}
	if c := s.Channels(); c != 3 && c != 4 {
		return fmt.Errorf("shape %s: %d channels unsupported", s, c)
	}
	return nil
}

// Info describes one tensor of a session.
type Info struct {
	Shape Shape
	DType DType
}

// ByteSize is the exact capacity a buffer for this tensor must have.
func (i Info) ByteSize() int { return i.Shape.Elements() * i.DType.BytesPerElement() }

func (i Info) String() string { return i.Shape.String() + " " + i.DType.String() }

// Buffer is a reusable tensor buffer. Its capacity always equals
// elements × bytesPerElement(dtype) of the Info it was created for.
type Buffer struct {
	info Info
	data []byte
}

// NewBuffer allocates a zeroed buffer for info.
func NewBuffer(info Info) *Buffer {
	shape := append(Shape(nil), info.Shape...)
	return &Buffer{info: Info{Shape: shape, DType: info.DType}, data: make([]byte, info.ByteSize())}
}

func (b *Buffer) Info() Info { return b.info }

func (b *Buffer) Cap() int { return len(b.data) }

// Bytes exposes the raw storage. Callers must not retain it past the
// lifetime of the owning backend.
func (b *Buffer) Bytes() []byte { return b.data }

// Matches reports whether b can be reused for info without reallocation.
func (b *Buffer) Matches(info Info) bool {
	return b != nil && b.info.DType == info.DType && b.info.Shape.Equal(info.Shape) && len(b.data) == info.ByteSize()
}

// Zero clears the buffer contents.
func (b *Buffer) Zero() {
	clear(b.data)
}

// Float32s copies the buffer out as float32 values. Only valid for Float32.
func (b *Buffer) Float32s() []float32 {
	out := make([]float32, len(b.data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b.data[i*4:]))
	}
	return out
}

// SetFloat32s copies v into the buffer. len(v) must equal the element count.
func (b *Buffer) SetFloat32s(v []float32) error {
	if len(v)*4 != len(b.data) {
		return fmt.Errorf("set float32s: %d values for %d bytes", len(v), len(b.data))
	}
	for i, f := range v {
		binary.LittleEndian.PutUint32(b.data[i*4:], math.Float32bits(f))
	}
	return nil
}

func (b *Buffer) float32At(i int) float32 {
	return math.Float32frombits(binary.LittleEndian.Uint32(b.data[i*4:]))
}

func (b *Buffer) setFloat32At(i int, v float32) {
	binary.LittleEndian.PutUint32(b.data[i*4:], math.Float32bits(v))
}
