package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/x448/float16"
)

// DType identifies the element type of a Tensor using numpy-style names,
// which is what the wire format and the block metadata use.
type DType string

const (
	Int32   DType = "int32"
	Int64   DType = "int64"
	Float16 DType = "float16"
	Float32 DType = "float32"
)

// ItemSize returns the byte width of one element, or 0 for unknown dtypes.
func (d DType) ItemSize() int {
	switch d {
	case Int32, Float32:
		return 4
	case Int64:
		return 8
	case Float16:
		return 2
	}
	return 0
}

// Valid reports whether the dtype is one of the supported element types.
func (d DType) Valid() bool {
	return d.ItemSize() != 0
}

// Tensor is a dense, little-endian, host-memory tensor. Shape may be empty
// (0-d scalar) and any dimension may be zero.
type Tensor struct {
	DType DType
	Shape []int
	Data  []byte
}

// NumElems returns the element count implied by a shape. An empty shape is
// a 0-d scalar holding one element.
func NumElems(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// New allocates a zero-filled tensor.
func New(dtype DType, shape ...int) *Tensor {
	return &Tensor{
		DType: dtype,
		Shape: append([]int(nil), shape...),
		Data:  make([]byte, NumElems(shape)*dtype.ItemSize()),
	}
}

// Elems returns the number of elements in the tensor.
func (t *Tensor) Elems() int {
	return NumElems(t.Shape)
}

// Dim returns the size of dimension i, or 0 if out of range.
func (t *Tensor) Dim(i int) int {
	if i < 0 || i >= len(t.Shape) {
		return 0
	}
	return t.Shape[i]
}

// Validate checks that the byte buffer matches shape * itemsize.
func (t *Tensor) Validate() error {
	if !t.DType.Valid() {
		return fmt.Errorf("unsupported dtype %q", t.DType)
	}
	want := t.Elems() * t.DType.ItemSize()
	if len(t.Data) != want {
		return fmt.Errorf("data length %d does not match shape %v x %s (%d bytes)",
			len(t.Data), t.Shape, t.DType, want)
	}
	return nil
}

// FromFloat32 builds a float32 tensor from values in row-major order.
func FromFloat32(shape []int, vals []float32) *Tensor {
	t := New(Float32, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(v))
	}
	return t
}

// FromFloat16 builds a float16 tensor from float32 values, converting with
// IEEE 754 round-to-nearest-even semantics.
func FromFloat16(shape []int, vals []float32) *Tensor {
	t := New(Float16, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint16(t.Data[i*2:], float16.Fromfloat32(v).Bits())
	}
	return t
}

// FromInt64 builds an int64 tensor.
func FromInt64(shape []int, vals []int64) *Tensor {
	t := New(Int64, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint64(t.Data[i*8:], uint64(v))
	}
	return t
}

// FromInt32 builds an int32 tensor.
func FromInt32(shape []int, vals []int32) *Tensor {
	t := New(Int32, shape...)
	for i, v := range vals {
		binary.LittleEndian.PutUint32(t.Data[i*4:], uint32(v))
	}
	return t
}

// Float32s decodes the tensor's elements to float32. Integer dtypes are
// widened, float16 goes through x448 conversion.
func (t *Tensor) Float32s() []float32 {
	n := t.Elems()
	out := make([]float32, n)
	switch t.DType {
	case Float32:
		for i := 0; i < n; i++ {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case Float16:
		for i := 0; i < n; i++ {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
	case Int32:
		for i := 0; i < n; i++ {
			out[i] = float32(int32(binary.LittleEndian.Uint32(t.Data[i*4:])))
		}
	case Int64:
		for i := 0; i < n; i++ {
			out[i] = float32(int64(binary.LittleEndian.Uint64(t.Data[i*8:])))
		}
	}
	return out
}

// Int64s decodes an int64 tensor's elements.
func (t *Tensor) Int64s() []int64 {
	n := t.Elems()
	out := make([]int64, n)
	if t.DType != Int64 {
		return out
	}
	for i := 0; i < n; i++ {
		out[i] = int64(binary.LittleEndian.Uint64(t.Data[i*8:]))
	}
	return out
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := &Tensor{
		DType: t.DType,
		Shape: append([]int(nil), t.Shape...),
		Data:  append([]byte(nil), t.Data...),
	}
	return c
}

// ConcatSeq concatenates two tensors along the sequence axis (dim 2 of a
// [batch, heads, seq, head_dim] layout). Shapes must agree on every other
// dimension and on dtype. Used by the KV cache to stitch pages together.
func ConcatSeq(a, b *Tensor) (*Tensor, error) {
	if a.DType != b.DType {
		return nil, fmt.Errorf("dtype mismatch: %s vs %s", a.DType, b.DType)
	}
	if len(a.Shape) != 4 || len(b.Shape) != 4 {
		return nil, fmt.Errorf("concat expects rank-4 tensors, got %v and %v", a.Shape, b.Shape)
	}
	for _, i := range []int{0, 1, 3} {
		if a.Shape[i] != b.Shape[i] {
			return nil, fmt.Errorf("shape mismatch on dim %d: %v vs %v", i, a.Shape, b.Shape)
		}
	}
	if a.Shape[2] == 0 {
		return b.Clone(), nil
	}
	if b.Shape[2] == 0 {
		return a.Clone(), nil
	}
	shape := []int{a.Shape[0], a.Shape[1], a.Shape[2] + b.Shape[2], a.Shape[3]}
	out := New(a.DType, shape...)

	item := a.DType.ItemSize()
	rowA := a.Shape[2] * a.Shape[3] * item
	rowB := b.Shape[2] * b.Shape[3] * item
	rowOut := rowA + rowB
	groups := a.Shape[0] * a.Shape[1]
	for g := 0; g < groups; g++ {
		copy(out.Data[g*rowOut:], a.Data[g*rowA:(g+1)*rowA])
		copy(out.Data[g*rowOut+rowA:], b.Data[g*rowB:(g+1)*rowB])
	}
	return out, nil
}

// SliceSeq returns the [from:to) range of the sequence axis (dim 2) of a
// rank-4 tensor.
func SliceSeq(t *Tensor, from, to int) (*Tensor, error) {
	if len(t.Shape) != 4 {
		return nil, fmt.Errorf("slice expects rank-4 tensor, got %v", t.Shape)
	}
	if from < 0 || to > t.Shape[2] || from > to {
		return nil, fmt.Errorf("slice range [%d:%d) out of bounds for seq len %d", from, to, t.Shape[2])
	}
	shape := []int{t.Shape[0], t.Shape[1], to - from, t.Shape[3]}
	out := New(t.DType, shape...)

	item := t.DType.ItemSize()
	rowIn := t.Shape[2] * t.Shape[3] * item
	rowOut := (to - from) * t.Shape[3] * item
	off := from * t.Shape[3] * item
	groups := t.Shape[0] * t.Shape[1]
	for g := 0; g < groups; g++ {
		copy(out.Data[g*rowOut:], t.Data[g*rowIn+off:g*rowIn+off+rowOut])
	}
	return out, nil
}
