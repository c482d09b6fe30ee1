// Package ndarray provides the catalog's typed n-dimensional array type.
// Arrays hold their values in plain Go slices and expose themselves,
// through an arrow/memory.Allocator, either as a 1-D Arrow array
// (scalar/time-coord columns) or an arrow/tensor tensor (rank >= 2
// columns), matching the
// dims/shape metadata the Column Materializer attaches to every column.
package ndarray

import (
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/apache/arrow-go/v18/arrow/tensor"
)

// Dtype is one of the element types the materializer resolves a column
// to (spec.md §4.4 dtype resolution rule chain).
type Dtype string

const (
	Float64 Dtype = "float64"
	Int64   Dtype = "int64"
	Bool    Dtype = "bool"
	String  Dtype = "string" // variable-length Go strings; no fixed width is recorded
)

// Array is a dense n-dimensional array of a single Dtype, row-major, with
// an explicit Shape and Dims label set.
type Array struct {
	Dtype Dtype
	Shape []int64
	Dims  []string

	pool    memory.Allocator
	f64     []float64
	i64     []int64
	boolean []bool
	str     []string
}

// NewArray allocates a zero-valued array of the given dtype and shape.
// Values of every dtype live in plain Go slices; pool is kept only for
// building the Arrow array and tensor views (nil means a Go allocator).
func NewArray(pool memory.Allocator, dtype Dtype, shape []int64, dims []string) (*Array, error) {
	n := product(shape)
	a := &Array{Dtype: dtype, Shape: shape, Dims: dims, pool: pool}

	switch dtype {
	case Float64:
		a.f64 = make([]float64, n)
	case Int64:
		a.i64 = make([]int64, n)
	case Bool:
		a.boolean = make([]bool, n)
	case String:
		a.str = make([]string, n)
	default:
		return nil, fmt.Errorf("ndarray: unsupported dtype %q", dtype)
	}
	return a, nil
}

func product(shape []int64) int64 {
	n := int64(1)
	for _, s := range shape {
		n *= s
	}
	if len(shape) == 0 {
		return 0
	}
	return n
}

// SetFloat64 sets the value at flat index i (row-major).
func (a *Array) SetFloat64(i int64, v float64) { a.f64[i] = v }

// SetInt64 sets the value at flat index i (row-major).
func (a *Array) SetInt64(i int64, v int64) { a.i64[i] = v }

// SetBool sets the value at flat index i (row-major).
func (a *Array) SetBool(i int64, v bool) { a.boolean[i] = v }

// SetString sets the value at flat index i (row-major).
func (a *Array) SetString(i int64, v string) { a.str[i] = v }

// Float64At returns the value at flat index i.
func (a *Array) Float64At(i int64) float64 { return a.f64[i] }

// Int64At returns the value at flat index i.
func (a *Array) Int64At(i int64) int64 { return a.i64[i] }

// BoolAt returns the value at flat index i.
func (a *Array) BoolAt(i int64) bool { return a.boolean[i] }

// StringAt returns the value at flat index i.
func (a *Array) StringAt(i int64) string { return a.str[i] }

// Len returns the total element count (product of Shape).
func (a *Array) Len() int64 { return product(a.Shape) }

// ToArrowArray builds a 1-D arrow array.Interface view of a, for rank-1
// columns (scalars, time coordinates). It panics if a's rank is not 1;
// callers should use ToTensor for higher rank.
func (a *Array) ToArrowArray() arrow.Array {
	if len(a.Shape) != 1 {
		panic(fmt.Sprintf("ndarray: ToArrowArray requires rank 1, got rank %d", len(a.Shape)))
	}
	pool := a.pool
	if pool == nil {
		pool = memory.NewGoAllocator()
	}

	switch a.Dtype {
	case Float64:
		b := array.NewFloat64Builder(pool)
		defer b.Release()
		b.AppendValues(a.f64, nil)
		return b.NewArray()
	case Int64:
		b := array.NewInt64Builder(pool)
		defer b.Release()
		b.AppendValues(a.i64, nil)
		return b.NewArray()
	case Bool:
		b := array.NewBooleanBuilder(pool)
		defer b.Release()
		b.AppendValues(a.boolean, nil)
		return b.NewArray()
	case String:
		b := array.NewStringBuilder(pool)
		defer b.Release()
		b.AppendValues(a.str, nil)
		return b.NewArray()
	default:
		panic(fmt.Sprintf("ndarray: unsupported dtype %q", a.Dtype))
	}
}

// ToTensor builds an arrow/tensor view of a for rank >= 2 columns,
// carrying a's Shape and Dims as the tensor's dimensions and names.
// String and bool dtypes have no tensor analog in arrow-go and return an
// error; the materializer never requests one (those dtypes are always
// rank <= 1 in this domain).
func (a *Array) ToTensor() (tensor.Interface, error) {
	if len(a.Shape) < 2 {
		return nil, fmt.Errorf("ndarray: ToTensor requires rank >= 2, got rank %d", len(a.Shape))
	}
	pool := a.pool
	if pool == nil {
		pool = memory.NewGoAllocator()
	}

	switch a.Dtype {
	case Float64:
		b := array.NewFloat64Builder(pool)
		defer b.Release()
		b.AppendValues(a.f64, nil)
		arr := b.NewFloat64Array()
		defer arr.Release()
		return tensor.NewFloat64(arr.Data(), a.Shape, nil, a.Dims), nil
	case Int64:
		b := array.NewInt64Builder(pool)
		defer b.Release()
		b.AppendValues(a.i64, nil)
		arr := b.NewInt64Array()
		defer arr.Release()
		return tensor.NewInt64(arr.Data(), a.Shape, nil, a.Dims), nil
	default:
		return nil, fmt.Errorf("ndarray: dtype %q has no tensor representation", a.Dtype)
	}
}
