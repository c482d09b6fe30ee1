package materializer

import (
	"fmt"

	"github.com/opensci/runcat/pkg/ndarray"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// maxShapeDeficit is the largest per-axis extent difference, short or
// over, that ValidateShape will silently repair (padding by replicating
// the trailing edge, or trimming), per spec.md §4.4's pad/trim rule. A
// larger difference means the descriptor's declared shape and the
// actually-written data have diverged too far to trust.
const maxShapeDeficit = 2

// ValidateShape reconciles data's actual shape against expected,
// per-axis: an actual extent up to maxShapeDeficit short of expected is
// padded by replicating the trailing edge; an actual extent up to
// maxShapeDeficit over expected is trimmed; any axis short or over by
// more than maxShapeDeficit is rejected as BadShapeMetadata.
func ValidateShape(key string, data *ndarray.Array, expected []int64) (*ndarray.Array, error) {
	if len(data.Shape) != len(expected) {
		return nil, rcerrors.New(rcerrors.KindBadShapeMetadata,
			fmt.Sprintf("rank mismatch: data has rank %d, schema declares rank %d", len(data.Shape), len(expected))).
			WithColumn(key)
	}

	deficit := false
	needsResize := false
	for i, want := range expected {
		got := data.Shape[i]
		if got < want {
			if want-got > maxShapeDeficit {
				deficit = true
			}
			needsResize = true
		} else if got > want {
			if got-want > maxShapeDeficit {
				deficit = true
			}
			needsResize = true
		}
	}
	if deficit {
		return nil, rcerrors.New(rcerrors.KindBadShapeMetadata,
			"actual data shape differs from the declared schema shape by more than the tolerated amount").
			WithColumn(key).WithDetail("actual_shape", data.Shape).WithDetail("expected_shape", expected)
	}
	if !needsResize {
		return data, nil
	}

	return resizeByPaddingOrTrimming(key, data, expected)
}

// resizeByPaddingOrTrimming reconciles every axis independently, not
// just the leading one: spec.md §4.4's pad/trim/reject rule applies
// "for each axis", and a per-row array built from decoded BSON/JSON
// (pkg/materializer's setVector) can come up short or long on any axis,
// not only the leading one. For each output coordinate, the
// corresponding source coordinate on an over-long axis is taken
// directly (trimming is just not iterating past the declared extent);
// on a short axis it is clamped to the last available index (padding by
// replicating the trailing edge).
func resizeByPaddingOrTrimming(key string, data *ndarray.Array, expected []int64) (*ndarray.Array, error) {
	out, err := ndarray.NewArray(nil, data.Dtype, expected, data.Dims)
	if err != nil {
		return nil, err
	}

	srcStrides := computeStrides(data.Shape)
	dstStrides := computeStrides(expected)
	rank := len(expected)
	coord := make([]int64, rank)

	n := out.Len()
	for flat := int64(0); flat < n; flat++ {
		rem := flat
		for axis := 0; axis < rank; axis++ {
			coord[axis] = rem / dstStrides[axis]
			rem %= dstStrides[axis]
		}

		srcFlat := int64(0)
		for axis, want := range coord {
			src := want
			if last := data.Shape[axis] - 1; src > last {
				src = last
			}
			if src < 0 {
				src = 0
			}
			srcFlat += src * srcStrides[axis]
		}
		copyScalarAt(out, flat, data, srcFlat, data.Dtype)
	}

	return out, nil
}

// computeStrides returns the row-major flat-index stride for each axis
// of shape, so a flat offset can be decomposed into per-axis coordinates
// (and recomposed against a different shape's strides).
func computeStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	acc := int64(1)
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = acc
		acc *= shape[i]
	}
	return strides
}

func copyScalarAt(dst *ndarray.Array, dstIdx int64, src *ndarray.Array, srcIdx int64, dtype ndarray.Dtype) {
	switch dtype {
	case ndarray.Float64:
		dst.SetFloat64(dstIdx, src.Float64At(srcIdx))
	case ndarray.Int64:
		dst.SetInt64(dstIdx, src.Int64At(srcIdx))
	case ndarray.Bool:
		dst.SetBool(dstIdx, src.BoolAt(srcIdx))
	case ndarray.String:
		dst.SetString(dstIdx, src.StringAt(srcIdx))
	}
}
