// Package materializer is the Column Materializer: builds a dataset
// schema from a representative event descriptor, executes the
// seq_num-bounded extraction plan, validates/coerces to the declared
// element type, and stacks per-event results into typed arrays.
package materializer

import (
	"fmt"

	"github.com/opensci/runcat/pkg/chunker"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// SubDict selects which per-event sub-dict a Materializer reads from:
// the data values themselves, or their per-column hardware timestamps.
type SubDict string

const (
	SubDictData       SubDict = "data"
	SubDictTimestamps SubDict = "timestamps"
)

// ColumnAttrs carries the attribute propagation spec.md §4.4 requires:
// the producing device and, when present, a units string.
type ColumnAttrs struct {
	Object      string
	UnitsString string
}

// ColumnSchema is one column's materialized schema.
type ColumnSchema struct {
	Dims   []string
	Shape  []int64
	Dtype  ndarray.Dtype
	Chunks [][]int64
	Attrs  ColumnAttrs
}

// Schema is a full dataset schema: the time coordinate plus every data
// column, keyed by column name.
type Schema struct {
	TimeShape []int64
	Columns   map[string]ColumnSchema
}

// BuildSchema constructs a Schema from a representative descriptor for
// sub, per spec.md §4.4. cutoffSeqNum is 1 + max(seq_num); since seq_num
// ranges over [0, cutoffSeqNum), that is also the dataset length L.
func BuildSchema(descriptor model.EventDescriptor, sub SubDict, cutoffSeqNum int64, chunkByteLimit int64, areaDetectorFramesPerChunk int64, widestString func(column string) (int, error)) (*Schema, error) {
	L := cutoffSeqNum
	if L < 0 {
		L = 0
	}

	schema := &Schema{
		TimeShape: []int64{L},
		Columns:   make(map[string]ColumnSchema, len(descriptor.DataKeys)),
	}

	axisCounter := 0
	reverseObject := reverseObjectKeys(descriptor.ObjectKeys)

	for name, dk := range descriptor.DataKeys {
		dims := []string{"time"}
		if len(dk.Dims) > 0 {
			dims = append(dims, dk.Dims...)
		} else {
			for range dk.Shape {
				dims = append(dims, fmt.Sprintf("dim_%d", axisCounter))
				axisCounter++
			}
		}

		var shape []int64
		if sub == SubDictData {
			shape = append([]int64{L}, dk.Shape...)
		} else {
			shape = []int64{L}
		}

		dtype, err := resolveDtype(name, dk, widestString)
		if err != nil {
			return nil, err
		}

		itemsize := itemsizeFor(dtype)
		chunkShape := dk.Shape
		if sub != SubDictData {
			chunkShape = nil
		}
		fullShape := append([]int64{L}, chunkShape...)

		var suggestion []chunker.AxisSuggestion
		if sub == SubDictData && len(dk.Chunks) > 0 {
			suggestion, err = axisSuggestionFromChunks(dk.Chunks, fullShape)
			if err != nil {
				return nil, rcerrors.Wrap(err, rcerrors.KindBadShapeMetadata, "invalid chunks metadata").WithColumn(name)
			}
		}

		chunks, err := chunker.Plan(fullShape, itemsize, chunkByteLimit, suggestion, areaDetectorFramesPerChunk)
		if err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindBadShapeMetadata, "chunk planning failed").WithColumn(name)
		}

		schema.Columns[name] = ColumnSchema{
			Dims: dims, Shape: shape, Dtype: dtype, Chunks: chunks,
			Attrs: ColumnAttrs{Object: reverseObject[name], UnitsString: dk.Units},
		}
	}

	return schema, nil
}

func reverseObjectKeys(objectKeys map[string][]string) map[string]string {
	out := map[string]string{}
	for object, columns := range objectKeys {
		for _, col := range columns {
			out[col] = object
		}
	}
	return out
}

// resolveDtype implements spec.md §4.4's dtype resolution rule chain:
// structured dtype_descr, then explicit dtype_str, then the fallback
// map. Only rank-1 structured dtypes are supported.
func resolveDtype(column string, dk model.DataKeyDescriptor, widestString func(string) (int, error)) (ndarray.Dtype, error) {
	if len(dk.DtypeDescr) > 0 {
		if len(dk.Shape) > 1 {
			return "", rcerrors.New(rcerrors.KindUnsupportedDtype, "structured dtype with rank > 1 is unsupported").WithColumn(column)
		}
		return ndarray.Float64, nil // structured fields materialize as a float64 record view in this domain
	}

	if dk.DtypeStr != "" {
		return dtypeFromNumpyStr(dk.DtypeStr), nil
	}

	switch dk.Dtype {
	case "boolean":
		return ndarray.Bool, nil
	case "number":
		return ndarray.Float64, nil
	case "integer":
		return ndarray.Int64, nil
	case "string":
		if widestString != nil {
			if _, err := widestString(column); err != nil {
				return "", err
			}
		}
		return ndarray.String, nil
	case "array":
		return ndarray.Float64, nil
	default:
		return "", rcerrors.New(rcerrors.KindUnsupportedDtype, fmt.Sprintf("unrecognized dtype %q", dk.Dtype)).WithColumn(column)
	}
}

func dtypeFromNumpyStr(s string) ndarray.Dtype {
	switch {
	case len(s) >= 2 && s[len(s)-2:] == "f8":
		return ndarray.Float64
	case len(s) >= 2 && s[len(s)-2:] == "i8":
		return ndarray.Int64
	case len(s) >= 2 && s[:2] == "b1" || s == "?":
		return ndarray.Bool
	case len(s) > 0 && (s[0] == 'U' || (len(s) > 1 && s[1] == 'U')):
		return ndarray.String
	default:
		return ndarray.Float64
	}
}

func itemsizeFor(dtype ndarray.Dtype) int64 {
	switch dtype {
	case ndarray.Float64, ndarray.Int64:
		return 8
	case ndarray.Bool:
		return 1
	case ndarray.String:
		return 8 // conservative estimate for chunk planning; strings are stored as Go strings, not fixed-width
	default:
		return 8
	}
}

func axisSuggestionFromChunks(chunks []any, shape []int64) ([]chunker.AxisSuggestion, error) {
	if len(chunks) != len(shape) {
		return nil, fmt.Errorf("chunks has %d axes, shape has %d", len(chunks), len(shape))
	}
	out := make([]chunker.AxisSuggestion, len(chunks))
	for i, c := range chunks {
		switch v := c.(type) {
		case string:
			if v != "auto" {
				return nil, fmt.Errorf("axis %d: unrecognized chunk suggestion %q", i, v)
			}
			out[i] = chunker.Auto()
		case []int64:
			out[i] = chunker.Explicit(v...)
		case []int:
			blocks := make([]int64, len(v))
			for j, b := range v {
				blocks[j] = int64(b)
			}
			out[i] = chunker.Explicit(blocks...)
		default:
			return nil, fmt.Errorf("axis %d: unrecognized chunk suggestion type %T", i, c)
		}
	}
	return out, nil
}

// WidestStringWidth is a trivial helper handlers and tests can use to
// implement the widestString callback BuildSchema expects: the
// zero-width string fallback column's width is the widest element
// actually observed in its extracted values.
func WidestStringWidth(values []string) int {
	width := 0
	for _, v := range values {
		if len(v) > width {
			width = len(v)
		}
	}
	return width
}
