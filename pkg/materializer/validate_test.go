package materializer

import (
	"testing"

	"github.com/opensci/runcat/pkg/ndarray"
)

func float64Array(t *testing.T, values []float64, shape []int64) *ndarray.Array {
	t.Helper()
	arr, err := ndarray.NewArray(nil, ndarray.Float64, shape, nil)
	if err != nil {
		t.Fatalf("NewArray: %v", err)
	}
	for i, v := range values {
		arr.SetFloat64(int64(i), v)
	}
	return arr
}

func TestValidateShapeExactMatchIsUnchanged(t *testing.T) {
	arr := float64Array(t, []float64{1, 2, 3}, []int64{3})
	got, err := ValidateShape("x", arr, []int64{3})
	if err != nil {
		t.Fatalf("ValidateShape: %v", err)
	}
	if got.Shape[0] != 3 {
		t.Fatalf("got shape %v", got.Shape)
	}
}

func TestValidateShapePadsShortfallByReplicatingTrailingEdge(t *testing.T) {
	arr := float64Array(t, []float64{1, 2}, []int64{2})
	got, err := ValidateShape("x", arr, []int64{4})
	if err != nil {
		t.Fatalf("ValidateShape: %v", err)
	}
	if got.Shape[0] != 4 {
		t.Fatalf("got shape %v, want [4]", got.Shape)
	}
	want := []float64{1, 2, 2, 2}
	for i, w := range want {
		if got.Float64At(int64(i)) != w {
			t.Fatalf("index %d: got %v, want %v", i, got.Float64At(int64(i)), w)
		}
	}
}

func TestValidateShapeTrimsOverrun(t *testing.T) {
	arr := float64Array(t, []float64{1, 2, 3, 4, 5}, []int64{5})
	got, err := ValidateShape("x", arr, []int64{3})
	if err != nil {
		t.Fatalf("ValidateShape: %v", err)
	}
	if got.Shape[0] != 3 {
		t.Fatalf("got shape %v, want [3]", got.Shape)
	}
	for i, w := range []float64{1, 2, 3} {
		if got.Float64At(int64(i)) != w {
			t.Fatalf("index %d: got %v, want %v", i, got.Float64At(int64(i)), w)
		}
	}
}

func TestValidateShapeRejectsDeficitBeyondTolerance(t *testing.T) {
	arr := float64Array(t, []float64{1}, []int64{1})
	_, err := ValidateShape("x", arr, []int64{10})
	if err == nil {
		t.Fatal("expected BadShapeMetadata for a deficit beyond tolerance")
	}
}

func TestValidateShapeRejectsRankMismatch(t *testing.T) {
	arr := float64Array(t, []float64{1, 2, 3, 4}, []int64{4})
	_, err := ValidateShape("x", arr, []int64{2, 2})
	if err == nil {
		t.Fatal("expected an error for a rank mismatch")
	}
}

// TestValidateShapePads2DDeficitOnLeadingAxis is spec.md §8 scenario S4
// literally: declared (5,5), actual (4,5). Trailing-edge replication
// produces (5,5) without raising BadShapeMetadata.
func TestValidateShapePads2DDeficitOnLeadingAxis(t *testing.T) {
	arr := float64Array(t, []float64{
		0, 1, 2, 3, 4,
		5, 6, 7, 8, 9,
		10, 11, 12, 13, 14,
		15, 16, 17, 18, 19,
	}, []int64{4, 5})

	got, err := ValidateShape("x", arr, []int64{5, 5})
	if err != nil {
		t.Fatalf("ValidateShape: %v", err)
	}
	if got.Shape[0] != 5 || got.Shape[1] != 5 {
		t.Fatalf("got shape %v, want [5 5]", got.Shape)
	}
	want := []float64{
		0, 1, 2, 3, 4,
		5, 6, 7, 8, 9,
		10, 11, 12, 13, 14,
		15, 16, 17, 18, 19,
		15, 16, 17, 18, 19, // replicated last row
	}
	for i, w := range want {
		if got.Float64At(int64(i)) != w {
			t.Fatalf("index %d: got %v, want %v", i, got.Float64At(int64(i)), w)
		}
	}
}

// TestValidateShapeRejects2DDeficitBeyondTolerance is the reject half of
// S4: declared (10,10), actual (5,5) raises.
func TestValidateShapeRejects2DDeficitBeyondTolerance(t *testing.T) {
	values := make([]float64, 25)
	for i := range values {
		values[i] = float64(i)
	}
	arr := float64Array(t, values, []int64{5, 5})

	_, err := ValidateShape("x", arr, []int64{10, 10})
	if err == nil {
		t.Fatal("expected BadShapeMetadata for a 2-D deficit beyond tolerance")
	}
}

// TestValidateShapePadsDeficitOnNonLeadingAxis covers a deficit on the
// second axis, not the leading one: declared (5,5), actual (5,4). Every
// row is independently padded by replicating its own last column, since
// the pad/trim rule in spec.md §4.4 applies per axis, not only to axis 0.
func TestValidateShapePadsDeficitOnNonLeadingAxis(t *testing.T) {
	arr := float64Array(t, []float64{
		0, 1, 2, 3,
		4, 5, 6, 7,
		8, 9, 10, 11,
		12, 13, 14, 15,
		16, 17, 18, 19,
	}, []int64{5, 4})

	got, err := ValidateShape("x", arr, []int64{5, 5})
	if err != nil {
		t.Fatalf("ValidateShape: %v", err)
	}
	if got.Shape[0] != 5 || got.Shape[1] != 5 {
		t.Fatalf("got shape %v, want [5 5]", got.Shape)
	}
	want := []float64{
		0, 1, 2, 3, 3,
		4, 5, 6, 7, 7,
		8, 9, 10, 11, 11,
		12, 13, 14, 15, 15,
		16, 17, 18, 19, 19,
	}
	for i, w := range want {
		if got.Float64At(int64(i)) != w {
			t.Fatalf("index %d: got %v, want %v", i, got.Float64At(int64(i)), w)
		}
	}
}
