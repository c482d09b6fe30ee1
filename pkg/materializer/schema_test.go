package materializer

import (
	"testing"

	"github.com/opensci/runcat/pkg/model"
)

func descriptorWithKey(name string, dk model.DataKeyDescriptor) model.EventDescriptor {
	return model.EventDescriptor{
		UID:      "d1",
		DataKeys: map[string]model.DataKeyDescriptor{name: dk},
	}
}

func TestBuildSchemaScalarNumberFallsBackToFloat64(t *testing.T) {
	desc := descriptorWithKey("temperature", model.DataKeyDescriptor{Dtype: "number"})
	schema, err := BuildSchema(desc, SubDictData, 10, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("BuildSchema: %v", err)
	}
	col := schema.Columns["temperature"]
	if col.Dtype != "float64" {
		t.Fatalf("got dtype %v, want float64", col.Dtype)
	}
	if len(col.Shape) != 1 || col.Shape[0] != 10 {
		t.Fatalf("got shape %v, want [10]", col.Shape)
	}
	if len(col.Dims) != 1 || col.Dims[0] != "time" {
		t.Fatalf("got dims %v, want [time]", col.Dims)
	}
}

func TestBuildSchemaExplicitDimsPropagate(t *testing.T) {
	desc := descriptorWithKey("image", model.DataKeyDescriptor{
		Dtype: "array", Shape: []int64{512, 512}, Dims: []string{"y", "x"},
	})
	schema, err := BuildSchema(desc, SubDictData, 5, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("BuildSchema: %v", err)
	}
	col := schema.Columns["image"]
	want := []string{"time", "y", "x"}
	if len(col.Dims) != len(want) {
		t.Fatalf("got dims %v, want %v", col.Dims, want)
	}
	for i := range want {
		if col.Dims[i] != want[i] {
			t.Fatalf("got dims %v, want %v", col.Dims, want)
		}
	}
}

func TestBuildSchemaAutoDimsNameUnlabeledAxis(t *testing.T) {
	desc := model.EventDescriptor{
		UID: "d1",
		DataKeys: map[string]model.DataKeyDescriptor{
			"a": {Dtype: "array", Shape: []int64{4}},
		},
	}
	schema, err := BuildSchema(desc, SubDictData, 3, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("BuildSchema: %v", err)
	}
	col := schema.Columns["a"]
	if len(col.Dims) != 2 || col.Dims[0] != "time" || col.Dims[1] != "dim_0" {
		t.Fatalf("got dims %v", col.Dims)
	}
}

func TestBuildSchemaTimestampsSubDictDropsTrailingShape(t *testing.T) {
	desc := descriptorWithKey("image", model.DataKeyDescriptor{
		Dtype: "array", Shape: []int64{512, 512},
	})
	schema, err := BuildSchema(desc, SubDictTimestamps, 5, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("BuildSchema: %v", err)
	}
	col := schema.Columns["image"]
	if len(col.Shape) != 1 || col.Shape[0] != 5 {
		t.Fatalf("got shape %v, want [5]", col.Shape)
	}
}

func TestBuildSchemaStructuredDtypeRankGreaterThanOneRejected(t *testing.T) {
	desc := descriptorWithKey("rec", model.DataKeyDescriptor{
		DtypeDescr: []model.StructuredField{{Name: "a", Dtype: "f8"}},
		Shape:      []int64{4, 4},
	})
	_, err := BuildSchema(desc, SubDictData, 3, 1<<20, 0, nil)
	if err == nil {
		t.Fatal("expected an error for rank > 1 structured dtype")
	}
}

func TestBuildSchemaUnrecognizedDtypeRejected(t *testing.T) {
	desc := descriptorWithKey("x", model.DataKeyDescriptor{Dtype: "mystery"})
	_, err := BuildSchema(desc, SubDictData, 3, 1<<20, 0, nil)
	if err == nil {
		t.Fatal("expected an error for an unrecognized dtype")
	}
}

func TestBuildSchemaObjectAttrsPropagateFromObjectKeys(t *testing.T) {
	desc := model.EventDescriptor{
		UID: "d1",
		DataKeys: map[string]model.DataKeyDescriptor{
			"det_temp": {Dtype: "number", Units: "K"},
		},
		ObjectKeys: map[string][]string{"det": {"det_temp"}},
	}
	schema, err := BuildSchema(desc, SubDictData, 3, 1<<20, 0, nil)
	if err != nil {
		t.Fatalf("BuildSchema: %v", err)
	}
	col := schema.Columns["det_temp"]
	if col.Attrs.Object != "det" || col.Attrs.UnitsString != "K" {
		t.Fatalf("got attrs %+v", col.Attrs)
	}
}

func TestBuildSchemaAreaDetectorRankFourUsesChunker(t *testing.T) {
	// Per-event shape is (frames_per_event, y, x); prepending time makes
	// the full array rank 4, triggering the area-detector special case.
	desc := descriptorWithKey("frames", model.DataKeyDescriptor{
		Dtype: "array", Shape: []int64{3, 128, 128},
	})
	schema, err := BuildSchema(desc, SubDictData, 101, 1<<30, 10, nil)
	if err != nil {
		t.Fatalf("BuildSchema: %v", err)
	}
	col := schema.Columns["frames"]
	if len(col.Chunks) != 4 {
		t.Fatalf("got %d chunk axes, want 4 (time + 3 declared)", len(col.Chunks))
	}
}
