package materializer_test

import (
	"context"
	"testing"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/materializer"
	"github.com/opensci/runcat/pkg/model"
)

func newPopulatedStore() *docstore.MemStore {
	store := docstore.NewMemStore()
	store.Events = []model.Event{
		{Descriptor: "d1", SeqNum: 0, Time: 100.0, Data: map[string]any{"temp": 1.5}},
		{Descriptor: "d1", SeqNum: 1, Time: 101.0, Data: map[string]any{"temp": 2.5}},
		{Descriptor: "d1", SeqNum: 2, Time: 102.0, Data: map[string]any{"temp": 3.5}},
	}
	return store
}

func descriptor() model.EventDescriptor {
	return model.EventDescriptor{
		UID: "d1",
		DataKeys: map[string]model.DataKeyDescriptor{
			"temp": {Dtype: "number"},
		},
	}
}

func TestCutoffSeqNumIsOneMoreThanMaxSeqNum(t *testing.T) {
	store := newPopulatedStore()
	m := materializer.New(store, []model.EventDescriptor{descriptor()}, materializer.SubDictData, 1<<20, 0)

	cutoff, err := m.CutoffSeqNum(context.Background())
	if err != nil {
		t.Fatalf("CutoffSeqNum: %v", err)
	}
	if cutoff != 3 {
		t.Fatalf("got cutoff %d, want 3", cutoff)
	}
}

func TestReadWholeStacksEveryEventInSeqNumOrder(t *testing.T) {
	store := newPopulatedStore()
	m := materializer.New(store, []model.EventDescriptor{descriptor()}, materializer.SubDictData, 1<<20, 0)

	arr, err := m.ReadWhole(context.Background(), "temp")
	if err != nil {
		t.Fatalf("ReadWhole: %v", err)
	}
	want := []float64{1.5, 2.5, 3.5}
	if arr.Len() != int64(len(want)) {
		t.Fatalf("got len %d, want %d", arr.Len(), len(want))
	}
	for i, w := range want {
		if arr.Float64At(int64(i)) != w {
			t.Fatalf("index %d: got %v, want %v", i, arr.Float64At(int64(i)), w)
		}
	}
}

func TestGetTimeCoordIsMemoized(t *testing.T) {
	store := newPopulatedStore()
	m := materializer.New(store, []model.EventDescriptor{descriptor()}, materializer.SubDictData, 1<<20, 0)

	ctx := context.Background()
	first, err := m.GetTimeCoord(ctx)
	if err != nil {
		t.Fatalf("GetTimeCoord: %v", err)
	}
	second, err := m.GetTimeCoord(ctx)
	if err != nil {
		t.Fatalf("GetTimeCoord (again): %v", err)
	}
	if first != second {
		t.Fatal("expected the memoized GetTimeCoord call to return the identical *Array")
	}
	if first.Float64At(1) != 101.0 {
		t.Fatalf("got time[1] = %v, want 101.0", first.Float64At(1))
	}
}

func TestReadBlockRestrictsToSeqNumRange(t *testing.T) {
	store := newPopulatedStore()
	m := materializer.New(store, []model.EventDescriptor{descriptor()}, materializer.SubDictData, 1<<20, 0)

	arr, err := m.ReadBlock(context.Background(), "temp", 1, 3)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	if arr.Len() != 2 {
		t.Fatalf("got len %d, want 2", arr.Len())
	}
	if arr.Float64At(0) != 2.5 || arr.Float64At(1) != 3.5 {
		t.Fatalf("got [%v, %v], want [2.5, 3.5]", arr.Float64At(0), arr.Float64At(1))
	}
}

func vectorDescriptor(declaredShape []int64) model.EventDescriptor {
	return model.EventDescriptor{
		UID: "d1",
		DataKeys: map[string]model.DataKeyDescriptor{
			"vec": {Dtype: "number", Shape: declaredShape},
		},
	}
}

func TestReadWholePadsRowShortfallWithinTolerance(t *testing.T) {
	store := docstore.NewMemStore()
	store.Events = []model.Event{
		{Descriptor: "d1", SeqNum: 0, Time: 1.0, Data: map[string]any{"vec": []any{1.0, 2.0, 3.0}}},
		{Descriptor: "d1", SeqNum: 1, Time: 2.0, Data: map[string]any{"vec": []any{10.0, 20.0, 30.0, 40.0}}},
	}
	m := materializer.New(store, []model.EventDescriptor{vectorDescriptor([]int64{4})}, materializer.SubDictData, 1<<20, 0)

	arr, err := m.ReadWhole(context.Background(), "vec")
	if err != nil {
		t.Fatalf("ReadWhole: %v", err)
	}
	want := []float64{1, 2, 3, 3, 10, 20, 30, 40}
	for i, w := range want {
		if arr.Float64At(int64(i)) != w {
			t.Fatalf("index %d: got %v, want %v", i, arr.Float64At(int64(i)), w)
		}
	}
}

func TestReadWholeRejectsRowShapeDeficitBeyondTolerance(t *testing.T) {
	store := docstore.NewMemStore()
	store.Events = []model.Event{
		{Descriptor: "d1", SeqNum: 0, Time: 1.0, Data: map[string]any{"vec": []any{1.0, 2.0, 3.0, 4.0, 5.0}}},
	}
	m := materializer.New(store, []model.EventDescriptor{vectorDescriptor([]int64{10})}, materializer.SubDictData, 1<<20, 0)

	if _, err := m.ReadWhole(context.Background(), "vec"); err == nil {
		t.Fatal("expected BadShapeMetadata for a declared (10) vs actual (5) row shape")
	}
}

func TestTimestampsSubDictStacksEventTimeNotValue(t *testing.T) {
	store := newPopulatedStore()
	m := materializer.New(store, []model.EventDescriptor{descriptor()}, materializer.SubDictTimestamps, 1<<20, 0)

	arr, err := m.ReadWhole(context.Background(), "temp")
	if err != nil {
		t.Fatalf("ReadWhole: %v", err)
	}
	want := []float64{100.0, 101.0, 102.0}
	for i, w := range want {
		if arr.Float64At(int64(i)) != w {
			t.Fatalf("index %d: got %v, want %v", i, arr.Float64At(int64(i)), w)
		}
	}
}
