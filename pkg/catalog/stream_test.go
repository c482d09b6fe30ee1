package catalog

import (
	"context"
	"testing"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/filler"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
)

func descriptorWithConfig() model.EventDescriptor {
	return model.EventDescriptor{
		UID:      "d1",
		RunStart: "r1",
		Name:     "primary",
		Time:     1,
		DataKeys: map[string]model.DataKeyDescriptor{"det": {Dtype: "number", Shape: []int64{1}}},
		Configuration: map[string]model.ObjectConfiguration{
			"det": {
				Data:       map[string]any{"exposure_time": 0.1},
				Timestamps: map[string]float64{"exposure_time": 1.0},
			},
		},
	}
}

func TestStreamDataAndTimestampsAreDistinctMaterializers(t *testing.T) {
	store := docstore.NewMemStore()
	run := newRun(store, model.RunStart{UID: "r1"}, nil, RunOptions{})
	s := newStream(run, "primary", []model.EventDescriptor{descriptorWithConfig()})

	data := s.Data()
	timestamps := s.Timestamps()
	if data == nil || timestamps == nil {
		t.Fatal("expected both materializers to be constructed")
	}
	if s.Data() != data {
		t.Fatal("expected Data() to memoize its Materializer across calls")
	}
}

func TestStreamConfigReadsLatestDescriptor(t *testing.T) {
	store := docstore.NewMemStore()
	run := newRun(store, model.RunStart{UID: "r1"}, nil, RunOptions{})
	older := descriptorWithConfig()
	older.Time = 1
	older.Configuration["det"] = model.ObjectConfiguration{Data: map[string]any{"exposure_time": 0.05}}
	newer := descriptorWithConfig()
	newer.Time = 2

	s := newStream(run, "primary", []model.EventDescriptor{older, newer})

	cfg := s.Config()
	if cfg["det"]["exposure_time"] != 0.1 {
		t.Fatalf("Config()[det][exposure_time] = %v, want the latest descriptor's value", cfg["det"]["exposure_time"])
	}
}

func TestStreamConfigTimestampsReadsLatestDescriptor(t *testing.T) {
	store := docstore.NewMemStore()
	run := newRun(store, model.RunStart{UID: "r1"}, nil, RunOptions{})
	s := newStream(run, "primary", []model.EventDescriptor{descriptorWithConfig()})

	ts := s.ConfigTimestamps()
	if ts["det"]["exposure_time"] != 1.0 {
		t.Fatalf("got %v, want 1.0", ts["det"]["exposure_time"])
	}
}

func TestStreamCacheHintMustRevalidateWhileLive(t *testing.T) {
	store := docstore.NewMemStore()
	run := newRun(store, model.RunStart{UID: "r1"}, nil, RunOptions{})
	s := newStream(run, "primary", []model.EventDescriptor{descriptorWithConfig()})

	if hint := s.CacheHint(); !hint.MustRevalidate {
		t.Fatal("expected a live run's stream to require revalidation")
	}

	stop := model.RunStop{UID: "s1", RunStart: "r1", ExitStatus: model.ExitSuccess}
	closedRun := newRun(store, model.RunStart{UID: "r1"}, &stop, RunOptions{})
	closedStream := newStream(closedRun, "primary", []model.EventDescriptor{descriptorWithConfig()})
	if hint := closedStream.CacheHint(); hint.MustRevalidate {
		t.Fatal("expected a complete run's stream to be cacheable")
	}
}

type stubHandler struct{ value float64 }

func (h *stubHandler) Resolve(_ context.Context, _ map[string]any) (*ndarray.Array, error) {
	arr, err := ndarray.NewArray(nil, ndarray.Float64, []int64{1}, nil)
	if err != nil {
		return nil, err
	}
	arr.SetFloat64(0, h.value)
	return arr, nil
}

func (h *stubHandler) Close() error { return nil }

func TestStreamFillExternalDelegatesToRunFiller(t *testing.T) {
	store := docstore.NewMemStore()
	store.Resources["res1"] = model.Resource{UID: "res1", Spec: "stub", Root: "/data"}
	store.Datums["res1/d1"] = model.Datum{DatumID: "res1/d1", Resource: "res1"}

	registry := filler.NewRegistry()
	if err := registry.Register("stub", func(model.Resource) (filler.Handler, error) { return &stubHandler{value: 7}, nil }, false); err != nil {
		t.Fatalf("Register: %v", err)
	}

	run := newRun(store, model.RunStart{UID: "r1"}, nil, RunOptions{Registry: registry})
	s := newStream(run, "primary", []model.EventDescriptor{descriptorWithConfig()})

	got, err := s.FillExternal(context.Background(), "det", "res1/d1")
	if err != nil {
		t.Fatalf("FillExternal: %v", err)
	}
	arr, ok := got.(*ndarray.Array)
	if !ok {
		t.Fatalf("got %T, want *ndarray.Array", got)
	}
	if arr.Float64At(0) != 7 {
		t.Fatalf("got %v, want 7", arr.Float64At(0))
	}
}

func TestStreamFillExternalPropagatesUnresolvableError(t *testing.T) {
	store := docstore.NewMemStore()
	run := newRun(store, model.RunStart{UID: "r1"}, nil, RunOptions{})
	s := newStream(run, "primary", []model.EventDescriptor{descriptorWithConfig()})

	if _, err := s.FillExternal(context.Background(), "det", "missing/d1"); err == nil {
		t.Fatal("expected an error when the datum's resource cannot be resolved")
	}
}
