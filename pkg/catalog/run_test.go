package catalog

import (
	"context"
	"testing"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/testutil"
)

func TestRunStreamConstructsOnceAndCaches(t *testing.T) {
	store := docstore.NewMemStore()
	store.RunStarts["r1"] = model.RunStart{UID: "r1"}
	store.Descriptors = append(store.Descriptors, model.EventDescriptor{UID: "d1", RunStart: "r1", Name: "primary", Time: 1})

	run := newRun(store, store.RunStarts["r1"], nil, RunOptions{})
	ctx, cancel := testutil.TestContext(t)
	defer cancel()

	s1, err := run.Stream(ctx, "primary")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	s2, err := run.Stream(ctx, "primary")
	if err != nil {
		t.Fatalf("Stream (again): %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same *Stream instance to be reused across calls")
	}
}

func TestRunStreamAppliesDescriptorTransform(t *testing.T) {
	store := docstore.NewMemStore()
	store.RunStarts["r1"] = model.RunStart{UID: "r1"}
	store.Descriptors = append(store.Descriptors, model.EventDescriptor{UID: "d1", RunStart: "r1", Name: "primary", Time: 1})

	opts := RunOptions{
		Transform: model.TransformSet{
			Descriptor: func(d model.EventDescriptor) model.EventDescriptor {
				d.Name = d.Name + "-repaired"
				return d
			},
		},
	}
	run := newRun(store, store.RunStarts["r1"], nil, opts)

	s, err := run.Stream(context.Background(), "primary")
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if got := s.descriptors[0].Name; got != "primary-repaired" {
		t.Fatalf("descriptor name = %q, want the transform applied", got)
	}
}

func TestRunStreamUnknownNameIsNotFound(t *testing.T) {
	store := docstore.NewMemStore()
	store.RunStarts["r1"] = model.RunStart{UID: "r1"}

	run := newRun(store, store.RunStarts["r1"], nil, RunOptions{})
	if _, err := run.Stream(context.Background(), "missing"); err == nil {
		t.Fatal("expected an error for a stream with no descriptors")
	}
}

func TestRunStreamNamesAreDistinctAndSorted(t *testing.T) {
	store := docstore.NewMemStore()
	store.RunStarts["r1"] = model.RunStart{UID: "r1"}
	store.Descriptors = append(store.Descriptors,
		model.EventDescriptor{UID: "d1", RunStart: "r1", Name: "baseline", Time: 1},
		model.EventDescriptor{UID: "d2", RunStart: "r1", Name: "primary", Time: 2},
		model.EventDescriptor{UID: "d3", RunStart: "r1", Name: "primary", Time: 3},
	)

	run := newRun(store, store.RunStarts["r1"], nil, RunOptions{})
	names, err := run.StreamNames(context.Background())
	if err != nil {
		t.Fatalf("StreamNames: %v", err)
	}
	if len(names) != 2 || names[0] != "baseline" || names[1] != "primary" {
		t.Fatalf("got %v, want [baseline primary]", names)
	}
}

func TestRunIsLiveReflectsStopPresence(t *testing.T) {
	start := model.RunStart{UID: "r1"}
	live := newRun(docstore.NewMemStore(), start, nil, RunOptions{})
	if !live.IsLive() {
		t.Fatal("expected a run with no RunStop to be live")
	}

	stop := model.RunStop{UID: "s1", RunStart: "r1", ExitStatus: model.ExitSuccess}
	closed := newRun(docstore.NewMemStore(), start, &stop, RunOptions{})
	if closed.IsLive() {
		t.Fatal("expected a run with a RunStop to be complete")
	}
}

func TestRunApplyTransformsLeavesStopNilForLiveRuns(t *testing.T) {
	run := newRun(docstore.NewMemStore(), model.RunStart{UID: "r1"}, nil, RunOptions{})
	start, stop := run.ApplyTransforms()
	if start.UID != "r1" {
		t.Fatalf("start.UID = %q", start.UID)
	}
	if stop != nil {
		t.Fatal("expected a nil stop for a live run")
	}
}

func TestRunApplyTransformsRunsStopTransform(t *testing.T) {
	stop := model.RunStop{UID: "s1", RunStart: "r1", ExitStatus: model.ExitFail}
	opts := RunOptions{
		Transform: model.TransformSet{
			Stop: func(s model.RunStop) model.RunStop {
				s.ExitStatus = model.ExitAbort
				return s
			},
		},
	}
	run := newRun(docstore.NewMemStore(), model.RunStart{UID: "r1"}, &stop, opts)

	_, got := run.ApplyTransforms()
	if got == nil || got.ExitStatus != model.ExitAbort {
		t.Fatalf("got %v, want ExitAbort", got)
	}
}

func TestRunFillerForConstructsOnce(t *testing.T) {
	run := newRun(docstore.NewMemStore(), model.RunStart{UID: "r1"}, nil, RunOptions{})
	f1 := run.fillerFor()
	f2 := run.fillerFor()
	if f1 != f2 {
		t.Fatal("expected the run's Filler to be constructed exactly once")
	}
}
