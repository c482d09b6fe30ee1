// Package catalog is the catalog's entry point: runs, streams, the
// run cache, the query engine, and the access policy hook compose here
// into the read-oriented interface the rest of the system (and
// pkg/replay) is built on.
package catalog

import (
	"context"
	"sync"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/filler"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// Run is one run: its start/stop documents, its streams by name, and a
// lazily-constructed Filler shared by every stream's externally-declared
// columns.
type Run struct {
	Start model.RunStart
	Stop  *model.RunStop // nil means the run is live

	store                      docstore.Store
	registry                   *filler.Registry
	rootMap                    map[string]string
	transform                  model.TransformSet
	chunkByteLimit             int64
	areaDetectorFramesPerChunk int64

	streamsMu sync.Mutex
	streams   map[string]*Stream

	fillerOnce sync.Once
	filler     *filler.Filler
}

// RunOptions carries the construction-time parameters every Run built
// by a Catalog shares: its handler registry, storage root remapping,
// presentation transforms, and chunk-planning limits.
type RunOptions struct {
	Registry                   *filler.Registry
	RootMap                    map[string]string
	Transform                  model.TransformSet
	ChunkByteLimit             int64
	AreaDetectorFramesPerChunk int64
}

func newRun(store docstore.Store, start model.RunStart, stop *model.RunStop, opts RunOptions) *Run {
	return &Run{
		Start:                      start,
		Stop:                       stop,
		store:                      store,
		registry:                   opts.Registry,
		rootMap:                    opts.RootMap,
		transform:                  opts.Transform,
		chunkByteLimit:             opts.ChunkByteLimit,
		areaDetectorFramesPerChunk: opts.AreaDetectorFramesPerChunk,
		streams:                    make(map[string]*Stream),
	}
}

// IsLive reports whether this run has not yet been closed by a RunStop.
func (r *Run) IsLive() bool { return r.Stop == nil }

// UID returns the run's start uid, its primary key throughout the
// catalog.
func (r *Run) UID() string { return r.Start.UID }

// Store returns the docstore.Store this run was built against, so
// pkg/replay can issue the same collection queries this package does
// without duplicating them inside the Run/Stream API surface.
func (r *Run) Store() docstore.Store { return r.store }

// filler returns this run's lazily-constructed Filler, built once per
// Run regardless of how many streams or columns request it.
func (r *Run) fillerFor() *filler.Filler {
	r.fillerOnce.Do(func() {
		r.filler = filler.New(r.store, r.registry, r.rootMap)
	})
	return r.filler
}

// Stream returns the named stream, lazily constructing it from the
// store's descriptors on first access.
func (r *Run) Stream(ctx context.Context, name string) (*Stream, error) {
	r.streamsMu.Lock()
	defer r.streamsMu.Unlock()

	if s, ok := r.streams[name]; ok {
		return s, nil
	}

	descriptors, err := r.store.DescriptorsByStream(ctx, r.Start.UID, name)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "descriptor lookup failed").WithRun(r.Start.UID).WithStream(name)
	}
	if len(descriptors) == 0 {
		return nil, rcerrors.New(rcerrors.KindNotFound, "no such stream").WithRun(r.Start.UID).WithStream(name)
	}
	for i := range descriptors {
		descriptors[i] = r.transform.ApplyDescriptor(descriptors[i])
	}

	stream := newStream(r, name, descriptors)
	r.streams[name] = stream
	return stream, nil
}

// StreamNames returns every distinct stream name this run has emitted.
func (r *Run) StreamNames(ctx context.Context) ([]string, error) {
	names, err := r.store.DistinctStreamNames(ctx, r.Start.UID)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "stream name lookup failed").WithRun(r.Start.UID)
	}
	return names, nil
}

// ApplyTransforms runs this run's compiled TransformSet over its start
// (and, if closed, stop) documents for presentation, e.g. renaming or
// dropping deprecated metadata keys.
func (r *Run) ApplyTransforms() (model.RunStart, *model.RunStop) {
	start := r.transform.ApplyStart(r.Start)
	if r.Stop == nil {
		return start, nil
	}
	stop := r.transform.ApplyStop(*r.Stop)
	return start, &stop
}
