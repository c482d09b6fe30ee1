package catalog

import (
	"context"
	"time"

	"github.com/opensci/runcat/pkg/materializer"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// CacheHint tells a caller (typically an HTTP-facing layer, not built
// here) how long a stream's data it is safe to hold onto without
// rechecking: live streams must always revalidate; complete streams need
// not, and a zero StaleAt sets no expiry time.
type CacheHint struct {
	MustRevalidate bool
	StaleAt        time.Time
}

// Stream is one (run, stream name) pair: the descriptors the store has
// recorded for it, and the lazily built Materializers for its data and
// timestamps views over them. Config and ConfigTimestamps read the
// latest descriptor directly rather than through a Materializer.
type Stream struct {
	run         *Run
	name        string
	descriptors []model.EventDescriptor

	data             *materializer.Materializer
	timestamps       *materializer.Materializer
	config           *materializer.Materializer
	configTimestamps *materializer.Materializer
}

func newStream(run *Run, name string, descriptors []model.EventDescriptor) *Stream {
	return &Stream{run: run, name: name, descriptors: descriptors}
}

// Name returns the stream's name within its run.
func (s *Stream) Name() string { return s.name }

// Descriptors returns every schema revision the store has recorded for
// this stream, ordered by time. The replayer consults this directly
// rather than re-deriving it from the four Materializer views.
func (s *Stream) Descriptors() []model.EventDescriptor { return s.descriptors }

// Data returns the Materializer over this stream's event data values.
func (s *Stream) Data() *materializer.Materializer {
	if s.data == nil {
		s.data = materializer.New(s.run.store, s.descriptors, materializer.SubDictData,
			s.run.chunkByteLimit, s.run.areaDetectorFramesPerChunk)
	}
	return s.data
}

// Timestamps returns the Materializer over this stream's per-column
// hardware timestamps.
func (s *Stream) Timestamps() *materializer.Materializer {
	if s.timestamps == nil {
		s.timestamps = materializer.New(s.run.store, s.descriptors, materializer.SubDictTimestamps,
			s.run.chunkByteLimit, s.run.areaDetectorFramesPerChunk)
	}
	return s.timestamps
}

// Config returns the most recent descriptor's device configuration
// snapshot data, keyed by object name.
func (s *Stream) Config() map[string]map[string]any {
	latest := s.descriptors[len(s.descriptors)-1]
	out := make(map[string]map[string]any, len(latest.Configuration))
	for object, cfg := range latest.Configuration {
		out[object] = cfg.Data
	}
	return out
}

// ConfigTimestamps returns the most recent descriptor's device
// configuration timestamps, keyed by object name.
func (s *Stream) ConfigTimestamps() map[string]map[string]float64 {
	latest := s.descriptors[len(s.descriptors)-1]
	out := make(map[string]map[string]float64, len(latest.Configuration))
	for object, cfg := range latest.Configuration {
		out[object] = cfg.Timestamps
	}
	return out
}

// FillExternal resolves datumID into a materialized array for column
// key, threading the run's shared Filler through. The declared
// per-event shape is read off the data schema and enforced on the
// resolved array per spec.md §4.4. The column's External flag is not
// checked: any column present in the schema is resolved through the
// Filler, and a key absent from the schema is an error.
func (s *Stream) FillExternal(ctx context.Context, key, datumID string) (any, error) {
	schema, err := s.Data().Schema(ctx)
	if err != nil {
		return nil, err
	}
	col, ok := schema.Columns[key]
	if !ok {
		return nil, rcerrors.New(rcerrors.KindBadShapeMetadata, "unknown column").WithColumn(key)
	}
	expectedShape := col.Shape[1:]

	arr, err := s.run.fillerFor().Fill(ctx, datumID, key, expectedShape)
	if err != nil {
		return nil, err
	}
	return arr, nil
}

// CacheHint reports whether this stream's materialized data is safe to
// cache: live runs must always revalidate since new events may still
// arrive; complete runs never change and can be cached indefinitely.
func (s *Stream) CacheHint() CacheHint {
	if s.run.IsLive() {
		return CacheHint{MustRevalidate: true}
	}
	return CacheHint{MustRevalidate: false, StaleAt: time.Time{}}
}
