// Package docstore is the Document Store Adapter: typed access to the six
// collections (run_start, run_stop, event_descriptor, event, resource,
// datum), cursor-based pagination, and the column/timestamp extraction
// aggregation pipelines. Store is an interface so the catalog, filler,
// and materializer packages never import the mongo driver directly.
package docstore

import (
	"context"

	"github.com/opensci/runcat/pkg/model"
)

// SortKey is one (field, ascending) pair in a composite sort order.
type SortKey struct {
	Field string
	Asc   bool
}

// Collection names the six typed collections spec.md §6 requires.
type Collection string

const (
	CollRunStart        Collection = "run_start"
	CollRunStop         Collection = "run_stop"
	CollEventDescriptor Collection = "event_descriptor"
	CollEvent           Collection = "event"
	CollResource        Collection = "resource"
	CollDatum           Collection = "datum"
)

// DefaultBatchSize is chunked_find's internal page size (spec.md §4.1).
const DefaultBatchSize = 100

// AggregationPageTargetBytes is the byte ceiling aggregation pages target,
// safely below the store's documented 16 MB per-document limit.
const AggregationPageTargetBytes = 10 * 1024 * 1024

// Store is the Document Store Adapter's interface.
type Store interface {
	// Ping checks store reachability (EXP-3 health check).
	Ping(ctx context.Context) error

	// GetRunStart fetches one RunStart by uid.
	GetRunStart(ctx context.Context, uid string) (model.RunStart, error)
	// GetRunStop fetches the RunStop for a run, if present.
	GetRunStop(ctx context.Context, runStartUID string) (model.RunStop, bool, error)
	// DistinctStreamNames returns the set of distinct descriptor names
	// for a run.
	DistinctStreamNames(ctx context.Context, runStartUID string) ([]string, error)
	// DescriptorsByStream returns every EventDescriptor for a run/stream
	// pair, ordered by time.
	DescriptorsByStream(ctx context.Context, runStartUID, streamName string) ([]model.EventDescriptor, error)

	// GetResource fetches one Resource by uid.
	GetResource(ctx context.Context, uid string) (model.Resource, error)
	// DatumsForResource fetches every Datum referencing a resource uid.
	DatumsForResource(ctx context.Context, resourceUID string) ([]model.Datum, error)
	// GetDatum fetches one Datum by id, used on the "/"-prefix fast path
	// and its fallback.
	GetDatum(ctx context.Context, datumID string) (model.Datum, error)
	// ResourceForDatum resolves a datum id to its authoritative resource
	// uid via the datum collection, the fallback path when the "/"-prefix
	// hint misses.
	ResourceForDatum(ctx context.Context, datumID string) (string, error)

	// ExtractColumn runs the match/project/sort/group-last/re-sort/
	// group-push pipeline for one column over one or more descriptors,
	// restricted to the half-open [minSeqNum, maxSeqNum) interval.
	ExtractColumn(ctx context.Context, descriptorUIDs []string, column string, minSeqNum, maxSeqNum int64) ([]ColumnRow, error)

	// MaxSeqNum returns the largest seq_num across descriptorUIDs, the
	// basis for the stream's cutoff_seq_num (spec.md §4 Glossary).
	// Returns -1 if no events exist yet.
	MaxSeqNum(ctx context.Context, descriptorUIDs []string) (int64, error)

	// ChunkedFind returns a lazy, keyset-paginated sequence of the
	// documents in coll matching query, under sort order, honoring
	// skip/limit: the first skip matches are dropped, and at most limit
	// (unbounded when limit <= 0) are returned after them.
	ChunkedFind(ctx context.Context, coll Collection, query map[string]any, sort []SortKey, skip, limit int64) (Cursor, error)
}

// ColumnRow is one deduplicated-by-seq_num row of a single column
// extraction.
type ColumnRow struct {
	SeqNum int64
	Time   float64
	Value  any
}

// Cursor iterates a ChunkedFind result, transparently fetching
// successive keyset pages.
type Cursor interface {
	// Next advances the cursor, returning false at the end of the
	// result set or on error (check Err after Next returns false).
	Next(ctx context.Context) bool
	// Decode copies the current document's fields into v.
	Decode(v any) error
	// Err returns the first error encountered during iteration.
	Err() error
	// Close releases the cursor's resources.
	Close(ctx context.Context) error
}
