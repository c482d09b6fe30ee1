package materializer

import (
	"context"
	"sync"

	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/metrics"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
	"github.com/opensci/runcat/pkg/rcerrors"
	"github.com/opensci/runcat/pkg/tracing"
)

// memoCapacity bounds Materializer's GetTimeCoord/column memoization.
// Entries are keyed only on the column key, never on a caller's
// deadline, so a later caller asking for the same whole column (or the
// time coordinate) gets the cached array instead of a new read.
const memoCapacity = 1024

// Materializer reads one stream's columns out of a Store, resolving
// schema and stacking per-event values into typed Arrays (spec.md
// §4.4). One Materializer serves one (run, stream, sub-dict) triple.
type Materializer struct {
	store       docstore.Store
	descriptors []model.EventDescriptor
	sub         SubDict
	chunkBytes  int64
	frameChunk  int64
	allocator   memory.Allocator

	mu       sync.Mutex
	schema   *Schema
	cache    map[string]*ndarray.Array
	cacheLRU []string
}

// New returns a Materializer over descriptors (every EventDescriptor
// the stream has emitted, oldest first; the first is representative
// for schema purposes per spec.md §4.4).
func New(store docstore.Store, descriptors []model.EventDescriptor, sub SubDict, chunkBytes, areaDetectorFramesPerChunk int64) *Materializer {
	return &Materializer{
		store:       store,
		descriptors: descriptors,
		sub:         sub,
		chunkBytes:  chunkBytes,
		frameChunk:  areaDetectorFramesPerChunk,
		allocator:   memory.NewGoAllocator(),
		cache:       make(map[string]*ndarray.Array),
	}
}

// streamName returns the representative descriptor's stream name, used
// only to label metrics; empty if this Materializer has no descriptors.
func (m *Materializer) streamName() string {
	if len(m.descriptors) == 0 {
		return ""
	}
	return m.descriptors[0].Name
}

// runUID returns the representative descriptor's owning run uid, used
// only to annotate tracing spans; empty if this Materializer has no
// descriptors.
func (m *Materializer) runUID() string {
	if len(m.descriptors) == 0 {
		return ""
	}
	return m.descriptors[0].RunStart
}

func (m *Materializer) descriptorUIDs() []string {
	uids := make([]string, len(m.descriptors))
	for i, d := range m.descriptors {
		uids[i] = d.UID
	}
	return uids
}

// CutoffSeqNum returns 1 + max(seq_num) across every descriptor this
// Materializer covers, the authoritative dataset length basis.
func (m *Materializer) CutoffSeqNum(ctx context.Context) (int64, error) {
	max, err := m.store.MaxSeqNum(ctx, m.descriptorUIDs())
	if err != nil {
		return 0, rcerrors.Wrap(err, rcerrors.KindStoreError, "max seq_num lookup failed")
	}
	return max + 1, nil
}

// Schema lazily builds and memoizes this Materializer's Schema.
func (m *Materializer) Schema(ctx context.Context) (*Schema, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.schema != nil {
		return m.schema, nil
	}
	if len(m.descriptors) == 0 {
		return nil, rcerrors.New(rcerrors.KindNotFound, "materializer has no descriptors to build a schema from")
	}

	cutoff, err := m.store.MaxSeqNum(ctx, m.descriptorUIDs())
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "max seq_num lookup failed")
	}

	widest := func(column string) (int, error) {
		width, err := m.widestStringWidth(ctx, column, cutoff+1)
		return width, err
	}

	schema, err := BuildSchema(m.descriptors[0], m.sub, cutoff+1, m.chunkBytes, m.frameChunk, widest)
	if err != nil {
		return nil, err
	}
	m.schema = schema
	return schema, nil
}

func (m *Materializer) widestStringWidth(ctx context.Context, column string, cutoffSeqNum int64) (int, error) {
	rows, err := m.store.ExtractColumn(ctx, m.descriptorUIDs(), column, 0, cutoffSeqNum)
	if err != nil {
		return 0, rcerrors.Wrap(err, rcerrors.KindStoreError, "extract column for string width scan failed").WithColumn(column)
	}
	width := 0
	for _, row := range rows {
		s, ok := row.Value.(string)
		if !ok {
			continue
		}
		if len(s) > width {
			width = len(s)
		}
	}
	return width, nil
}

// GetTimeCoord returns the stream's shared time coordinate, the event
// times at every seq_num in [0, cutoff_seq_num). Memoized.
func (m *Materializer) GetTimeCoord(ctx context.Context) (*ndarray.Array, error) {
	return m.innerGetColumn(ctx, "__time__")
}

// ReadWhole returns the full materialized column for key.
func (m *Materializer) ReadWhole(ctx context.Context, key string) (*ndarray.Array, error) {
	return m.innerGetColumn(ctx, key)
}

// ReadBlock returns a contiguous seq_num slice [start, stop) of column
// key's time axis, every other axis taken whole. Block reads are not
// memoized; only whole-column reads are, since block requests vary too
// widely in (start, stop) to benefit from a bounded cache.
func (m *Materializer) ReadBlock(ctx context.Context, key string, start, stop int64) (*ndarray.Array, error) {
	var arr *ndarray.Array
	err := tracing.Trace(ctx, "materializer", "read_block", m.runUID(), m.streamName(), func(ctx context.Context) error {
		schema, err := m.Schema(ctx)
		if err != nil {
			return err
		}

		if key == "__time__" {
			arr, err = m.readTimeCoordRange(ctx, start, stop)
			return err
		}

		col, ok := schema.Columns[key]
		if !ok {
			return rcerrors.New(rcerrors.KindNotFound, "no such column").WithColumn(key)
		}

		timer := metrics.NewTimer()
		rows, err := m.store.ExtractColumn(ctx, m.descriptorUIDs(), key, start, stop)
		metrics.BlockReadLatency.WithLabelValues(m.streamName(), key).Observe(timer.Stop().Seconds())
		if err != nil {
			return rcerrors.Wrap(err, rcerrors.KindStoreError, "extract column failed").WithColumn(key)
		}

		blockShape := append([]int64{stop - start}, col.Shape[1:]...)
		block, err := stackRows(m.allocator, col.Dtype, blockShape, col.Dims, rows, m.sub, start, stop, key)
		if err != nil {
			return err
		}
		arr = block
		return nil
	})
	if err != nil {
		return nil, err
	}
	return arr, nil
}

func (m *Materializer) readTimeCoordRange(ctx context.Context, start, stop int64) (*ndarray.Array, error) {
	timer := metrics.NewTimer()
	rows, err := m.store.ExtractColumn(ctx, m.descriptorUIDs(), "", start, stop)
	metrics.BlockReadLatency.WithLabelValues(m.streamName(), "__time__").Observe(timer.Stop().Seconds())
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "extract time coordinate failed")
	}
	arr, err := ndarray.NewArray(m.allocator, ndarray.Float64, []int64{stop - start}, []string{"time"})
	if err != nil {
		return nil, err
	}
	fillTimeCoord(arr, rows, start, stop)
	return arr, nil
}

func (m *Materializer) innerGetColumn(ctx context.Context, key string) (*ndarray.Array, error) {
	m.mu.Lock()
	if cached, ok := m.cache[key]; ok {
		m.touchLRU(key)
		m.mu.Unlock()
		return cached, nil
	}
	m.mu.Unlock()

	cutoff, err := m.CutoffSeqNum(ctx)
	if err != nil {
		return nil, err
	}

	var arr *ndarray.Array
	if key == "__time__" {
		arr, err = m.readTimeCoordRange(ctx, 0, cutoff)
	} else {
		arr, err = m.readWholeColumn(ctx, key, cutoff)
	}
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[key] = arr
	m.touchLRU(key)
	for len(m.cacheLRU) > memoCapacity {
		evict := m.cacheLRU[0]
		m.cacheLRU = m.cacheLRU[1:]
		delete(m.cache, evict)
	}
	m.mu.Unlock()

	return arr, nil
}

func (m *Materializer) readWholeColumn(ctx context.Context, key string, cutoff int64) (*ndarray.Array, error) {
	schema, err := m.Schema(ctx)
	if err != nil {
		return nil, err
	}
	col, ok := schema.Columns[key]
	if !ok {
		return nil, rcerrors.New(rcerrors.KindNotFound, "no such column").WithColumn(key)
	}

	timer := metrics.NewTimer()
	rows, err := m.store.ExtractColumn(ctx, m.descriptorUIDs(), key, 0, cutoff)
	metrics.BlockReadLatency.WithLabelValues(m.streamName(), key).Observe(timer.Stop().Seconds())
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "extract column failed").WithColumn(key)
	}

	arr, err := stackRows(m.allocator, col.Dtype, col.Shape, col.Dims, rows, m.sub, 0, cutoff, key)
	if err != nil {
		return nil, err
	}
	return arr, nil
}

// touchLRU must be called with m.mu held.
func (m *Materializer) touchLRU(key string) {
	for i, k := range m.cacheLRU {
		if k == key {
			m.cacheLRU = append(m.cacheLRU[:i], m.cacheLRU[i+1:]...)
			break
		}
	}
	m.cacheLRU = append(m.cacheLRU, key)
}

func fillTimeCoord(arr *ndarray.Array, rows []docstore.ColumnRow, start, stop int64) {
	byIndex := make(map[int64]float64, len(rows))
	for _, row := range rows {
		byIndex[row.SeqNum-start] = row.Time
	}
	for i := int64(0); i < stop-start; i++ {
		if t, ok := byIndex[i]; ok {
			arr.SetFloat64(i, t)
		}
	}
}

// stackRows allocates a fresh Array of shape and fills its leading
// (time) axis from rows, one event per leading index. sub selects
// whether a row's Value (data) or its event time (timestamps) is the
// scalar stacked. Per spec.md §4.4, a higher-rank row's value is
// validated against the column's declared per-event shape (shape[1:])
// before it is copied in, so a row whose actual shape diverges from the
// descriptor is padded, trimmed, or rejected exactly as a whole-column
// read would be — just scoped to that one row rather than the whole
// stacked array, which always matches its own construction trivially.
func stackRows(pool memory.Allocator, dtype ndarray.Dtype, shape []int64, dims []string, rows []docstore.ColumnRow, sub SubDict, start, stop int64, key string) (*ndarray.Array, error) {
	arr, err := ndarray.NewArray(pool, dtype, shape, dims)
	if err != nil {
		return nil, err
	}

	rowShape := shape[1:]
	trailing := int64(1)
	for _, extent := range rowShape {
		trailing *= extent
	}

	for _, row := range rows {
		idx := row.SeqNum - start
		if idx < 0 || idx >= stop-start {
			continue
		}

		if sub == SubDictTimestamps {
			setScalar(arr, idx*trailing, dtype, row.Time)
			continue
		}

		if len(rowShape) == 0 {
			setScalar(arr, idx, dtype, row.Value)
			continue
		}

		if err := setVector(arr, idx*trailing, dtype, row.Value, rowShape, key); err != nil {
			return nil, err
		}
	}

	return arr, nil
}

func setScalar(arr *ndarray.Array, flat int64, dtype ndarray.Dtype, v any) {
	switch dtype {
	case ndarray.Float64:
		arr.SetFloat64(flat, toFloat64(v))
	case ndarray.Int64:
		arr.SetInt64(flat, toInt64(v))
	case ndarray.Bool:
		if b, ok := v.(bool); ok {
			arr.SetBool(flat, b)
		}
	case ndarray.String:
		if s, ok := v.(string); ok {
			arr.SetString(flat, s)
		}
	}
}

// setVector copies one row's array-valued element into arr at
// flatStart, after reconciling the element's actual shape against
// expectedRowShape via ValidateShape. v is expected to be the raw,
// possibly nested []any a store decodes an array element into; a
// non-array value here is a rank-0-vs-rankN mismatch and is rejected the
// same way ValidateShape rejects any other rank mismatch.
func setVector(arr *ndarray.Array, flatStart int64, dtype ndarray.Dtype, v any, expectedRowShape []int64, key string) error {
	rowArr, err := ndarray.NewArray(nil, dtype, inferValueShape(v), nil)
	if err != nil {
		return rcerrors.Wrap(err, rcerrors.KindBadShapeMetadata, "column element shape mismatch").WithColumn(key)
	}
	for i, val := range flattenValue(v) {
		if int64(i) >= rowArr.Len() {
			break
		}
		setScalar(rowArr, int64(i), dtype, val)
	}

	validated, err := ValidateShape(key, rowArr, expectedRowShape)
	if err != nil {
		return err
	}

	n := validated.Len()
	for i := int64(0); i < n; i++ {
		copyScalarAt(arr, flatStart+i, validated, i, dtype)
	}
	return nil
}

// inferValueShape recovers an array-valued event datum's actual shape
// from its decoded []any/[]any-of-[]any nesting, assuming it is
// rectangular. A non-array value yields rank 0.
func inferValueShape(v any) []int64 {
	values, ok := v.([]any)
	if !ok {
		return nil
	}
	if len(values) == 0 {
		return []int64{0}
	}
	return append([]int64{int64(len(values))}, inferValueShape(values[0])...)
}

// flattenValue flattens a possibly-nested []any into row-major scalar
// order, matching inferValueShape's nesting assumption.
func flattenValue(v any) []any {
	values, ok := v.([]any)
	if !ok {
		return []any{v}
	}
	out := make([]any, 0, len(values))
	for _, val := range values {
		out = append(out, flattenValue(val)...)
	}
	return out
}

func toFloat64(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
