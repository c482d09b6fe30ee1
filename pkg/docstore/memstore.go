package docstore

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// MemStore is an in-memory Store used by package tests across the
// catalog, materializer, and filler packages so they can exercise the
// Document Store Adapter contract without a running MongoDB.
type MemStore struct {
	RunStarts   map[string]model.RunStart
	RunStops    map[string]model.RunStop // keyed by run_start uid
	Descriptors []model.EventDescriptor
	Events      []model.Event
	Resources   map[string]model.Resource
	Datums      map[string]model.Datum
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		RunStarts: make(map[string]model.RunStart),
		RunStops:  make(map[string]model.RunStop),
		Resources: make(map[string]model.Resource),
		Datums:    make(map[string]model.Datum),
	}
}

func (m *MemStore) Ping(ctx context.Context) error { return nil }

func (m *MemStore) GetRunStart(ctx context.Context, uid string) (model.RunStart, error) {
	rs, ok := m.RunStarts[uid]
	if !ok {
		return model.RunStart{}, rcerrors.New(rcerrors.KindNotFound, "run start not found").WithRun(uid)
	}
	return rs, nil
}

func (m *MemStore) GetRunStop(ctx context.Context, runStartUID string) (model.RunStop, bool, error) {
	rs, ok := m.RunStops[runStartUID]
	return rs, ok, nil
}

func (m *MemStore) DistinctStreamNames(ctx context.Context, runStartUID string) ([]string, error) {
	seen := map[string]bool{}
	var names []string
	for _, d := range m.Descriptors {
		if d.RunStart == runStartUID && !seen[d.Name] {
			seen[d.Name] = true
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) DescriptorsByStream(ctx context.Context, runStartUID, streamName string) ([]model.EventDescriptor, error) {
	var out []model.EventDescriptor
	for _, d := range m.Descriptors {
		if d.RunStart == runStartUID && d.Name == streamName {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	return out, nil
}

func (m *MemStore) GetResource(ctx context.Context, uid string) (model.Resource, error) {
	r, ok := m.Resources[uid]
	if !ok {
		return model.Resource{}, rcerrors.New(rcerrors.KindNotFound, "resource not found").WithDetail("resource_uid", uid)
	}
	return r, nil
}

func (m *MemStore) DatumsForResource(ctx context.Context, resourceUID string) ([]model.Datum, error) {
	var out []model.Datum
	for _, d := range m.Datums {
		if d.Resource == resourceUID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatumID < out[j].DatumID })
	return out, nil
}

func (m *MemStore) GetDatum(ctx context.Context, datumID string) (model.Datum, error) {
	d, ok := m.Datums[datumID]
	if !ok {
		return model.Datum{}, rcerrors.New(rcerrors.KindNotFound, "datum not found").WithDetail("datum_id", datumID)
	}
	return d, nil
}

func (m *MemStore) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	d, err := m.GetDatum(ctx, datumID)
	if err != nil {
		return "", err
	}
	return d.Resource, nil
}

// ExtractColumn implements the deduplicate-by-seq_num-take-latest-time
// rule in memory, matching the pipeline ExtractColumn documents.
func (m *MemStore) ExtractColumn(ctx context.Context, descriptorUIDs []string, column string, minSeqNum, maxSeqNum int64) ([]ColumnRow, error) {
	descSet := map[string]bool{}
	for _, uid := range descriptorUIDs {
		descSet[uid] = true
	}

	latest := map[int64]model.Event{}
	for _, ev := range m.Events {
		if !descSet[ev.Descriptor] {
			continue
		}
		if ev.SeqNum < minSeqNum || ev.SeqNum >= maxSeqNum {
			continue
		}
		if existing, ok := latest[ev.SeqNum]; !ok || ev.Time > existing.Time {
			latest[ev.SeqNum] = ev
		}
	}

	seqNums := make([]int64, 0, len(latest))
	for seq := range latest {
		seqNums = append(seqNums, seq)
	}
	sort.Slice(seqNums, func(i, j int) bool { return seqNums[i] < seqNums[j] })

	out := make([]ColumnRow, 0, len(seqNums))
	for _, seq := range seqNums {
		ev := latest[seq]
		out = append(out, ColumnRow{SeqNum: seq, Time: ev.Time, Value: ev.Data[column]})
	}
	return out, nil
}

func (m *MemStore) MaxSeqNum(ctx context.Context, descriptorUIDs []string) (int64, error) {
	descSet := map[string]bool{}
	for _, uid := range descriptorUIDs {
		descSet[uid] = true
	}
	max := int64(-1)
	for _, ev := range m.Events {
		if descSet[ev.Descriptor] && ev.SeqNum > max {
			max = ev.SeqNum
		}
	}
	return max, nil
}

// ChunkedFind is a small in-memory evaluator of the same bson-style
// query/sort shape the production mongoStore.ChunkedFind accepts
// (chunked_find.go), restricted to the operators the built-in
// TranslatorRegistry entries in pkg/catalog actually emit ($and,
// $text/$search, $regex, $gte/$lt, $in, and plain equality). It exists so
// package tests can exercise Catalog.Search without a running
// MongoDB; it is not a general bson query engine.
func (m *MemStore) ChunkedFind(ctx context.Context, coll Collection, query map[string]any, sortKeys []SortKey, skip, limit int64) (Cursor, error) {
	docs, err := m.docsFor(coll)
	if err != nil {
		return nil, err
	}

	matched := make([]bson.M, 0, len(docs))
	for _, doc := range docs {
		if matchQuery(doc, query) {
			matched = append(matched, doc)
		}
	}

	fullSort := append(append([]SortKey{}, sortKeys...), SortKey{Field: primaryKeyField, Asc: true})
	sort.SliceStable(matched, func(i, j int) bool { return sortLess(matched[i], matched[j], fullSort) })

	if skip > 0 {
		if skip >= int64(len(matched)) {
			matched = matched[:0]
		} else {
			matched = matched[skip:]
		}
	}
	if limit > 0 && int64(len(matched)) > limit {
		matched = matched[:limit]
	}
	return &memCursor{docs: matched, pos: -1}, nil
}

// bsonEvent mirrors the wire field names mongoStore.ExtractColumn's
// aggregation pipeline addresses directly ("descriptor", "seq_num",
// "time", "data"), so in-memory queries against CollEvent see the same
// shape a real event document would have.
type bsonEvent struct {
	UID        string             `bson:"uid"`
	Descriptor string             `bson:"descriptor"`
	SeqNum     int64              `bson:"seq_num"`
	Time       float64            `bson:"time"`
	Data       map[string]any     `bson:"data"`
	Timestamps map[string]float64 `bson:"timestamps"`
	Filled     map[string]bool    `bson:"filled"`
}

// docsFor returns every document in coll as a generic bson.M, marshaling
// through the same wire-tagged struct shapes mongoStore decodes into, so
// field names match what the query translators target (e.g. ScanID ->
// "scan_id") rather than mongo-driver's default all-lowercase field
// naming.
func (m *MemStore) docsFor(coll Collection) ([]bson.M, error) {
	var raw []any
	switch coll {
	case CollRunStart:
		for _, rs := range m.RunStarts {
			raw = append(raw, bsonRunStart{UID: rs.UID, Time: rs.Time, ScanID: rs.ScanID, Metadata: rs.Metadata})
		}
	case CollRunStop:
		for _, rs := range m.RunStops {
			raw = append(raw, bsonRunStop{UID: rs.UID, RunStart: rs.RunStart, Time: rs.Time, ExitStatus: string(rs.ExitStatus)})
		}
	case CollEventDescriptor:
		for _, d := range m.Descriptors {
			raw = append(raw, toBsonDescriptor(d))
		}
	case CollEvent:
		for _, ev := range m.Events {
			raw = append(raw, bsonEvent{
				UID: ev.UID, Descriptor: ev.Descriptor, SeqNum: ev.SeqNum, Time: ev.Time,
				Data: ev.Data, Timestamps: ev.Timestamps, Filled: ev.Filled,
			})
		}
	case CollResource:
		for _, r := range m.Resources {
			raw = append(raw, bsonResource{UID: r.UID, Spec: r.Spec, ResourcePath: r.ResourcePath, Root: r.Root, ResourceKwargs: r.ResourceKwargs})
		}
	case CollDatum:
		for _, d := range m.Datums {
			raw = append(raw, bsonDatum{DatumID: d.DatumID, Resource: d.Resource, DatumKwargs: d.DatumKwargs})
		}
	default:
		return nil, rcerrors.New(rcerrors.KindInternal, "unknown collection").WithDetail("collection", string(coll))
	}

	docs := make([]bson.M, 0, len(raw))
	for _, v := range raw {
		b, err := bson.Marshal(v)
		if err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindInternal, "marshaling document for in-memory query")
		}
		var doc bson.M
		if err := bson.Unmarshal(b, &doc); err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindInternal, "unmarshaling document for in-memory query")
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func toBsonDataKey(d model.DataKeyDescriptor) bsonDataKey {
	return bsonDataKey{Dtype: d.Dtype, DtypeStr: d.DtypeStr, Shape: d.Shape, Dims: d.Dims, External: d.External, Units: d.Units}
}

func toBsonDescriptor(d model.EventDescriptor) bsonDescriptor {
	dataKeys := make(map[string]bsonDataKey, len(d.DataKeys))
	for k, v := range d.DataKeys {
		dataKeys[k] = toBsonDataKey(v)
	}
	configuration := make(map[string]bsonObjectConfig, len(d.Configuration))
	for obj, cfg := range d.Configuration {
		dk := make(map[string]bsonDataKey, len(cfg.DataKeys))
		for k, v := range cfg.DataKeys {
			dk[k] = toBsonDataKey(v)
		}
		configuration[obj] = bsonObjectConfig{Data: cfg.Data, Timestamps: cfg.Timestamps, DataKeys: dk}
	}
	return bsonDescriptor{
		UID: d.UID, RunStart: d.RunStart, Name: d.Name, Time: d.Time,
		DataKeys: dataKeys, ObjectKeys: d.ObjectKeys, Configuration: configuration,
	}
}

// matchQuery evaluates the subset of mongo query operators the
// built-in translators emit against one document.
func matchQuery(doc bson.M, query map[string]any) bool {
	for key, want := range query {
		switch key {
		case "$and":
			clauses, ok := want.([]any)
			if !ok {
				return false
			}
			for _, c := range clauses {
				sub, ok := c.(map[string]any)
				if !ok || !matchQuery(doc, sub) {
					return false
				}
			}
		case "$text":
			spec, ok := want.(map[string]any)
			if !ok {
				return false
			}
			search, _ := spec["$search"].(string)
			if !documentContainsText(doc, search) {
				return false
			}
		default:
			if !matchField(doc[key], want) {
				return false
			}
		}
	}
	return true
}

func matchField(got any, want any) bool {
	spec, ok := want.(map[string]any)
	if !ok {
		return bsonEqual(got, want)
	}
	for op, operand := range spec {
		switch op {
		case "$regex":
			pattern, _ := operand.(string)
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			s, ok := got.(string)
			if !ok || !re.MatchString(s) {
				return false
			}
		case "$gte":
			if compareNumeric(got, operand) < 0 {
				return false
			}
		case "$lt":
			if compareNumeric(got, operand) >= 0 {
				return false
			}
		case "$in":
			values, ok := operand.([]any)
			if !ok {
				return false
			}
			found := false
			for _, v := range values {
				if bsonEqual(got, v) {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func bsonEqual(a, b any) bool {
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func compareNumeric(a, b any) int {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return 0
	}
	switch {
	case af < bf:
		return -1
	case af > bf:
		return 1
	default:
		return 0
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func documentContainsText(doc bson.M, search string) bool {
	if search == "" {
		return false
	}
	for _, v := range doc {
		if s, ok := v.(string); ok && strings.Contains(s, search) {
			return true
		}
	}
	return false
}

func sortLess(a, b bson.M, keys []SortKey) bool {
	for _, k := range keys {
		c := compareAny(a[k.Field], b[k.Field])
		if c == 0 {
			continue
		}
		if k.Asc {
			return c < 0
		}
		return c > 0
	}
	return false
}

func compareAny(a, b any) int {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	as, bs := fmt.Sprintf("%v", a), fmt.Sprintf("%v", b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}

// memCursor implements Cursor over an already-matched, already-sorted
// slice of generic documents.
type memCursor struct {
	docs []bson.M
	pos  int
	err  error
}

func (c *memCursor) Next(ctx context.Context) bool {
	if c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *memCursor) Decode(v any) error {
	b, err := bson.Marshal(c.docs[c.pos])
	if err != nil {
		return err
	}
	return bson.Unmarshal(b, v)
}

func (c *memCursor) Err() error { return c.err }

func (c *memCursor) Close(ctx context.Context) error { return nil }
