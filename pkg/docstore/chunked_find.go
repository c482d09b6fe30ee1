package docstore

import (
	"context"

	"github.com/opensci/runcat/pkg/metrics"
	"github.com/opensci/runcat/pkg/rcerrors"
	"github.com/opensci/runcat/pkg/tracing"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// primaryKeyField is the deterministic tiebreaker appended to every sort
// order and used to build keyset predicates (spec.md §4.1: "sort order is
// user_sort ++ [(primary_key, asc)]").
const primaryKeyField = "uid"

// pageCursor is the subset of *mongo.Cursor that fetchBatch drives.
// Factored out so tests can drive keysetCursor against an in-memory
// fake instead of a live server.
type pageCursor interface {
	Next(ctx context.Context) bool
	Decode(v any) error
	Err() error
	Close(ctx context.Context) error
}

// pageSource issues one bounded Find for a single batch. mongoPageSource
// is the production implementation; tests substitute a fake that serves
// pages from an in-memory slice.
type pageSource interface {
	findPage(ctx context.Context, query bson.M, sort bson.D, limit int64) (pageCursor, error)
}

type mongoPageSource struct {
	coll *mongo.Collection
}

func (s mongoPageSource) findPage(ctx context.Context, query bson.M, sort bson.D, limit int64) (pageCursor, error) {
	return s.coll.Find(ctx, query, options.Find().SetSort(sort).SetLimit(limit))
}

// keysetCursor implements Cursor by re-issuing a Find for each batch,
// building its predicate from the last document's sort-key values once
// the first batch is exhausted. This guarantees stable results under
// concurrent insertion without offset-based skip.
type keysetCursor struct {
	ctx       context.Context
	src       pageSource
	collName  Collection
	baseQuery bson.M
	sort      []SortKey
	batchSize int64
	unbounded bool  // true when the caller passed limit<=0
	remaining int64 // documents still owed to the caller; decremented per document served

	inner     pageCursor
	lastSort  bson.M
	exhausted bool
	err       error
}

func newKeysetCursor(ctx context.Context, src pageSource, collName Collection, query map[string]any, sort []SortKey, limit int64) *keysetCursor {
	baseQuery := bson.M{}
	for k, v := range query {
		baseQuery[k] = v
	}
	fullSort := append(append([]SortKey{}, sort...), SortKey{Field: primaryKeyField, Asc: true})

	return &keysetCursor{
		ctx: ctx, src: src, collName: collName, baseQuery: baseQuery, sort: fullSort,
		batchSize: DefaultBatchSize, unbounded: limit <= 0, remaining: limit,
	}
}

func (c *keysetCursor) Next(ctx context.Context) bool {
	if c.err != nil || c.exhausted {
		return false
	}
	if !c.unbounded && c.remaining <= 0 {
		c.exhausted = true
		return false
	}

	if c.inner == nil {
		if err := c.fetchBatch(ctx); err != nil {
			c.err = err
			return false
		}
	}

	if !c.inner.Next(ctx) {
		if err := c.inner.Err(); err != nil {
			c.err = err
			return false
		}
		_ = c.inner.Close(ctx)
		c.inner = nil

		if c.lastSort == nil {
			c.exhausted = true
			return false
		}
		if err := c.fetchBatch(ctx); err != nil {
			c.err = err
			return false
		}
		if !c.inner.Next(ctx) {
			c.exhausted = true
			return false
		}
	}

	var raw bson.M
	if err := c.inner.Decode(&raw); err != nil {
		c.err = err
		return false
	}
	c.lastSort = projectSortValues(raw, c.sort)
	if !c.unbounded {
		c.remaining--
	}
	return true
}

func (c *keysetCursor) fetchBatch(ctx context.Context) error {
	query := bson.M{}
	for k, v := range c.baseQuery {
		query[k] = v
	}
	if c.lastSort != nil {
		query["$or"] = keysetPredicate(c.lastSort, c.sort)
	}

	sortDoc := bson.D{}
	for _, s := range c.sort {
		dir := -1
		if s.Asc {
			dir = 1
		}
		sortDoc = append(sortDoc, bson.E{Key: s.Field, Value: dir})
	}

	limit := c.batchSize
	if c.remaining > 0 && c.remaining < limit {
		limit = c.remaining
	}

	return tracing.Trace(ctx, "docstore", "fetch_page", "", string(c.collName), func(ctx context.Context) error {
		timer := metrics.NewTimer()
		cur, err := c.src.findPage(ctx, query, sortDoc, limit)
		metrics.DocstorePageLatency.WithLabelValues(string(c.collName)).Observe(timer.Stop().Seconds())
		if err != nil {
			return rcerrors.Wrap(err, rcerrors.KindStoreError, "fetching keyset page")
		}
		c.inner = cur
		return nil
	})
}

// keysetPredicate builds the OR'd keyset predicate from the last
// returned document's sort-key values: equality on every sort key up to
// and including some prefix, with strict inequality on the next key, per
// spec.md §4.1 bullet 2.
func keysetPredicate(last bson.M, sort []SortKey) []bson.M {
	var clauses []bson.M
	for i, key := range sort {
		clause := bson.M{}
		for j := 0; j < i; j++ {
			clause[sort[j].Field] = last[sort[j].Field]
		}
		op := "$gt"
		if !key.Asc {
			op = "$lt"
		}
		clause[key.Field] = bson.M{op: last[key.Field]}
		clauses = append(clauses, clause)
	}
	return clauses
}

func projectSortValues(doc bson.M, sort []SortKey) bson.M {
	out := bson.M{}
	for _, s := range sort {
		out[s.Field] = doc[s.Field]
	}
	return out
}

func (c *keysetCursor) Decode(v any) error {
	return c.inner.Decode(v)
}

func (c *keysetCursor) Err() error {
	return c.err
}

func (c *keysetCursor) Close(ctx context.Context) error {
	if c.inner != nil {
		return c.inner.Close(ctx)
	}
	return nil
}

func (s *mongoStore) ChunkedFind(ctx context.Context, coll Collection, query map[string]any, sort []SortKey, skip, limit int64) (Cursor, error) {
	handle := collectionHandle(s.databaseFor(coll), coll)
	cur := newKeysetCursor(ctx, mongoPageSource{coll: handle}, coll, query, sort, limit)
	if skip > 0 {
		// Skipped matches are read and dropped rather than sent to the
		// store as an offset, so every page is still fetched by keyset.
		if !cur.unbounded {
			cur.remaining += skip
		}
		for i := int64(0); i < skip && cur.Next(ctx); i++ {
		}
		if err := cur.Err(); err != nil {
			return nil, err
		}
	}
	return cur, nil
}
