package catalog

import (
	"context"
	"fmt"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// partialUIDMinLength is the shortest prefix a partial_uid query will
// accept, per mongo_normalized.py's partial_uid query function: a
// shorter prefix is rejected outright rather than risk matching nearly
// every run in the collection.
const partialUIDMinLength = 5

// Query is one opaque, translator-typed search term. Type names one of
// the registered Translators; Params is whatever that translator's
// constructor needs.
type Query struct {
	Type   string
	Params map[string]any
}

// Catalog is the read-oriented entry point: it composes a Store, a run
// cache, an optional AccessPolicy, and the query translator registry.
type Catalog struct {
	store       docstore.Store
	runs        *runCache
	translators *TranslatorRegistry
	policy      AccessPolicy
	identity    Identity
	opts        RunOptions
}

// New constructs a Catalog over store.
func New(store docstore.Store, runCacheCfg RunCacheConfig, translators *TranslatorRegistry, policy AccessPolicy, opts RunOptions) *Catalog {
	if translators == nil {
		translators = DefaultTranslatorRegistry()
	}
	return &Catalog{
		store:       store,
		runs:        newRunCache(runCacheCfg, nil),
		translators: translators,
		policy:      policy,
		opts:        opts,
	}
}

// GetRun returns the Run for uid.
func (c *Catalog) GetRun(ctx context.Context, uid string) (*Run, error) {
	return c.runs.GetRun(ctx, c.store, uid, c.opts)
}

// Search returns every run uid matching queries, under the given sort
// order, after the catalog's AccessPolicy (if any) has rewritten the
// query set for the caller's identity. partial_uid and scan_id queries
// are pulled out of the generic translator pipeline and resolved
// against the full candidate set first, mirroring
// mongo_normalized.py's partial_uid/scan_id query-registry functions:
// both need the actual match set back (to reject an ambiguous partial
// uid, or to apply a duplicates mode), which a pure filter-fragment
// Translator cannot see.
func (c *Catalog) Search(ctx context.Context, queries []Query, sortKeys []docstore.SortKey, skip, limit int64) ([]string, error) {
	queries, err := c.enforcePolicy(queries)
	if err != nil {
		return nil, err
	}

	var rest []Query
	var partialUIDs []string
	var scanIDQuery *Query
	for _, q := range queries {
		switch q.Type {
		case "partial_uid":
			ids, err := partialUIDsFromParams(q.Params)
			if err != nil {
				return nil, err
			}
			partialUIDs = append(partialUIDs, ids...)
		case "scan_id":
			qCopy := q
			scanIDQuery = &qCopy
		default:
			rest = append(rest, q)
		}
	}

	baseFilter, err := c.translators.Translate(rest)
	if err != nil {
		return nil, err
	}

	finalFilter := baseFilter
	if len(partialUIDs) > 0 {
		matched, err := c.matchPartialUIDs(ctx, baseFilter, partialUIDs)
		if err != nil {
			return nil, err
		}
		finalFilter = andFilter(finalFilter, map[string]any{"uid": map[string]any{"$in": matched}})
	}
	if scanIDQuery != nil {
		matched, err := c.matchScanIDs(ctx, baseFilter, *scanIDQuery)
		if err != nil {
			return nil, err
		}
		finalFilter = andFilter(finalFilter, map[string]any{"uid": map[string]any{"$in": matched}})
	}

	return c.findRunUIDsSorted(ctx, finalFilter, sortKeys, skip, limit)
}

func (c *Catalog) findRunUIDsSorted(ctx context.Context, filter map[string]any, sortKeys []docstore.SortKey, skip, limit int64) ([]string, error) {
	cursor, err := c.store.ChunkedFind(ctx, docstore.CollRunStart, filter, sortKeys, skip, limit)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "search failed")
	}
	defer cursor.Close(ctx)

	var uids []string
	for cursor.Next(ctx) {
		var doc struct {
			UID string `bson:"uid"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "decoding search result failed")
		}
		uids = append(uids, doc.UID)
	}
	if err := cursor.Err(); err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "search cursor iteration failed")
	}
	return uids, nil
}

func partialUIDsFromParams(params map[string]any) ([]string, error) {
	var ids []string
	if raw, ok := params["uids"].([]any); ok {
		for _, v := range raw {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("partial_uid query's \"uids\" param must contain only strings")
			}
			ids = append(ids, s)
		}
	} else if s, ok := params["uid"].(string); ok {
		ids = append(ids, s)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("partial_uid query requires a non-empty \"uid\" or \"uids\" param")
	}
	for _, id := range ids {
		if len(id) < partialUIDMinLength {
			return nil, rcerrors.New(rcerrors.KindCapability,
				fmt.Sprintf("partial uid %q is too short, it must include at least %d characters", id, partialUIDMinLength))
		}
	}
	return ids, nil
}

// matchPartialUIDs resolves each partial uid independently against
// baseFilter, rejecting any prefix that matches more than one run, and
// unions the (at most one match per prefix) results — exactly
// mongo_normalized.py's partial_uid: one ambiguous prefix fails the
// whole query, unambiguous prefixes merge.
func (c *Catalog) matchPartialUIDs(ctx context.Context, baseFilter map[string]any, partialUIDs []string) ([]any, error) {
	seen := map[string]bool{}
	var matched []any
	for _, prefix := range partialUIDs {
		filter := andFilter(baseFilter, map[string]any{"uid": map[string]any{"$regex": "^" + prefix}})
		uids, err := c.findRunUIDs(ctx, filter)
		if err != nil {
			return nil, err
		}
		if len(uids) > 1 {
			return nil, rcerrors.New(rcerrors.KindCapability,
				fmt.Sprintf("partial uid %q has multiple matches, include more characters", prefix)).
				WithDetail("matches", uids)
		}
		for _, uid := range uids {
			if !seen[uid] {
				seen[uid] = true
				matched = append(matched, uid)
			}
		}
	}
	return matched, nil
}

// matchScanIDs resolves q's scan_ids against baseFilter and applies its
// duplicates mode ("latest", "error", or "all"), mirroring
// mongo_normalized.py's scan_id query function.
func (c *Catalog) matchScanIDs(ctx context.Context, baseFilter map[string]any, q Query) ([]any, error) {
	ids, err := scanIDsFromParams(q.Params)
	if err != nil {
		return nil, err
	}
	duplicates, ok := q.Params["duplicates"].(string)
	if !ok || duplicates == "" {
		duplicates = "latest"
	}

	filter := andFilter(baseFilter, map[string]any{"scan_id": map[string]any{"$in": ids}})
	cursor, err := c.store.ChunkedFind(ctx, docstore.CollRunStart, filter, []docstore.SortKey{{Field: "time", Asc: true}}, 0, 0)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "scan_id search failed")
	}
	defer cursor.Close(ctx)

	type hit struct {
		UID    string `bson:"uid"`
		ScanID int64  `bson:"scan_id"`
	}
	var hits []hit
	for cursor.Next(ctx) {
		var h hit
		if err := cursor.Decode(&h); err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "decoding scan_id search result failed")
		}
		hits = append(hits, h)
	}
	if err := cursor.Err(); err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "scan_id search cursor iteration failed")
	}

	switch duplicates {
	case "all":
		matched := make([]any, len(hits))
		for i, h := range hits {
			matched[i] = h.UID
		}
		return matched, nil
	case "error":
		counts := map[int64]int{}
		for _, h := range hits {
			counts[h.ScanID]++
		}
		var duplicated []int64
		for scanID, n := range counts {
			if n > 1 {
				duplicated = append(duplicated, scanID)
			}
		}
		if len(duplicated) > 0 {
			return nil, rcerrors.New(rcerrors.KindCapability, "multiple runs share the same scan_id").WithDetail("scan_ids", duplicated)
		}
		matched := make([]any, len(hits))
		for i, h := range hits {
			matched[i] = h.UID
		}
		return matched, nil
	case "latest":
		// hits is sorted by time ascending; the last hit seen for a
		// scan_id overwrites earlier ones, leaving the most recent run.
		byScanID := map[int64]string{}
		for _, h := range hits {
			byScanID[h.ScanID] = h.UID
		}
		matched := make([]any, 0, len(byScanID))
		for _, uid := range byScanID {
			matched = append(matched, uid)
		}
		return matched, nil
	default:
		return nil, rcerrors.New(rcerrors.KindCapability, `scan_id query's "duplicates" param must be one of "latest", "error", "all"`)
	}
}

func (c *Catalog) findRunUIDs(ctx context.Context, filter map[string]any) ([]string, error) {
	return c.findRunUIDsSorted(ctx, filter, nil, 0, 0)
}

// andFilter combines two filter fragments, dropping an empty one rather
// than emitting a degenerate $and.
func andFilter(a, b map[string]any) map[string]any {
	if len(a) == 0 {
		return b
	}
	if len(b) == 0 {
		return a
	}
	return map[string]any{"$and": []any{a, b}}
}
