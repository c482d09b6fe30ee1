package catalog

import (
	"fmt"
	"sync"

	"github.com/opensci/runcat/pkg/rcerrors"
)

// Translator compiles one Query's Params into the mongo-style filter
// fragment ChunkedFind expects, per spec.md §4.7's built-in query
// types (full_text, raw_mongo, partial_uid, scan_id, time_range).
type Translator func(params map[string]any) (map[string]any, error)

// TranslatorRegistry is the Type -> Translator table Catalog.Search
// consults to compile a query set into a single mongo filter.
type TranslatorRegistry struct {
	mu          sync.RWMutex
	translators map[string]Translator
}

// NewTranslatorRegistry returns an empty TranslatorRegistry.
func NewTranslatorRegistry() *TranslatorRegistry {
	return &TranslatorRegistry{translators: make(map[string]Translator)}
}

// Register adds (or replaces) the translator for typeName.
func (r *TranslatorRegistry) Register(typeName string, t Translator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.translators[typeName] = t
}

// Translate compiles every query into its mongo filter fragment and
// ANDs them together.
func (r *TranslatorRegistry) Translate(queries []Query) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(queries) == 0 {
		return map[string]any{}, nil
	}

	fragments := make([]map[string]any, 0, len(queries))
	for _, q := range queries {
		t, ok := r.translators[q.Type]
		if !ok {
			return nil, rcerrors.New(rcerrors.KindCapability, fmt.Sprintf("no translator registered for query type %q", q.Type))
		}
		fragment, err := t(q.Params)
		if err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindCapability, "query translation failed").WithDetail("query_type", q.Type)
		}
		fragments = append(fragments, fragment)
	}

	if len(fragments) == 1 {
		return fragments[0], nil
	}
	and := make([]any, len(fragments))
	for i, f := range fragments {
		and[i] = f
	}
	return map[string]any{"$and": and}, nil
}

// DefaultTranslatorRegistry returns a TranslatorRegistry with spec.md
// §4.7's five built-in query types registered.
func DefaultTranslatorRegistry() *TranslatorRegistry {
	r := NewTranslatorRegistry()
	r.Register("full_text", translateFullText)
	r.Register("raw_mongo", translateRawMongo)
	r.Register("partial_uid", translatePartialUID)
	r.Register("scan_id", translateScanID)
	r.Register("time_range", translateTimeRange)
	return r
}

func translateFullText(params map[string]any) (map[string]any, error) {
	text, ok := params["text"].(string)
	if !ok || text == "" {
		return nil, fmt.Errorf("full_text query requires a non-empty \"text\" param")
	}
	return map[string]any{"$text": map[string]any{"$search": text}}, nil
}

func translateRawMongo(params map[string]any) (map[string]any, error) {
	query, ok := params["query"].(map[string]any)
	if !ok {
		return nil, fmt.Errorf("raw_mongo query requires a \"query\" param of type map[string]any")
	}
	return query, nil
}

// translatePartialUID builds the $regex prefix fragment for a single
// partial uid, rejecting a prefix shorter than partialUIDMinLength. The
// ambiguous-match check (mongo_normalized.py's partial_uid query
// function) needs the match count back from the store, which a
// Translator cannot see, so Catalog.Search applies it in
// matchPartialUIDs instead; this translator is also registered directly
// for callers that only need the filter fragment (e.g. composing with
// other query types).
func translatePartialUID(params map[string]any) (map[string]any, error) {
	prefix, ok := params["uid"].(string)
	if !ok || prefix == "" {
		return nil, fmt.Errorf("partial_uid query requires a non-empty \"uid\" param")
	}
	if len(prefix) < partialUIDMinLength {
		return nil, fmt.Errorf("partial uid %q is too short, it must include at least %d characters", prefix, partialUIDMinLength)
	}
	return map[string]any{"uid": map[string]any{"$regex": "^" + prefix}}, nil
}

// translateScanID builds the $in fragment over one or more scan ids.
// The duplicate-resolution modes (mongo_normalized.py's scan_id query
// function) are applied by Catalog.Search's matchScanIDs instead,
// since they need the full match set, not just a filter fragment.
func translateScanID(params map[string]any) (map[string]any, error) {
	ids, err := scanIDsFromParams(params)
	if err != nil {
		return nil, err
	}
	return map[string]any{"scan_id": map[string]any{"$in": ids}}, nil
}

func scanIDsFromParams(params map[string]any) ([]any, error) {
	if ids, ok := params["scan_ids"].([]any); ok && len(ids) > 0 {
		return ids, nil
	}
	if id, ok := params["scan_id"]; ok {
		return []any{id}, nil
	}
	return nil, fmt.Errorf("scan_id query requires a \"scan_id\" or \"scan_ids\" param")
}

func translateTimeRange(params map[string]any) (map[string]any, error) {
	filter := map[string]any{}
	since, hasSince := params["since"]
	until, hasUntil := params["until"]
	if !hasSince && !hasUntil {
		return nil, fmt.Errorf("time_range query requires at least one of \"since\"/\"until\"")
	}
	rangeFilter := map[string]any{}
	if hasSince {
		rangeFilter["$gte"] = since
	}
	if hasUntil {
		rangeFilter["$lt"] = until
	}
	filter["time"] = rangeFilter
	return filter, nil
}
