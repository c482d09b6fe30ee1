package filler

import (
	"context"
	"fmt"
	"sync"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/materializer"
	"github.com/opensci/runcat/pkg/metrics"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
	"github.com/opensci/runcat/pkg/rcerrors"
	"github.com/opensci/runcat/pkg/tracing"
)

// maxResolveAttempts bounds the re-entrant retry spec.md §4.3 allows: one
// retry past the first failure, tracked per datum id, before a column is
// declared unresolvable.
const maxResolveAttempts = 2

// Filler is the per-run External Filler instance: one handler per
// resource it has touched, and an unbounded cache of resolved datums
// (bounded only by the run's own datum count, which the store already
// bounds). Handler construction and invocation are serialized through a
// single mutex; handlers are not assumed to be safe for concurrent use.
type Filler struct {
	store    docstore.Store
	registry *Registry
	rootMap  map[string]string // old_root -> new_root, applied before handler construction

	mu         sync.Mutex
	handlers   map[string]Handler        // resource uid -> handler
	specs      map[string]string         // resource uid -> registered spec, for metrics labeling
	cache      map[string]*ndarray.Array // datum id -> resolved array, pre shape-validation
	prefetched map[string]bool           // resource uid -> datums already bulk-fetched
	attempts   map[string]int            // datum id -> resolve attempt count
}

// New returns a Filler resolving resources/datums through store against
// registry, remapping a resource's declared root through rootMap before
// constructing its handler.
func New(store docstore.Store, registry *Registry, rootMap map[string]string) *Filler {
	return &Filler{
		store:      store,
		registry:   registry,
		rootMap:    rootMap,
		handlers:   make(map[string]Handler),
		specs:      make(map[string]string),
		cache:      make(map[string]*ndarray.Array),
		prefetched: make(map[string]bool),
		attempts:   make(map[string]int),
	}
}

// Fill resolves datumID to its materialized array for column, validating
// (and padding or trimming per spec.md §4.4) against expectedShape
// before returning. expectedShape is the declared per-event shape, not
// the whole stacked column's shape.
func (f *Filler) Fill(ctx context.Context, datumID, column string, expectedShape []int64) (*ndarray.Array, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fillLocked(ctx, datumID, column, expectedShape)
}

func (f *Filler) fillLocked(ctx context.Context, datumID, column string, expectedShape []int64) (*ndarray.Array, error) {
	if cached, ok := f.cache[datumID]; ok {
		return materializer.ValidateShape(column, cached, expectedShape)
	}

	timer := metrics.NewTimer()
	var lastErr error
	var spec string
	for f.attempts[datumID] < maxResolveAttempts {
		f.attempts[datumID]++
		arr, resourceUID, err := f.resolveOnce(ctx, datumID)
		if resourceUID != "" {
			spec = f.specFor(resourceUID)
		}
		if err == nil {
			f.cache[datumID] = arr
			delete(f.attempts, datumID)
			metrics.FillerInvocations.WithLabelValues(spec, "ok").Inc()
			metrics.FillerLatency.WithLabelValues(spec).Observe(timer.Stop().Seconds())
			return materializer.ValidateShape(column, arr, expectedShape)
		}
		// resolveOnce may have populated f.cache for datumID itself via the
		// resource-scoped prefetch even though it returned an error for some
		// other datum in the same batch; check before retrying.
		if cached, ok := f.cache[datumID]; ok {
			delete(f.attempts, datumID)
			metrics.FillerInvocations.WithLabelValues(spec, "ok").Inc()
			metrics.FillerLatency.WithLabelValues(spec).Observe(timer.Stop().Seconds())
			return materializer.ValidateShape(column, cached, expectedShape)
		}
		lastErr = err
	}

	metrics.FillerInvocations.WithLabelValues(spec, "unresolvable").Inc()
	metrics.FillerLatency.WithLabelValues(spec).Observe(timer.Stop().Seconds())
	return nil, rcerrors.Wrap(lastErr, rcerrors.KindUnresolvableExternalReference,
		"datum could not be resolved after the allotted retries").WithDetail("datum_id", datumID)
}

// resolveOnce performs the 5-step resolution: "/"-prefix fast path with
// fallback, per-resource handler construction, resource-scoped datum
// prefetch, and handler invocation. It returns the resolved resource
// uid alongside the array (even on a later failure) so the caller can
// label metrics by spec once a resource has been identified.
func (f *Filler) resolveOnce(ctx context.Context, datumID string) (*ndarray.Array, string, error) {
	resourceUID, err := f.resolveResourceUID(ctx, datumID)
	if err != nil {
		return nil, "", err
	}

	var arr *ndarray.Array
	err = tracing.Trace(ctx, "filler", "resolve", "", "", func(ctx context.Context) error {
		handler, err := f.handlerFor(ctx, resourceUID)
		if err != nil {
			return err
		}

		if err := f.prefetchResourceOnce(ctx, resourceUID, handler); err != nil {
			return err
		}
		if cached, ok := f.cache[datumID]; ok {
			arr = cached
			return nil
		}

		datum, err := f.store.GetDatum(ctx, datumID)
		if err != nil {
			return rcerrors.Wrap(err, rcerrors.KindStoreError, "datum lookup failed").WithDetail("datum_id", datumID)
		}

		arr, err = handler.Resolve(ctx, datum.DatumKwargs)
		if err != nil {
			return rcerrors.Wrap(err, rcerrors.KindStoreError, "handler resolution failed").WithDetail("datum_id", datumID)
		}
		return nil
	})
	return arr, resourceUID, err
}

// prefetchResourceOnce implements spec.md §4.3 step 3: the first time a
// resource is touched, every datum belonging to it is fetched in one
// query and resolved into f.cache, so that later references to sibling
// datums of the same resource skip the store round-trip entirely.
// Grounded on mongo_normalized.py's _fill, which loops
// get_datum_for_resource(resource_uid=resource_uid) the first time a
// resource-scoped datum is seen.
func (f *Filler) prefetchResourceOnce(ctx context.Context, resourceUID string, handler Handler) error {
	if f.prefetched[resourceUID] {
		return nil
	}
	datums, err := f.store.DatumsForResource(ctx, resourceUID)
	if err != nil {
		return rcerrors.Wrap(err, rcerrors.KindStoreError, "datum prefetch for resource failed").WithDetail("resource_uid", resourceUID)
	}
	for _, datum := range datums {
		if _, ok := f.cache[datum.DatumID]; ok {
			continue
		}
		arr, err := handler.Resolve(ctx, datum.DatumKwargs)
		if err != nil {
			return rcerrors.Wrap(err, rcerrors.KindStoreError, "handler resolution failed during resource prefetch").WithDetail("datum_id", datum.DatumID)
		}
		f.cache[datum.DatumID] = arr
	}
	f.prefetched[resourceUID] = true
	return nil
}

// resolveResourceUID implements the "/"-prefix fast path: a datum id
// embedding "<resource_uid>/<suffix>" is checked first, falling back to
// an authoritative resource lookup through the datum collection on miss
// or when the hinted resource does not actually exist.
func (f *Filler) resolveResourceUID(ctx context.Context, datumID string) (string, error) {
	if hint, ok := model.ResourceUIDHint(datumID); ok {
		if _, err := f.store.GetResource(ctx, hint); err == nil {
			return hint, nil
		}
	}
	uid, err := f.store.ResourceForDatum(ctx, datumID)
	if err != nil {
		return "", rcerrors.Wrap(err, rcerrors.KindStoreError, "resource lookup for datum failed").WithDetail("datum_id", datumID)
	}
	return uid, nil
}

// handlerFor returns the cached handler for resourceUID, lazily
// constructing it (and applying any root remap) on first use.
func (f *Filler) handlerFor(ctx context.Context, resourceUID string) (Handler, error) {
	if h, ok := f.handlers[resourceUID]; ok {
		return h, nil
	}

	resource, err := f.store.GetResource(ctx, resourceUID)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "resource lookup failed").WithDetail("resource_uid", resourceUID)
	}
	if remapped, ok := f.rootMap[resource.Root]; ok {
		resource.Root = remapped
	}

	factory, ok := f.registry.Lookup(resource.Spec)
	if !ok {
		return nil, rcerrors.New(rcerrors.KindUnresolvableExternalReference, fmt.Sprintf("no handler registered for spec %q", resource.Spec)).
			WithDetail("resource_uid", resourceUID)
	}

	handler, err := factory(resource)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindUnresolvableExternalReference, "handler construction failed").WithDetail("resource_uid", resourceUID)
	}

	f.handlers[resourceUID] = handler
	f.specs[resourceUID] = resource.Spec
	return handler, nil
}

// specFor returns the registered spec name for resourceUID, for metrics
// labeling only; "" if no handler has been constructed for it yet.
func (f *Filler) specFor(resourceUID string) string {
	return f.specs[resourceUID]
}

// Close releases every handler this Filler has constructed.
func (f *Filler) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var first error
	for uid, h := range f.handlers {
		if err := h.Close(); err != nil && first == nil {
			first = fmt.Errorf("closing handler for resource %s: %w", uid, err)
		}
	}
	return first
}
