// Package filler is the External Filler: resolving a Resource's opaque
// spec name to a pluggable Handler and, through it, a Datum's kwargs to
// the bytes or array it addresses (spec.md §4.3).
package filler

import (
	"context"
	"sync"

	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/ndarray"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// Handler resolves datum kwargs against one already-opened resource into
// a materialized array.
type Handler interface {
	// Resolve returns the array a single datum's kwargs address within
	// the resource this Handler was constructed for.
	Resolve(ctx context.Context, datumKwargs map[string]any) (*ndarray.Array, error)
	// Close releases any file handles, connections, or buffers the
	// handler holds open.
	Close() error
}

// HandlerFactory constructs a Handler bound to one resource.
type HandlerFactory func(resource model.Resource) (Handler, error)

// Registry is the process-wide spec-keyed table of handler
// constructors. Lookup takes a read lock, so lookups run concurrently
// with each other; Register takes the write lock.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFactory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFactory)}
}

// Register adds factory under spec. Without overwrite, registering a
// spec a second time returns DuplicateHandler (EXP-3); overwrite=true is
// the escape hatch for tests and hot-reloadable deployments that need to
// replace a handler in place.
func (r *Registry) Register(spec string, factory HandlerFactory, overwrite bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[spec]; exists && !overwrite {
		return rcerrors.New(rcerrors.KindDuplicateHandler, "a handler is already registered for this spec").WithDetail("spec", spec)
	}
	r.handlers[spec] = factory
	return nil
}

// Lookup returns the factory registered for spec.
func (r *Registry) Lookup(spec string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.handlers[spec]
	return factory, ok
}
