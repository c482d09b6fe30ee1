// Package replay is the Document Stream Replayer (spec.md §4.9): it
// walks a run's start document, a time-merged interleave of its
// streams' descriptors and events (with external resource/datum
// documents emitted lazily ahead of the first event that references
// them), and its stop document if present, modeled on the teacher's
// channel-based RecordStream pattern (pkg/connector/core.RecordStream).
package replay

import (
	"context"
	"sort"

	"github.com/opensci/runcat/pkg/catalog"
	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/metrics"
	"github.com/opensci/runcat/pkg/model"
	"github.com/opensci/runcat/pkg/rcerrors"
)

// Document is one (name, payload) pair the replayer emits. Name is one
// of start, descriptor, event, event_page, resource, datum, datum_page,
// stop (spec.md §6 "Replay output format").
type Document struct {
	Name string
	Doc  any
}

// DocumentStream is the replayer's output: a channel of documents and a
// side channel of errors, closed together when replay completes or the
// caller's context is canceled.
type DocumentStream struct {
	Documents <-chan Document
	Errors    <-chan error
}

// timedItem is either a descriptor or an event, ordered by Time for the
// merge-sort interleave spec.md §4.9 and §5 require.
type timedItem struct {
	time       float64
	descriptor *model.EventDescriptor
	event      *model.Event
}

// SingleDocuments yields run's documents one at a time, in §4.9's
// prescribed order. fill=true is reserved (Open Question §9): it
// returns a single KindCapability error and emits nothing.
func SingleDocuments(ctx context.Context, run *catalog.Run, fill bool) *DocumentStream {
	docs := make(chan Document)
	errs := make(chan error, 1)

	go func() {
		defer close(docs)
		defer close(errs)

		if fill {
			errs <- rcerrors.New(rcerrors.KindCapability, "replay with fill=true is not implemented; use the materialization path for filled reads")
			return
		}

		tracker := metrics.NewThroughputTracker(run.UID())
		defer tracker.GetAndReset()
		tracked := func(ctx context.Context, docs chan<- Document, doc Document) bool {
			ok := emit(ctx, docs, doc)
			if ok {
				tracker.Increment(1)
			}
			return ok
		}

		start, stop := run.ApplyTransforms()
		if !tracked(ctx, docs, Document{Name: "start", Doc: start}) {
			return
		}

		if err := emitInterleaved(ctx, run, docs, tracker); err != nil {
			errs <- err
			return
		}

		if stop != nil {
			tracked(ctx, docs, Document{Name: "stop", Doc: *stop})
		}
	}()

	return &DocumentStream{Documents: docs, Errors: errs}
}

// Documents batches SingleDocuments' output per §4.9: consecutive
// events sharing a descriptor collapse into event_page groups of at
// most size, and consecutive datums sharing a resource collapse into
// datum_page groups of at most size, flushing on type change,
// foreign-key change, size reached, or any non-batchable document.
func Documents(ctx context.Context, run *catalog.Run, fill bool, size int) *DocumentStream {
	inner := SingleDocuments(ctx, run, fill)
	docs := make(chan Document)
	errs := make(chan error, 1)

	go func() {
		defer close(docs)
		defer close(errs)

		b := newBatcher(size)
		for doc := range inner.Documents {
			for _, flushed := range b.accept(doc) {
				if !emit(ctx, docs, flushed) {
					drain(inner)
					return
				}
			}
		}
		if err, ok := <-inner.Errors; ok && err != nil {
			errs <- err
			return
		}
		for _, flushed := range b.flush() {
			if !emit(ctx, docs, flushed) {
				return
			}
		}
	}()

	return &DocumentStream{Documents: docs, Errors: errs}
}

func drain(s *DocumentStream) {
	for range s.Documents {
	}
}

func emit(ctx context.Context, docs chan<- Document, doc Document) bool {
	select {
	case docs <- doc:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitInterleaved gathers every stream's descriptors and events, sorts
// them into one time-ordered sequence, and emits each in turn, resolving
// external references lazily ahead of the first event that needs them.
func emitInterleaved(ctx context.Context, run *catalog.Run, docs chan<- Document, tracker *metrics.ThroughputTracker) error {
	names, err := run.StreamNames(ctx)
	if err != nil {
		return err
	}

	descriptorsByUID := map[string]model.EventDescriptor{}
	var items []timedItem

	for _, name := range names {
		stream, err := run.Stream(ctx, name)
		if err != nil {
			return err
		}
		for _, d := range stream.Descriptors() {
			descriptorsByUID[d.UID] = d
			items = append(items, timedItem{time: d.Time, descriptor: &d})

			events, err := eventsForDescriptor(ctx, run.Store(), d.UID)
			if err != nil {
				return err
			}
			for _, ev := range events {
				items = append(items, timedItem{time: ev.Time, event: &ev})
			}
		}
	}

	sort.SliceStable(items, func(i, j int) bool { return items[i].time < items[j].time })

	seenResources := map[string]bool{}
	for _, item := range items {
		switch {
		case item.descriptor != nil:
			if !emit(ctx, docs, Document{Name: "descriptor", Doc: *item.descriptor}) {
				return nil
			}
			tracker.Increment(1)
		case item.event != nil:
			desc := descriptorsByUID[item.event.Descriptor]
			if err := resolveExternalReferences(ctx, run.Store(), desc, *item.event, seenResources, docs, tracker); err != nil {
				return err
			}
			if !emit(ctx, docs, Document{Name: "event", Doc: *item.event}) {
				return nil
			}
			tracker.Increment(1)
		}
	}
	return nil
}

func eventsForDescriptor(ctx context.Context, store docstore.Store, descriptorUID string) ([]model.Event, error) {
	cursor, err := store.ChunkedFind(ctx, docstore.CollEvent,
		map[string]any{"descriptor": descriptorUID},
		[]docstore.SortKey{{Field: "seq_num", Asc: true}}, 0, 0)
	if err != nil {
		return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "listing events for replay").WithDetail("descriptor_uid", descriptorUID)
	}
	defer cursor.Close(ctx)

	var out []model.Event
	for cursor.Next(ctx) {
		var doc struct {
			UID        string             `bson:"uid"`
			Descriptor string             `bson:"descriptor"`
			SeqNum     int64              `bson:"seq_num"`
			Time       float64            `bson:"time"`
			Data       map[string]any     `bson:"data"`
			Timestamps map[string]float64 `bson:"timestamps"`
			Filled     map[string]bool    `bson:"filled"`
		}
		if err := cursor.Decode(&doc); err != nil {
			return nil, rcerrors.Wrap(err, rcerrors.KindStoreError, "decoding event for replay").WithDetail("descriptor_uid", descriptorUID)
		}
		out = append(out, model.Event{
			UID: doc.UID, Descriptor: doc.Descriptor, SeqNum: doc.SeqNum, Time: doc.Time,
			Data: doc.Data, Timestamps: doc.Timestamps, Filled: doc.Filled,
		})
	}
	return out, cursor.Err()
}

// resolveExternalReferences emits the resource and every one of its
// datums the first time ev references a resource this replay hasn't
// seen yet, ahead of the event itself (spec.md §4.9 bullet 2).
func resolveExternalReferences(ctx context.Context, store docstore.Store, desc model.EventDescriptor, ev model.Event, seen map[string]bool, docs chan<- Document, tracker *metrics.ThroughputTracker) error {
	for key, dk := range desc.DataKeys {
		if !dk.External {
			continue
		}
		datumID, ok := ev.Data[key].(string)
		if !ok || datumID == "" {
			continue
		}

		resourceUID, hinted := model.ResourceUIDHint(datumID)
		if !hinted {
			var err error
			resourceUID, err = store.ResourceForDatum(ctx, datumID)
			if err != nil {
				return err
			}
		}
		if seen[resourceUID] {
			continue
		}

		resource, err := store.GetResource(ctx, resourceUID)
		if err != nil {
			// the "/"-prefix hint may have guessed wrong; fall back.
			resourceUID, err = store.ResourceForDatum(ctx, datumID)
			if err != nil {
				return err
			}
			if seen[resourceUID] {
				continue
			}
			resource, err = store.GetResource(ctx, resourceUID)
			if err != nil {
				return err
			}
		}

		if !emit(ctx, docs, Document{Name: "resource", Doc: resource}) {
			return nil
		}
		tracker.Increment(1)
		datums, err := store.DatumsForResource(ctx, resourceUID)
		if err != nil {
			return err
		}
		for _, d := range datums {
			if !emit(ctx, docs, Document{Name: "datum", Doc: d}) {
				return nil
			}
			tracker.Increment(1)
		}
		seen[resourceUID] = true
	}
	return nil
}
