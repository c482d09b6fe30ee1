package replay

import "github.com/opensci/runcat/pkg/model"

// EventPage is the field-wise transposed vector form of a run of
// consecutive events sharing one descriptor (spec.md §6 "page variants
// carry the field-wise transposed vectors of their row equivalents").
type EventPage struct {
	Descriptor string
	SeqNum     []int64
	Time       []float64
	Data       map[string][]any
	Timestamps map[string][]float64
}

// DatumPage is the transposed vector form of a run of consecutive
// datums sharing one resource.
type DatumPage struct {
	Resource    string
	DatumID     []string
	DatumKwargs map[string][]any
}

// batcher implements §4.9's flush rule: accumulate same-key event/datum
// documents up to size, flushing on type change, foreign-key change,
// size reached, or any non-batchable document.
type batcher struct {
	size int

	kind string // "event" or "datum"; "" means no pending batch
	key  string // descriptor uid or resource uid

	events []model.Event
	datums []model.Datum
}

func newBatcher(size int) *batcher {
	if size <= 0 {
		size = 1
	}
	return &batcher{size: size}
}

// accept feeds one document through the batcher, returning zero or more
// documents now ready to emit (a flushed page, the document itself if
// not batchable, or nothing if it joined the pending batch).
func (b *batcher) accept(doc Document) []Document {
	switch v := doc.Doc.(type) {
	case model.Event:
		if b.kind == "event" && b.key == v.Descriptor && len(b.events) < b.size {
			b.events = append(b.events, v)
			return nil
		}
		out := b.flush()
		b.kind, b.key, b.events = "event", v.Descriptor, []model.Event{v}
		return out
	case model.Datum:
		if b.kind == "datum" && b.key == v.Resource && len(b.datums) < b.size {
			b.datums = append(b.datums, v)
			return nil
		}
		out := b.flush()
		b.kind, b.key, b.datums = "datum", v.Resource, []model.Datum{v}
		return out
	default:
		out := b.flush()
		return append(out, doc)
	}
}

// flush closes out any pending batch, returning it as a page document
// (or nothing if there was no pending batch).
func (b *batcher) flush() []Document {
	defer func() { b.kind, b.key, b.events, b.datums = "", "", nil, nil }()

	switch b.kind {
	case "event":
		return []Document{{Name: "event_page", Doc: transposeEvents(b.events)}}
	case "datum":
		return []Document{{Name: "datum_page", Doc: transposeDatums(b.datums)}}
	default:
		return nil
	}
}

func transposeEvents(events []model.Event) EventPage {
	page := EventPage{
		Descriptor: events[0].Descriptor,
		SeqNum:     make([]int64, len(events)),
		Time:       make([]float64, len(events)),
		Data:       map[string][]any{},
		Timestamps: map[string][]float64{},
	}
	for i, ev := range events {
		page.SeqNum[i] = ev.SeqNum
		page.Time[i] = ev.Time
		for k, v := range ev.Data {
			page.Data[k] = append(page.Data[k], v)
		}
		for k, v := range ev.Timestamps {
			page.Timestamps[k] = append(page.Timestamps[k], v)
		}
	}
	return page
}

func transposeDatums(datums []model.Datum) DatumPage {
	page := DatumPage{
		Resource:    datums[0].Resource,
		DatumID:     make([]string, len(datums)),
		DatumKwargs: map[string][]any{},
	}
	for i, d := range datums {
		page.DatumID[i] = d.DatumID
		for k, v := range d.DatumKwargs {
			page.DatumKwargs[k] = append(page.DatumKwargs[k], v)
		}
	}
	return page
}
