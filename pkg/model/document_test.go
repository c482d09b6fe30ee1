package model_test

import (
	"testing"

	"github.com/opensci/runcat/pkg/model"
)

func TestResourceUIDHintSplitsOnFirstSlash(t *testing.T) {
	uid, ok := model.ResourceUIDHint("R1/D1")
	if !ok || uid != "R1" {
		t.Fatalf("got (%q, %v), want (R1, true)", uid, ok)
	}
}

func TestResourceUIDHintMissingSlash(t *testing.T) {
	if _, ok := model.ResourceUIDHint("no-slash-here"); ok {
		t.Fatal("expected no hint when datum id has no slash")
	}
}

func TestDocumentKindTagging(t *testing.T) {
	docs := []model.Document{
		model.RunStart{UID: "r1"},
		model.RunStop{UID: "s1"},
		model.EventDescriptor{UID: "d1"},
		model.Event{UID: "e1"},
		model.Resource{UID: "res1"},
		model.Datum{DatumID: "dat1"},
	}
	want := []model.DocumentKind{
		model.KindRunStart, model.KindRunStop, model.KindEventDescriptor,
		model.KindEvent, model.KindResource, model.KindDatum,
	}
	for i, doc := range docs {
		if got := doc.Kind(); got != want[i] {
			t.Errorf("docs[%d].Kind() = %v, want %v", i, got, want[i])
		}
	}
}

func TestTransformSetIdentityWhenUnset(t *testing.T) {
	var ts model.TransformSet
	start := model.RunStart{UID: "r1", ScanID: 7}
	if got := ts.ApplyStart(start); got.UID != start.UID || got.ScanID != start.ScanID {
		t.Fatalf("expected identity transform, got %+v", got)
	}
}

// Invariant 8: applying transforms twice to an already-transformed
// document must yield an equal document (idempotence).
func TestTransformIdempotence(t *testing.T) {
	ts := model.TransformSet{
		Descriptor: func(d model.EventDescriptor) model.EventDescriptor {
			if d.Name == "" {
				d.Name = "primary"
			}
			return d
		},
	}

	raw := model.EventDescriptor{UID: "d1"}
	once := ts.ApplyDescriptor(raw)
	twice := ts.ApplyDescriptor(once)

	if once.Name != twice.Name {
		t.Fatalf("transform not idempotent: once=%q twice=%q", once.Name, twice.Name)
	}
}
