package catalog

import "testing"

func TestTranslateFullText(t *testing.T) {
	r := DefaultTranslatorRegistry()
	got, err := r.Translate([]Query{{Type: "full_text", Params: map[string]any{"text": "diffraction"}}})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	search, ok := got["$text"].(map[string]any)
	if !ok || search["$search"] != "diffraction" {
		t.Fatalf("got %v", got)
	}
}

func TestTranslateUnknownTypeIsCapabilityError(t *testing.T) {
	r := DefaultTranslatorRegistry()
	_, err := r.Translate([]Query{{Type: "nonexistent"}})
	if err == nil {
		t.Fatal("expected an error for an unregistered query type")
	}
}

func TestTranslateMultipleQueriesAreANDed(t *testing.T) {
	r := DefaultTranslatorRegistry()
	got, err := r.Translate([]Query{
		{Type: "scan_id", Params: map[string]any{"scan_id": 42}},
		{Type: "time_range", Params: map[string]any{"since": 100.0}},
	})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	and, ok := got["$and"].([]any)
	if !ok || len(and) != 2 {
		t.Fatalf("got %v, want a 2-element $and", got)
	}
}

func TestTranslateTimeRangeRequiresAtLeastOneBound(t *testing.T) {
	r := DefaultTranslatorRegistry()
	_, err := r.Translate([]Query{{Type: "time_range", Params: map[string]any{}}})
	if err == nil {
		t.Fatal("expected an error when neither since nor until is given")
	}
}

func TestTranslatePartialUIDAnchorsPrefix(t *testing.T) {
	r := DefaultTranslatorRegistry()
	got, err := r.Translate([]Query{{Type: "partial_uid", Params: map[string]any{"uid": "abcde"}}})
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	uid, ok := got["uid"].(map[string]any)
	if !ok || uid["$regex"] != "^abcde" {
		t.Fatalf("got %v", got)
	}
}

func TestTranslatePartialUIDRejectsShortPrefix(t *testing.T) {
	r := DefaultTranslatorRegistry()
	_, err := r.Translate([]Query{{Type: "partial_uid", Params: map[string]any{"uid": "abc"}}})
	if err == nil {
		t.Fatal("expected an error for a prefix shorter than the minimum length")
	}
}
