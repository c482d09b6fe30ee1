package docstore_test

import (
	"context"
	"testing"

	"github.com/opensci/runcat/pkg/docstore"
	"github.com/opensci/runcat/pkg/model"
)

// Invariant 5 / scenario S2: duplicate seq_num collapses to the event
// with the greatest time.
func TestExtractColumnCollapsesDuplicateSeqNum(t *testing.T) {
	store := docstore.NewMemStore()
	store.Events = []model.Event{
		{Descriptor: "d1", SeqNum: 1, Time: 1.0, Data: map[string]any{"x": 10}},
		{Descriptor: "d1", SeqNum: 1, Time: 2.0, Data: map[string]any{"x": 11}},
		{Descriptor: "d1", SeqNum: 2, Time: 3.0, Data: map[string]any{"x": 20}},
	}

	rows, err := store.ExtractColumn(context.Background(), []string{"d1"}, "x", 0, 3)
	if err != nil {
		t.Fatalf("ExtractColumn: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after dedup, got %d", len(rows))
	}
	if rows[0].Value != 11 || rows[1].Value != 20 {
		t.Fatalf("got values %v, %v; want 11, 20 (latest-by-time wins)", rows[0].Value, rows[1].Value)
	}
}

func TestGetRunStopReportsAbsenceForLiveRun(t *testing.T) {
	store := docstore.NewMemStore()
	store.RunStarts["r1"] = model.RunStart{UID: "r1"}

	_, ok, err := store.GetRunStop(context.Background(), "r1")
	if err != nil {
		t.Fatalf("GetRunStop: %v", err)
	}
	if ok {
		t.Fatal("expected no run stop for a live run")
	}
}

func TestDistinctStreamNamesDeduplicatesAndSorts(t *testing.T) {
	store := docstore.NewMemStore()
	store.Descriptors = []model.EventDescriptor{
		{RunStart: "r1", Name: "secondary"},
		{RunStart: "r1", Name: "primary"},
		{RunStart: "r1", Name: "primary"},
		{RunStart: "r2", Name: "other"},
	}

	names, err := store.DistinctStreamNames(context.Background(), "r1")
	if err != nil {
		t.Fatalf("DistinctStreamNames: %v", err)
	}
	want := []string{"primary", "secondary"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("got %v, want %v", names, want)
		}
	}
}

func TestChunkedFindMatchesEqualityAndSorts(t *testing.T) {
	store := docstore.NewMemStore()
	store.RunStarts["r1"] = model.RunStart{UID: "r1", ScanID: 2}
	store.RunStarts["r2"] = model.RunStart{UID: "r2", ScanID: 1}
	store.RunStarts["r3"] = model.RunStart{UID: "r3", ScanID: 2}

	ctx := context.Background()
	cursor, err := store.ChunkedFind(ctx, docstore.CollRunStart, map[string]any{"scan_id": int64(2)}, nil, 0, 0)
	if err != nil {
		t.Fatalf("ChunkedFind: %v", err)
	}
	defer cursor.Close(ctx)

	var uids []string
	for cursor.Next(ctx) {
		var doc struct {
			UID string `bson:"uid"`
		}
		if err := cursor.Decode(&doc); err != nil {
			t.Fatalf("Decode: %v", err)
		}
		uids = append(uids, doc.UID)
	}
	if err := cursor.Err(); err != nil {
		t.Fatalf("cursor iteration: %v", err)
	}
	if len(uids) != 2 || uids[0] != "r1" || uids[1] != "r3" {
		t.Fatalf("got %v, want [r1 r3] (scan_id=2, uid tiebreak order)", uids)
	}
}

func TestChunkedFindAppliesLimit(t *testing.T) {
	store := docstore.NewMemStore()
	store.RunStarts["r1"] = model.RunStart{UID: "r1"}
	store.RunStarts["r2"] = model.RunStart{UID: "r2"}
	store.RunStarts["r3"] = model.RunStart{UID: "r3"}

	ctx := context.Background()
	cursor, err := store.ChunkedFind(ctx, docstore.CollRunStart, map[string]any{}, nil, 0, 2)
	if err != nil {
		t.Fatalf("ChunkedFind: %v", err)
	}
	defer cursor.Close(ctx)

	count := 0
	for cursor.Next(ctx) {
		count++
	}
	if count != 2 {
		t.Fatalf("got %d results, want 2 (limit)", count)
	}
}
