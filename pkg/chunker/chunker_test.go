package chunker_test

import (
	"testing"

	"github.com/opensci/runcat/pkg/chunker"
)

func sumPartition(t *testing.T, partition []int64) int64 {
	t.Helper()
	var total int64
	for _, b := range partition {
		total += b
	}
	return total
}

// Invariant 3: for all axes, sum(chunk_partition(axis)) == axis_extent.
func TestPlanPartitionSumsToExtent(t *testing.T) {
	plan, err := chunker.Plan([]int64{1000, 50}, 8, 1024, nil, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	for axis, extent := range []int64{1000, 50} {
		if got := sumPartition(t, plan[axis]); got != extent {
			t.Errorf("axis %d: sum(partition) = %d, want %d", axis, got, extent)
		}
	}
}

func TestPlanZeroExtentYieldsSingleChunk(t *testing.T) {
	plan, err := chunker.Plan([]int64{0, 10}, 8, 1024, nil, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(plan[0]) != 1 || plan[0][0] != 0 {
		t.Fatalf("expected a single zero-length chunk, got %v", plan[0])
	}
	if len(plan[1]) != 1 || plan[1][0] != 10 {
		t.Fatalf("expected the whole axis as one chunk, got %v", plan[1])
	}
}

func TestPlanRank4AreaDetectorSpecialCase(t *testing.T) {
	plan, err := chunker.Plan([]int64{1000, 1000, 512, 512}, 2, 1<<20, nil, 10)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	// Rule 2: first two axes are capped at K=10 per block.
	if plan[0][0] != 10 {
		t.Errorf("axis 0 first block = %d, want 10", plan[0][0])
	}
	if plan[1][0] != 10 {
		t.Errorf("axis 1 first block = %d, want 10", plan[1][0])
	}
	for axis, extent := range []int64{1000, 1000, 512, 512} {
		if got := sumPartition(t, plan[axis]); got != extent {
			t.Errorf("axis %d: sum(partition) = %d, want %d", axis, got, extent)
		}
	}
}

func TestPlanExplicitChunksOverrideDefault(t *testing.T) {
	plan, err := chunker.Plan([]int64{10}, 8, 1024,
		[]chunker.AxisSuggestion{chunker.Explicit(4, 4, 2)}, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	want := []int64{4, 4, 2}
	if len(plan[0]) != len(want) {
		t.Fatalf("got %v, want %v", plan[0], want)
	}
	for i := range want {
		if plan[0][i] != want[i] {
			t.Fatalf("got %v, want %v", plan[0], want)
		}
	}
}

func TestPlanExplicitChunksMustSumToExtent(t *testing.T) {
	_, err := chunker.Plan([]int64{10}, 8, 1024,
		[]chunker.AxisSuggestion{chunker.Explicit(4, 4)}, 0)
	if err == nil {
		t.Fatal("expected an error when explicit chunks don't sum to the axis extent")
	}
}

func TestPlanRespectsByteCeiling(t *testing.T) {
	plan, err := chunker.Plan([]int64{1_000_000}, 8, 80, nil, 0)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if plan[0][0] > 10 {
		t.Fatalf("first block %d exceeds the byte ceiling budget of 10 elements", plan[0][0])
	}
}
