// Package chunker implements the Chunk Planner: partitioning a declared
// n-dimensional shape into byte-bounded chunks, honoring a rank-4
// area-detector special case. It is a pure function package with no I/O.
package chunker

import "fmt"

// AxisSuggestion is one axis's requested chunking: either "auto" or an
// explicit ordered partition of block sizes summing to the axis extent.
type AxisSuggestion struct {
	Auto   bool
	Blocks []int64
}

// Auto returns an AxisSuggestion that lets Plan size the axis.
func Auto() AxisSuggestion { return AxisSuggestion{Auto: true} }

// Explicit returns an AxisSuggestion fixing the axis's block sizes.
func Explicit(blocks ...int64) AxisSuggestion { return AxisSuggestion{Blocks: blocks} }

// DefaultAreaDetectorFramesPerChunk is the rank-4 special case's K
// constant (spec.md §4.2 rule 2), overridable via config.
const DefaultAreaDetectorFramesPerChunk = 10

// Plan computes, for each axis of shape, an ordered partition of block
// sizes whose product of extents times itemsize stays at or below
// ceiling. suggested may be nil, in which case the default suggestion is
// derived per spec.md §4.2 rules 2-3.
func Plan(shape []int64, itemsize int64, ceiling int64, suggested []AxisSuggestion, areaDetectorFramesPerChunk int64) ([][]int64, error) {
	if len(shape) == 0 {
		return nil, nil
	}

	for _, extent := range shape {
		if extent < 0 {
			return nil, fmt.Errorf("chunker: negative axis extent %d", extent)
		}
	}

	// Rule 1: zero extent or zero itemsize -> no partitioning, the whole
	// axis is one chunk.
	if itemsize == 0 || hasZeroExtent(shape) {
		return fullShapeChunks(shape), nil
	}

	if areaDetectorFramesPerChunk <= 0 {
		areaDetectorFramesPerChunk = DefaultAreaDetectorFramesPerChunk
	}

	if suggested == nil {
		suggested = defaultSuggestion(shape, areaDetectorFramesPerChunk)
	}
	if len(suggested) != len(shape) {
		return nil, fmt.Errorf("chunker: suggestion has %d axes, shape has %d", len(suggested), len(shape))
	}

	result := make([][]int64, len(shape))
	fixedProduct := int64(1)
	autoAxes := []int{}

	for i, s := range suggested {
		if s.Auto {
			autoAxes = append(autoAxes, i)
			continue
		}
		if sum(s.Blocks) != shape[i] {
			return nil, fmt.Errorf("chunker: axis %d explicit chunks sum to %d, want %d", i, sum(s.Blocks), shape[i])
		}
		result[i] = s.Blocks
		fixedProduct *= maxInt64(s.Blocks)
	}

	// Rule 4: size auto axes, preferring later axes, so that the product
	// of all chunk extents times itemsize stays at or below ceiling.
	budget := ceiling / itemsize
	if budget < 1 {
		budget = 1
	}

	remaining := budget
	if fixedProduct > 0 {
		remaining = budget / fixedProduct
		if remaining < 1 {
			remaining = 1
		}
	}

	for i := len(autoAxes) - 1; i >= 0; i-- {
		axis := autoAxes[i]
		extent := shape[axis]
		blockSize := extent
		if blockSize > remaining {
			blockSize = remaining
		}
		if blockSize < 1 {
			blockSize = 1
		}
		result[axis] = partitionAxis(extent, blockSize)
		remaining /= blockSize
		if remaining < 1 {
			remaining = 1
		}
	}

	return result, nil
}

func defaultSuggestion(shape []int64, areaDetectorFramesPerChunk int64) []AxisSuggestion {
	suggestion := make([]AxisSuggestion, len(shape))

	// Rule 2: rank-4 area-detector special case.
	if len(shape) == 4 {
		k := areaDetectorFramesPerChunk
		suggestion[0] = Explicit(partitionAxis(shape[0], minInt64(k, shape[0]))...)
		suggestion[1] = Explicit(partitionAxis(shape[1], minInt64(k, shape[1]))...)
		suggestion[2] = Auto()
		suggestion[3] = Auto()
		return suggestion
	}

	// Rule 3: default is auto on every axis.
	for i := range suggestion {
		suggestion[i] = Auto()
	}
	return suggestion
}

// partitionAxis splits extent into blocks of blockSize, with a final
// short block if extent is not a multiple of blockSize.
func partitionAxis(extent, blockSize int64) []int64 {
	if blockSize < 1 {
		blockSize = 1
	}
	if extent == 0 {
		return []int64{0}
	}

	blocks := make([]int64, 0, (extent+blockSize-1)/blockSize)
	for remaining := extent; remaining > 0; remaining -= blockSize {
		if remaining < blockSize {
			blocks = append(blocks, remaining)
		} else {
			blocks = append(blocks, blockSize)
		}
	}
	return blocks
}

func fullShapeChunks(shape []int64) [][]int64 {
	result := make([][]int64, len(shape))
	for i, extent := range shape {
		result[i] = []int64{extent}
	}
	return result
}

func hasZeroExtent(shape []int64) bool {
	for _, extent := range shape {
		if extent == 0 {
			return true
		}
	}
	return false
}

func sum(blocks []int64) int64 {
	var total int64
	for _, b := range blocks {
		total += b
	}
	return total
}

func maxInt64(blocks []int64) int64 {
	var m int64
	for _, b := range blocks {
		if b > m {
			m = b
		}
	}
	return m
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
