package metadata

import "math"

// Statistics accumulates usage numbers over any number of blocks.
// Build one with NewStatistics, feed it through Block.AddStatistics or
// the Add* methods, then call Postprocess once before reading averages.
type Statistics struct {
	BlockCount       int   `json:"blocks"`
	AllocationCount  int   `json:"allocations"`
	UnusedRangeCount int   `json:"unusedRanges"`
	UsedBytes        int64 `json:"usedBytes"`
	UnusedBytes      int64 `json:"unusedBytes"`

	AllocationSizeMin int64 `json:"allocationSizeMin"`
	AllocationSizeAvg int64 `json:"allocationSizeAvg"`
	AllocationSizeMax int64 `json:"allocationSizeMax"`

	UnusedRangeSizeMin int64 `json:"unusedRangeSizeMin"`
	UnusedRangeSizeAvg int64 `json:"unusedRangeSizeAvg"`
	UnusedRangeSizeMax int64 `json:"unusedRangeSizeMax"`
}

// NewStatistics returns a zeroed accumulator with the Min fields primed
// for comparison.
func NewStatistics() Statistics {
	return Statistics{
		AllocationSizeMin:  math.MaxInt64,
		UnusedRangeSizeMin: math.MaxInt64,
	}
}

// AddAllocation records one live allocation of the given size.
func (st *Statistics) AddAllocation(size int64) {
	st.AllocationCount++
	st.UsedBytes += size
	if size < st.AllocationSizeMin {
		st.AllocationSizeMin = size
	}
	if size > st.AllocationSizeMax {
		st.AllocationSizeMax = size
	}
}

// AddUnusedRange records one free range of the given size.
func (st *Statistics) AddUnusedRange(size int64) {
	st.UnusedRangeCount++
	st.UnusedBytes += size
	if size < st.UnusedRangeSizeMin {
		st.UnusedRangeSizeMin = size
	}
	if size > st.UnusedRangeSizeMax {
		st.UnusedRangeSizeMax = size
	}
}

// Merge folds other into st. Postprocess must not have run on either
// side yet.
func (st *Statistics) Merge(other Statistics) {
	st.BlockCount += other.BlockCount
	st.AllocationCount += other.AllocationCount
	st.UnusedRangeCount += other.UnusedRangeCount
	st.UsedBytes += other.UsedBytes
	st.UnusedBytes += other.UnusedBytes
	if other.AllocationSizeMin < st.AllocationSizeMin {
		st.AllocationSizeMin = other.AllocationSizeMin
	}
	if other.AllocationSizeMax > st.AllocationSizeMax {
		st.AllocationSizeMax = other.AllocationSizeMax
	}
	if other.UnusedRangeSizeMin < st.UnusedRangeSizeMin {
		st.UnusedRangeSizeMin = other.UnusedRangeSizeMin
	}
	if other.UnusedRangeSizeMax > st.UnusedRangeSizeMax {
		st.UnusedRangeSizeMax = other.UnusedRangeSizeMax
	}
}

// Postprocess computes averages and clears untouched Min fields.
func (st *Statistics) Postprocess() {
	if st.AllocationCount > 0 {
		st.AllocationSizeAvg = st.UsedBytes / int64(st.AllocationCount)
	} else {
		st.AllocationSizeMin = 0
	}
	if st.UnusedRangeCount > 0 {
		st.UnusedRangeSizeAvg = st.UnusedBytes / int64(st.UnusedRangeCount)
	} else {
		st.UnusedRangeSizeMin = 0
	}
}
