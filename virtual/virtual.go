// Package virtual provides allocation bookkeeping over an address
// space the caller owns: a buffer carved into pieces, a sparse
// resource, a window of GPU memory managed elsewhere. A Block tracks
// offsets and sizes only and never touches bytes.
//
// A Block is not safe for concurrent use. Callers that share one
// across goroutines must synchronize, same as the metadata layer
// underneath.
package virtual

import (
	"encoding/json"

	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/metadata"
)

// Algorithm selects the placement bookkeeping for a Block.
type Algorithm uint8

const (
	// AlgorithmList is general-purpose: free-list placement with
	// best/worst/first-fit strategies.
	AlgorithmList Algorithm = iota
	// AlgorithmLinear is an append-only ring with optional
	// upper-address stacking. Cheapest, for transient data.
	AlgorithmLinear
	// AlgorithmBuddy places power-of-two nodes with O(log n) merges.
	AlgorithmBuddy
)

// AllocationFlags tune a single Allocate call.
type AllocationFlags uint32

const (
	// AllocationUpperAddress places the allocation at the highest free
	// address. Only linear blocks support it.
	AllocationUpperAddress AllocationFlags = 1 << iota
	// AllocationStrategyMinMemory prefers the smallest fitting range.
	AllocationStrategyMinMemory
	// AllocationStrategyMinTime prefers the first fitting range.
	AllocationStrategyMinTime
	// AllocationStrategyMinFragmentation prefers the largest range.
	AllocationStrategyMinFragmentation
)

func (f AllocationFlags) strategy() metadata.Strategy {
	var s metadata.Strategy
	if f&AllocationStrategyMinMemory != 0 {
		s |= metadata.StrategyMinMemory
	}
	if f&AllocationStrategyMinTime != 0 {
		s |= metadata.StrategyMinTime
	}
	if f&AllocationStrategyMinFragmentation != 0 {
		s |= metadata.StrategyMinFragmentation
	}
	return s
}

// Options configure a Block.
type Options struct {
	// Algorithm picks the placement bookkeeping. Default AlgorithmList.
	Algorithm Algorithm
	// Strategy applies to Allocate calls that carry no strategy flag.
	Strategy metadata.Strategy
}

// AllocationCreateInfo describes one Allocate call.
type AllocationCreateInfo struct {
	Size      int64
	Alignment int64
	Flags     AllocationFlags
	UserData  any
}

// Allocation names one live range inside a Block. The zero value is
// no allocation.
type Allocation struct {
	handle metadata.Handle
	offset int64
}

// Offset of the allocation inside the block.
func (a Allocation) Offset() int64 { return a.offset }

// IsNil reports whether a names no allocation.
func (a Allocation) IsNil() bool { return a.handle == metadata.NoAllocation }

// AllocationInfo describes a live allocation.
type AllocationInfo struct {
	Offset   int64
	Size     int64
	UserData any
}

// Block tracks allocations inside a caller-owned address range.
type Block struct {
	meta            metadata.Block
	size            int64
	defaultStrategy metadata.Strategy
}

// New creates a virtual block covering [0, size).
func New(size int64, opts Options) (*Block, error) {
	if size <= 0 {
		return nil, errors.InvalidArgument(errors.OpVirtual, "block size must be positive, got %d", size)
	}
	var meta metadata.Block
	switch opts.Algorithm {
	case AlgorithmList:
		meta = metadata.NewList(size, 1, 0)
	case AlgorithmLinear:
		meta = metadata.NewLinear(size, 1, 0)
	case AlgorithmBuddy:
		meta = metadata.NewBuddy(size, 1)
	default:
		return nil, errors.InvalidArgument(errors.OpVirtual, "unknown algorithm %d", opts.Algorithm)
	}
	return &Block{meta: meta, size: size, defaultStrategy: opts.Strategy}, nil
}

// Size of the managed range.
func (b *Block) Size() int64 { return b.size }

// IsEmpty reports whether no allocations are live.
func (b *Block) IsEmpty() bool { return b.meta.IsEmpty() }

// AllocationCount is the number of live allocations.
func (b *Block) AllocationCount() int { return b.meta.AllocationCount() }

// Allocate places a range inside the block.
func (b *Block) Allocate(info AllocationCreateInfo) (Allocation, error) {
	if info.Size <= 0 {
		return Allocation{}, errors.InvalidArgument(errors.OpVirtual, "allocation size must be positive, got %d", info.Size)
	}
	if info.Alignment < 0 || (info.Alignment&(info.Alignment-1)) != 0 {
		return Allocation{}, errors.InvalidArgument(errors.OpVirtual, "alignment must be a power of two, got %d", info.Alignment)
	}
	upper := info.Flags&AllocationUpperAddress != 0
	if upper && !b.meta.SupportsUpperAddress() {
		return Allocation{}, errors.FeatureNotPresent(errors.OpVirtual, "upper-address placement needs a linear block")
	}
	strategy := info.Flags.strategy()
	if strategy == 0 {
		strategy = b.defaultStrategy
	}
	req, ok := b.meta.CreateRequest(info.Size, info.Alignment, upper, metadata.SuballocationUnknown, strategy)
	if !ok {
		return Allocation{}, errors.AllocationFailed(errors.OpVirtual, info.Size, info.Alignment)
	}
	h := b.meta.Alloc(req, metadata.SuballocationUnknown, info.UserData)
	return Allocation{handle: h, offset: req.Offset()}, nil
}

// Free releases an allocation. Freeing the zero Allocation is a no-op.
func (b *Block) Free(a Allocation) {
	if a.IsNil() {
		return
	}
	b.meta.Free(a.handle)
}

// Clear releases every allocation at once.
func (b *Block) Clear() {
	b.meta.Clear()
}

// AllocationInfo returns the current description of a live allocation.
func (b *Block) AllocationInfo(a Allocation) (AllocationInfo, bool) {
	sub, ok := b.meta.AllocationAt(a.handle)
	if !ok {
		return AllocationInfo{}, false
	}
	return AllocationInfo{Offset: sub.Offset, Size: sub.Size, UserData: sub.UserData}, true
}

// SetUserData replaces the user data of a live allocation.
func (b *Block) SetUserData(a Allocation, userData any) {
	b.meta.SetUserData(a.handle, userData)
}

// Statistics returns cheap usage counters without walking the block.
func (b *Block) Statistics() metadata.Statistics {
	free := b.meta.SumFreeSize()
	return metadata.Statistics{
		BlockCount:      1,
		AllocationCount: b.meta.AllocationCount(),
		UsedBytes:       b.size - free,
		UnusedBytes:     free,
	}
}

// CalculateDetailedStatistics walks every range and returns full
// numbers including size bounds and averages.
func (b *Block) CalculateDetailedStatistics() metadata.Statistics {
	st := metadata.NewStatistics()
	b.meta.AddStatistics(&st)
	st.Postprocess()
	return st
}

// Validate checks the bookkeeping for internal consistency.
func (b *Block) Validate() error {
	return b.meta.Validate()
}

type dumpRange struct {
	Offset   int64  `json:"offset"`
	Size     int64  `json:"size"`
	Type     string `json:"type"`
	UserData any    `json:"userData,omitempty"`
}

type blockDump struct {
	Size   int64               `json:"size"`
	Stats  metadata.Statistics `json:"stats"`
	Ranges []dumpRange         `json:"ranges"`
}

// DumpString renders the block as indented JSON, every range included.
func (b *Block) DumpString() string {
	d := blockDump{
		Size:  b.size,
		Stats: b.CalculateDetailedStatistics(),
	}
	b.meta.Each(func(s metadata.Suballocation) bool {
		d.Ranges = append(d.Ranges, dumpRange{
			Offset:   s.Offset,
			Size:     s.Size,
			Type:     s.Type.String(),
			UserData: s.UserData,
		})
		return true
	})
	out, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return "{}"
	}
	return string(out)
}
