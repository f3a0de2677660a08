package metadata

import "math/bits"

// Handle names one live suballocation inside a Block.
type Handle uint64

// NoAllocation is the zero Handle. No valid suballocation has it.
const NoAllocation Handle = 0

func handleForOffset(offset int64) Handle {
	return Handle(offset) + 1
}

func (h Handle) offset() int64 {
	return int64(h) - 1
}

// Strategy biases free-range selection in algorithms that have a choice.
type Strategy uint32

const (
	// StrategyMinMemory picks the smallest fitting range (best fit).
	StrategyMinMemory Strategy = 1 << iota
	// StrategyMinTime picks the first fitting range (first fit).
	StrategyMinTime
	// StrategyMinFragmentation picks the largest range (worst fit).
	StrategyMinFragmentation
)

// Request is the result of a successful free-range search. It is bound
// to the block state it was created from.
type Request struct {
	offset int64
	size   int64

	item  *listNode
	node  *buddyNode
	level int
	dest  linearDest
}

// Offset the allocation would be placed at.
func (r Request) Offset() int64 { return r.offset }

// Size the allocation would occupy. Buddy blocks round this up to the
// node size.
func (r Request) Size() int64 { return r.size }

// Block is the bookkeeping for one memory block.
type Block interface {
	// Size is the full byte size of the managed range.
	Size() int64
	// AllocationCount is the number of live suballocations.
	AllocationCount() int
	// IsEmpty reports whether no suballocations are live.
	IsEmpty() bool
	// SumFreeSize is the total of all free ranges.
	SumFreeSize() int64
	// LargestFreeRegion is the size of the biggest free range.
	LargestFreeRegion() int64
	// SupportsUpperAddress reports whether upper-address requests work.
	SupportsUpperAddress() bool

	// CreateRequest searches for space without mutating the block.
	CreateRequest(size, alignment int64, upperAddress bool, allocType SuballocationType, strategy Strategy) (Request, bool)
	// Alloc commits a request created by CreateRequest.
	Alloc(req Request, allocType SuballocationType, userData any) Handle
	// Free releases the suballocation named by h. It panics on a handle
	// that is not live, which always indicates caller misuse.
	Free(h Handle)
	// Clear releases everything.
	Clear()

	// AllocationAt returns the live suballocation named by h.
	AllocationAt(h Handle) (Suballocation, bool)
	// SetUserData replaces the user data of a live suballocation.
	SetUserData(h Handle, userData any)
	// Each visits every range in offset order, free ranges included,
	// until fn returns false.
	Each(fn func(Suballocation) bool)

	// AddStatistics accumulates this block into st.
	AddStatistics(st *Statistics)
	// Validate checks internal consistency and returns the first
	// violation found.
	Validate() error
}

// AlignUp rounds x up to a multiple of align. align must be a power of
// two.
func AlignUp(x, align int64) int64 {
	return (x + align - 1) &^ (align - 1)
}

// AlignDown rounds x down to a multiple of align. align must be a power
// of two.
func AlignDown(x, align int64) int64 {
	return x &^ (align - 1)
}

// NextPow2 returns the smallest power of two >= x.
func NextPow2(x int64) int64 {
	if x <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(x-1))
}

// PrevPow2 returns the largest power of two <= x. x must be positive.
func PrevPow2(x int64) int64 {
	return 1 << (bits.Len64(uint64(x)) - 1)
}

// BlocksOnSamePage reports whether a resource ending at
// aOffset+aSize-1 and a resource starting at bOffset touch the same
// granularity page. pageSize must be a power of two.
func BlocksOnSamePage(aOffset, aSize, bOffset, pageSize int64) bool {
	if aSize == 0 {
		return false
	}
	aEnd := aOffset + aSize - 1
	aEndPage := aEnd &^ (pageSize - 1)
	bStartPage := bOffset &^ (pageSize - 1)
	return aEndPage == bStartPage
}
