package allocator

import (
	"math"
	"sync/atomic"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/metadata"
)

// lostFrame marks an evictable allocation as discarded.
const lostFrame uint32 = math.MaxUint32

type allocationKind uint8

const (
	allocationBlock allocationKind = iota
	allocationDedicated
)

// Allocation is a single piece of device memory handed out by an
// Allocator: either a suballocation inside a shared block or a dedicated
// device memory object. Allocations are created and released through the
// Allocator and must not be copied.
type Allocation struct {
	size      int64
	alignment int64
	typeIndex int
	flags     AllocationCreateFlags
	subType   metadata.SuballocationType

	kind   allocationKind
	block  *deviceBlock
	handle metadata.Handle
	offset int64

	// Dedicated allocations own their memory object directly.
	memory  devmem.DeviceMemory
	dedData []byte

	pool *Pool

	userData any
	name     string
	priority float32

	lastUse atomic.Uint32
	mapRefs atomic.Int32
	freed   atomic.Bool
}

// Size returns the allocation's span in bytes. The value survives the
// allocation becoming lost.
func (a *Allocation) Size() int64 { return a.size }

// Name returns the label given at creation or via SetName.
func (a *Allocation) Name() string { return a.name }

// IsLost reports whether an allocation created with
// AllocationCanBecomeLost has been discarded. Lost allocations hold no
// device memory but still must be passed to Free.
func (a *Allocation) IsLost() bool {
	return a != nil && a.flags.has(AllocationCanBecomeLost) && a.lastUse.Load() == lostFrame
}

func (a *Allocation) canBecomeLost() bool {
	return a.flags.has(AllocationCanBecomeLost)
}

func (a *Allocation) deviceMemory() devmem.DeviceMemory {
	switch {
	case a.kind == allocationDedicated:
		return a.memory
	case a.block != nil:
		return a.block.memory
	}
	return nil
}

// mappedWindow returns the allocation's slice of host memory when it is
// currently mapped, nil otherwise.
func (a *Allocation) mappedWindow() []byte {
	if a.mapRefs.Load() <= 0 {
		return nil
	}
	if a.kind == allocationDedicated {
		if a.dedData == nil {
			return nil
		}
		return a.dedData[:a.size]
	}
	if a.block == nil {
		return nil
	}
	data := a.block.mappedData()
	if data == nil {
		return nil
	}
	return data[a.offset : a.offset+a.size]
}

// AllocationInfo is a snapshot of an allocation's current placement.
type AllocationInfo struct {
	// MemoryType is the index of the memory type the allocation came
	// from.
	MemoryType int

	// DeviceMemory is the backing memory object, shared with other
	// allocations unless the allocation is dedicated. Nil when the
	// allocation is lost.
	DeviceMemory devmem.DeviceMemory

	// Offset is the allocation's byte offset within DeviceMemory.
	// Always zero for dedicated allocations.
	Offset int64

	// Size is the allocation's span in bytes, zero when lost.
	Size int64

	// MappedData is the allocation's window of host memory when it is
	// mapped, nil otherwise.
	MappedData []byte

	// UserData is the opaque value attached at creation or via
	// SetUserData.
	UserData any

	// Name is the allocation's label.
	Name string
}
