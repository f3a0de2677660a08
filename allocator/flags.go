package allocator

import (
	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/metadata"
)

// MemoryUsage describes the intended access pattern of an allocation and
// drives memory type selection when no explicit flags are given.
type MemoryUsage uint8

const (
	// UsageUnknown leaves type selection entirely to RequiredFlags and
	// PreferredFlags.
	UsageUnknown MemoryUsage = iota

	// UsageGPUOnly is for resources written and read only by the device.
	// Prefers device-local memory.
	UsageGPUOnly

	// UsageCPUOnly is for staging and readback buffers that the device
	// touches rarely. Requires host-visible, host-coherent memory.
	UsageCPUOnly

	// UsageCPUToGPU is for resources written by the host every frame and
	// read by the device. Requires host-visible memory and prefers
	// device-local, targeting BAR-style types when present.
	UsageCPUToGPU

	// UsageGPUToCPU is for resources written by the device and read back
	// on the host. Requires host-visible memory and prefers host-cached.
	UsageGPUToCPU

	// UsageCPUCopy is for host-side copies that the device never touches
	// directly. Steers away from device-local memory.
	UsageCPUCopy

	// UsageGPULazilyAllocated is for transient attachments backed by
	// lazily allocated memory. Such allocations are always dedicated.
	UsageGPULazilyAllocated
)

func (u MemoryUsage) String() string {
	switch u {
	case UsageUnknown:
		return "unknown"
	case UsageGPUOnly:
		return "gpu-only"
	case UsageCPUOnly:
		return "cpu-only"
	case UsageCPUToGPU:
		return "cpu-to-gpu"
	case UsageGPUToCPU:
		return "gpu-to-cpu"
	case UsageCPUCopy:
		return "cpu-copy"
	case UsageGPULazilyAllocated:
		return "gpu-lazily-allocated"
	}
	return "invalid"
}

// AllocationCreateFlags adjust how a single allocation is placed.
type AllocationCreateFlags uint32

const (
	// AllocationDedicatedMemory gives the allocation its own device
	// memory object instead of a suballocation. Incompatible with
	// AllocationNeverAllocate and custom pools.
	AllocationDedicatedMemory AllocationCreateFlags = 1 << iota

	// AllocationNeverAllocate only suballocates from blocks that already
	// exist. If no existing block can satisfy the request the allocation
	// fails instead of creating new device memory.
	AllocationNeverAllocate

	// AllocationMapped maps the memory persistently. AllocationInfo then
	// reports a non-nil MappedData without a separate Map call.
	AllocationMapped

	// AllocationCanBecomeLost marks the allocation as evictable: when
	// block space runs out, allocations of this kind that have not been
	// touched within FrameInUseCount frames may be discarded by requests
	// carrying AllocationCanMakeOtherLost.
	AllocationCanBecomeLost

	// AllocationCanMakeOtherLost lets this request evict stale evictable
	// allocations when no free space remains.
	AllocationCanMakeOtherLost

	// AllocationWithinBudget fails the allocation up front when it would
	// push the heap past its budget.
	AllocationWithinBudget

	// AllocationUpperAddress places the allocation at the top of a linear
	// pool's address space. Only valid in pools created with
	// PoolLinearAlgorithm.
	AllocationUpperAddress

	// AllocationStrategyBestFit picks the smallest free range that fits.
	AllocationStrategyBestFit

	// AllocationStrategyWorstFit picks the largest free range.
	AllocationStrategyWorstFit

	// AllocationStrategyFirstFit picks the first free range found.
	AllocationStrategyFirstFit
)

// Strategy aliases named after the property each one optimizes.
const (
	AllocationStrategyMinMemory        = AllocationStrategyBestFit
	AllocationStrategyMinFragmentation = AllocationStrategyWorstFit
	AllocationStrategyMinTime          = AllocationStrategyFirstFit

	AllocationStrategyMask = AllocationStrategyBestFit |
		AllocationStrategyWorstFit |
		AllocationStrategyFirstFit
)

func (f AllocationCreateFlags) has(bit AllocationCreateFlags) bool {
	return f&bit != 0
}

// strategy translates the strategy bits into a placement strategy.
// Zero means the metadata default.
func (f AllocationCreateFlags) strategy() metadata.Strategy {
	var s metadata.Strategy
	if f.has(AllocationStrategyBestFit) {
		s |= metadata.StrategyMinMemory
	}
	if f.has(AllocationStrategyFirstFit) {
		s |= metadata.StrategyMinTime
	}
	if f.has(AllocationStrategyWorstFit) {
		s |= metadata.StrategyMinFragmentation
	}
	return s
}

// ImageTiling distinguishes linear from optimal image layouts when
// allocating image memory, for buffer/image granularity purposes.
type ImageTiling uint8

const (
	ImageTilingOptimal ImageTiling = iota
	ImageTilingLinear
)

// AllocationCreateInfo describes one allocation request.
type AllocationCreateInfo struct {
	Flags AllocationCreateFlags

	// Usage picks memory types by intended access pattern. Ignored when
	// Pool is set.
	Usage MemoryUsage

	// RequiredFlags must all be present in the chosen memory type.
	RequiredFlags devmem.MemoryPropertyFlags

	// PreferredFlags are nice to have; types holding more of them win.
	PreferredFlags devmem.MemoryPropertyFlags

	// TypeBits restricts the acceptable memory types to the set bits,
	// on top of the resource's own requirements. Zero means no extra
	// restriction.
	TypeBits uint32

	// Pool places the allocation in a custom pool instead of the default
	// per-type block lists. Usage, RequiredFlags, PreferredFlags and
	// TypeBits are then ignored.
	Pool *Pool

	// UserData is an opaque value carried by the allocation.
	UserData any

	// Name labels the allocation in logs, leak reports and stats dumps.
	Name string

	// Priority hints at the allocation's eviction priority on devices
	// that support it. Informational only.
	Priority float32
}
