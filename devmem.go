package devmem

import "strings"

// MemoryPropertyFlags describes the capabilities of a memory type.
type MemoryPropertyFlags uint32

const (
	// MemoryDeviceLocal memory is the fastest for device access.
	MemoryDeviceLocal MemoryPropertyFlags = 1 << iota
	// MemoryHostVisible memory can be mapped into host address space.
	MemoryHostVisible
	// MemoryHostCoherent memory needs no explicit flush/invalidate.
	MemoryHostCoherent
	// MemoryHostCached memory is cached on the host side.
	MemoryHostCached
	// MemoryLazilyAllocated memory is backed on demand by the device.
	MemoryLazilyAllocated
)

// Has reports whether all bits of other are set in f.
func (f MemoryPropertyFlags) Has(other MemoryPropertyFlags) bool {
	return f&other == other
}

func (f MemoryPropertyFlags) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for _, e := range []struct {
		flag MemoryPropertyFlags
		name string
	}{
		{MemoryDeviceLocal, "device_local"},
		{MemoryHostVisible, "host_visible"},
		{MemoryHostCoherent, "host_coherent"},
		{MemoryHostCached, "host_cached"},
		{MemoryLazilyAllocated, "lazily_allocated"},
	} {
		if f.Has(e.flag) {
			parts = append(parts, e.name)
		}
	}
	return strings.Join(parts, "|")
}

// MemoryHeap is one physical pool of device memory.
type MemoryHeap struct {
	Size        int64
	DeviceLocal bool
}

// MemoryType is one way of allocating from a heap.
type MemoryType struct {
	HeapIndex int
	Flags     MemoryPropertyFlags
}

// MemoryProperties describes the memory topology of a device.
type MemoryProperties struct {
	Types []MemoryType
	Heaps []MemoryHeap
}

// TypeCount returns how many memory types the device exposes.
func (p MemoryProperties) TypeCount() int {
	return len(p.Types)
}

// HeapForType returns the heap index backing the given memory type.
func (p MemoryProperties) HeapForType(typeIndex int) int {
	return p.Types[typeIndex].HeapIndex
}

// DeviceLimits are the device constants that affect allocation layout.
// Zero values are treated as 1 (no granularity, coherent atoms of one
// byte) and unlimited allocations.
type DeviceLimits struct {
	BufferImageGranularity int64
	NonCoherentAtomSize    int64
	MaxAllocationCount     int
}

// MemoryRequirements describes what a resource needs from memory.
// TypeBits bit i set means memory type index i is acceptable.
type MemoryRequirements struct {
	Size      int64
	Alignment int64
	TypeBits  uint32
}

// DeviceMemory is one block of raw device memory.
type DeviceMemory interface {
	Size() int64
	Map() ([]byte, error)
	Unmap()
	Free()
}

// Device hands out device memory blocks.
type Device interface {
	Properties() MemoryProperties
	Limits() DeviceLimits
	Allocate(typeIndex int, size int64) (DeviceMemory, error)
}
