// Package allocator implements general purpose device memory allocation
// on top of a devmem.Device.
//
// # Main Types
//
//   - Allocator: owns per-memory-type block lists and dedicated memory
//   - Allocation: one suballocation or dedicated memory object
//   - Pool: a custom block list with its own sizing and algorithm
//   - DefragmentationContext: one host-side compaction pass
//
// # Allocation Placement
//
//  1. FindMemoryTypeIndex picks the cheapest memory type that satisfies
//     the required flags, preferring types with more preferred flags.
//  2. Existing blocks of that type are tried in creation order.
//  3. A new block is created, sized by the preferred-size progression
//     (an eighth, a quarter, half, then the full preferred size).
//  4. With AllocationCanMakeOtherLost, stale evictable allocations are
//     discarded and the request retried.
//  5. On failure the memory type is excluded and selection starts over.
//
// Requests larger than half the preferred block size get a dedicated
// memory object instead of a suballocation.
//
// # Lost Allocations
//
// Allocations created with AllocationCanBecomeLost participate in a
// frame-based eviction scheme: SetCurrentFrameIndex advances the clock,
// Touch and AllocationInfo record uses, and an allocation untouched for
// more than FrameInUseCount frames may be evicted by requests carrying
// AllocationCanMakeOtherLost. A lost allocation keeps its identity and
// must still be freed.
//
// # Corruption Detection
//
// With Options.DetectCorruption, a magic value is written after every
// suballocation in host-visible, host-coherent memory and verified on
// free and on CheckCorruption.
//
// # Thread Safety
//
// All Allocator methods are safe for concurrent use unless the
// allocator was created with ExternallySynchronized. Methods taking an
// *Allocation must not race with Free of the same allocation.
//
// # Example
//
//	alloc, _ := allocator.New(device, allocator.Options{})
//	defer alloc.Close()
//	buf, _ := alloc.AllocateForBuffer(devmem.MemoryRequirements{Size: 64 << 10, Alignment: 256},
//	    allocator.AllocationCreateInfo{Usage: allocator.UsageCPUToGPU})
//	defer alloc.Free(buf)
//	data, _ := alloc.Map(buf)
//	copy(data, payload)
//	alloc.Unmap(buf)
package allocator
