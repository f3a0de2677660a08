// Package devmem provides suballocation of device memory for GPU-style
// memory architectures.
//
// This library manages large device memory blocks and hands out
// allocations inside them, covering the concerns real device memory
// brings: multiple heaps and memory types with different properties,
// alignment and buffer/image granularity rules, mapping of host-visible
// memory, frame-based eviction, defragmentation, corruption detection
// and per-heap budgets.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct responsibilities:
//
//	devmem/              Root package with the Device and DeviceMemory interfaces
//	├── allocator/       High-level API: allocations, pools, defragmentation, stats
//	├── metadata/        Block bookkeeping algorithms: free list, linear, buddy
//	├── virtual/         Virtual allocation over memory the caller owns
//	├── simdev/          Simulated device for tests and tooling
//	├── telemetry/       Statsd reporting of allocator statistics
//	└── errors/          Structured error types for debugging
//
// # Quick Start
//
// Create an allocator over a device and place a buffer:
//
//	dev, err := simdev.New(simdev.DiscreteGPU())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	alloc, err := allocator.New(dev, allocator.Options{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer alloc.Close()
//
//	buf, err := alloc.AllocateForBuffer(
//	    devmem.MemoryRequirements{Size: 64 << 10, Alignment: 256},
//	    allocator.AllocationCreateInfo{Usage: allocator.UsageGPUOnly})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer alloc.Free(buf)
//
// Any type implementing the Device interface can back an allocator;
// simdev is one such device that simulates common GPU memory layouts in
// host memory.
//
// # Memory Usage Classes
//
// Allocations pick memory types through usage classes instead of raw
// property flags:
//
//   - UsageGPUOnly: device-local resources the host never touches
//   - UsageCPUOnly: host memory for staging, always mappable
//   - UsageCPUToGPU: upload path, host-visible and preferably device-local
//   - UsageGPUToCPU: readback path, preferably cached on the host
//   - UsageCPUCopy: host-side copies kept out of device-local memory
//   - UsageGPULazilyAllocated: transient attachments backed on demand
//
// RequiredFlags and PreferredFlags refine the choice when a usage class
// is too coarse.
//
// # Thread Safety
//
// Allocator, Pool and virtual.Block are safe for concurrent use unless
// Options.ExternallySynchronized is set. Allocation handles may be
// shared between goroutines, but freeing an allocation while another
// goroutine still uses it must be synchronized by the caller.
//
// # Lost Allocations
//
// Allocations created with AllocationCanBecomeLost trade guaranteed
// residency for the allocator's right to evict them under pressure.
// Callers advance the frame index once per frame and Touch allocations
// they are about to use; an allocation untouched for more than
// Options.FrameInUseCount frames may be taken by others or discarded by
// MakeAllocationsLost. Lost allocations keep their handle and report
// IsLost until freed.
package devmem
