// Package metadata implements suballocation bookkeeping for fixed-size
// memory blocks.
//
// A Block manages the address range [0, Size()) of one device memory
// block. It hands out offsets; it never touches bytes. Callers bind the
// returned offsets to real memory, which keeps the algorithms testable
// without a device.
//
// # Algorithms
//
// Three implementations of the Block interface:
//
//	List    - general purpose free-list with a size-ordered index.
//	          Supports best fit, first fit and worst fit placement.
//	Linear  - append-only allocator over one block. Frees at the edges
//	          reclaim space immediately; the block can also run as a
//	          ring buffer or as a double stack with allocations growing
//	          from both ends.
//	Buddy   - power-of-two splitting tree with per-order free lists.
//	          Constant-bounded allocation and free, at the cost of
//	          internal fragmentation from size rounding.
//
// # Allocation Flow
//
//  1. CreateRequest() searches for a free range that satisfies the size,
//     alignment, granularity and margin constraints. It mutates nothing.
//  2. Alloc() commits the request and returns a Handle for the new
//     suballocation.
//
// A Request is only valid against the block state it was created from;
// commit it before any other mutation of the same block.
//
// # Granularity
//
// When a block holds both linear resources (buffers, linear images) and
// optimal images, hardware may require them not to share a granularity
// page. CreateRequest takes the resource kind as a SuballocationType and
// keeps conflicting neighbors apart.
//
// # Margins
//
// A nonzero margin reserves free space after every suballocation. The
// owner can write canary values there and later verify them to catch
// out-of-bounds writes. Buddy blocks do not support margins; size
// rounding already isolates neighbors.
//
// Blocks are not safe for concurrent use. The owning structures hold the
// locks.
package metadata
