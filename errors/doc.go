// Package errors provides structured error types for the devmem library.
//
// Errors are categorized by Op (which allocator operation failed) and Kind
// (error category). The Error type carries a detail message, the offending
// value where useful, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.OpAllocate, errors.KindInvalidArgument).
//		Value(size).
//		Detail("allocation size must be positive, got %d", size).
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.AllocationFailed(errors.OpAllocate, size, align)
//	err := errors.Corruption(typeIndex, blockID, offset)
//
// Package sentinels support errors.Is matching by kind regardless of the
// operation:
//
//	if errors.Is(err, errors.ErrOutOfDeviceMemory) {
//		// grow budget, evict, or fail the frame
//	}
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
