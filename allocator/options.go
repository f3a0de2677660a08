package allocator

import (
	"go.uber.org/zap"

	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/internal/bytesize"
)

// DefaultPreferredLargeHeapBlockSize is the block size used for heaps
// larger than one gigabyte when Options.PreferredLargeHeapBlockSize is
// left zero.
const DefaultPreferredLargeHeapBlockSize int64 = 256 * bytesize.MB

// Options configures an Allocator.
type Options struct {
	// PreferredLargeHeapBlockSize is the target size of device memory
	// blocks carved out of heaps larger than one gigabyte. Smaller heaps
	// use one eighth of the heap size rounded up to a power of two.
	// Zero selects DefaultPreferredLargeHeapBlockSize.
	PreferredLargeHeapBlockSize int64

	// HeapSizeLimits caps the number of bytes the allocator may request
	// from each heap, indexed like Device.Properties().Heaps. A zero or
	// negative entry leaves that heap uncapped. The slice may be shorter
	// than the heap list.
	HeapSizeLimits []int64

	// FrameInUseCount is the number of frames after its last touch during
	// which an allocation created with AllocationCanBecomeLost is
	// protected from being made lost.
	FrameInUseCount uint32

	// ExternallySynchronized disables the allocator's internal locking.
	// The caller then guarantees that no two goroutines enter the
	// allocator concurrently.
	ExternallySynchronized bool

	// DebugMargin reserves this many bytes of empty space after every
	// suballocation inside memory blocks. Zero disables margins unless
	// DetectCorruption is set.
	DebugMargin int64

	// DetectCorruption writes a magic value into the margin after every
	// suballocation in host-visible, host-coherent memory and verifies it
	// on free and on CheckCorruption. Requires DebugMargin of at least
	// four bytes; if DebugMargin is zero it is raised to four.
	DetectCorruption bool

	// Logger overrides the package logger for this allocator.
	Logger *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.PreferredLargeHeapBlockSize <= 0 {
		o.PreferredLargeHeapBlockSize = DefaultPreferredLargeHeapBlockSize
	}
	if o.DetectCorruption && o.DebugMargin == 0 {
		o.DebugMargin = canarySize
	}
	if o.Logger == nil {
		o.Logger = Logger()
	}
	return o
}

func (o Options) validate() error {
	if o.DebugMargin < 0 {
		return errors.InvalidArgument(errors.OpConfig, "debug margin %d is negative", o.DebugMargin)
	}
	if o.DetectCorruption && o.DebugMargin > 0 && o.DebugMargin < canarySize {
		return errors.InvalidArgument(errors.OpConfig,
			"corruption detection needs a debug margin of at least %d bytes, have %d", canarySize, o.DebugMargin)
	}
	return nil
}
