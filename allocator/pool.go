package allocator

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/metadata"
)

// PoolCreateFlags adjust the behavior of a custom pool.
type PoolCreateFlags uint32

const (
	// PoolIgnoreBufferImageGranularity packs buffers and images tightly,
	// for pools that only ever hold one kind of resource.
	PoolIgnoreBufferImageGranularity PoolCreateFlags = 1 << iota

	// PoolLinearAlgorithm manages the pool's single block as a ring or
	// double stack with cheap appends and bulk frees.
	PoolLinearAlgorithm

	// PoolBuddyAlgorithm manages blocks with power-of-two splitting,
	// trading internal fragmentation for fast merges.
	PoolBuddyAlgorithm
)

const PoolAlgorithmMask = PoolLinearAlgorithm | PoolBuddyAlgorithm

func (f PoolCreateFlags) has(bit PoolCreateFlags) bool {
	return f&bit != 0
}

// PoolCreateInfo describes a custom pool.
type PoolCreateInfo struct {
	// MemoryTypeIndex is the memory type all blocks of the pool use.
	MemoryTypeIndex int

	Flags PoolCreateFlags

	// BlockSize fixes the size of every block. Zero lets the pool size
	// blocks like the default lists, preferred-size progression
	// included.
	BlockSize int64

	// MinBlockCount is pre-created at pool creation and never reclaimed.
	MinBlockCount int

	// MaxBlockCount caps the pool's growth. Zero means unlimited. Pools
	// with the linear algorithm always use exactly one block.
	MaxBlockCount int

	// FrameInUseCount overrides the allocator-wide value for lost
	// allocations living in this pool.
	FrameInUseCount uint32

	// MinAllocationAlignment raises the alignment of every allocation
	// placed in the pool. Zero applies no extra alignment.
	MinAllocationAlignment int64

	// Priority hints at the eviction priority of the pool's blocks on
	// devices that support it. Informational only.
	Priority float32

	// Name labels the pool in logs, stats and leak reports.
	Name string
}

// Pool is a set of memory blocks with their own size policy, algorithm
// and lost-allocation horizon. Allocations are placed in it by setting
// AllocationCreateInfo.Pool.
type Pool struct {
	owner  *Allocator
	vector *blockVector
	name   string

	destroyed atomic.Bool
}

// Name returns the pool's label.
func (p *Pool) Name() string { return p.name }

// SetName relabels the pool. Not synchronized with concurrent readers.
func (p *Pool) SetName(name string) { p.name = name }

// PoolStats summarizes a pool's memory at a point in time.
type PoolStats struct {
	// Size is the total byte size of all the pool's blocks.
	Size int64 `json:"size"`

	// UnusedSize is the part of Size not taken by allocations.
	UnusedSize int64 `json:"unusedSize"`

	AllocationCount  int `json:"allocations"`
	UnusedRangeCount int `json:"unusedRanges"`

	// UnusedRangeSizeMax is the largest free range, an upper bound on
	// the biggest allocation the pool could take without growing.
	UnusedRangeSizeMax int64 `json:"unusedRangeSizeMax"`

	BlockCount int `json:"blocks"`
}

// Stats collects the pool's current usage.
func (p *Pool) Stats() PoolStats {
	v := p.vector
	v.mu.Lock()
	defer v.mu.Unlock()
	st := metadata.NewStatistics()
	for _, b := range v.blocks {
		b.meta.AddStatistics(&st)
	}
	st.Postprocess()
	return PoolStats{
		Size:               st.UsedBytes + st.UnusedBytes,
		UnusedSize:         st.UnusedBytes,
		AllocationCount:    st.AllocationCount,
		UnusedRangeCount:   st.UnusedRangeCount,
		UnusedRangeSizeMax: st.UnusedRangeSizeMax,
		BlockCount:         st.BlockCount,
	}
}

// teardown releases the pool's blocks, detaching any allocations still
// living in them. It returns how many live allocations were detached.
func (p *Pool) teardown() int {
	p.destroyed.Store(true)
	v := p.vector
	v.mu.Lock()
	defer v.mu.Unlock()
	live := 0
	for _, b := range v.blocks {
		for _, al := range v.liveAllocations(b) {
			live++
			v.owner.addAllocBytes(v.heap, -al.size)
			if refs := int(al.mapRefs.Swap(0)); refs > 0 {
				if err := b.unmapN(refs); err != nil {
					v.owner.log.Warn("releasing mapping at pool teardown failed", zap.Error(err))
				}
			}
			al.block = nil
			al.handle = metadata.NoAllocation
		}
	}
	for len(v.blocks) > 0 {
		v.destroyBlockAt(len(v.blocks) - 1)
	}
	return live
}

// CreatePool creates a custom pool of the given memory type.
func (a *Allocator) CreatePool(info PoolCreateInfo) (*Pool, error) {
	if a.closed.Load() {
		return nil, errors.InvalidArgument(errors.OpPool, "allocator is closed")
	}
	if info.MemoryTypeIndex < 0 || info.MemoryTypeIndex >= len(a.props.Types) {
		return nil, errors.InvalidArgument(errors.OpPool, "memory type index %d out of range", info.MemoryTypeIndex)
	}
	if info.Flags.has(PoolLinearAlgorithm) && info.Flags.has(PoolBuddyAlgorithm) {
		return nil, errors.InvalidArgument(errors.OpPool, "linear and buddy algorithms are mutually exclusive")
	}
	if info.BlockSize < 0 || info.MinBlockCount < 0 || info.MaxBlockCount < 0 {
		return nil, errors.InvalidArgument(errors.OpPool, "block size and block counts must not be negative")
	}
	if ma := info.MinAllocationAlignment; ma < 0 || ma&(ma-1) != 0 {
		return nil, errors.InvalidArgument(errors.OpPool, "minimum alignment %d is not a power of two", ma)
	}

	algo := algorithmList
	maxBlocks := info.MaxBlockCount
	switch {
	case info.Flags.has(PoolLinearAlgorithm):
		algo = algorithmLinear
		if maxBlocks > 1 {
			return nil, errors.InvalidArgument(errors.OpPool, "linear pools are limited to one block")
		}
		maxBlocks = 1
	case info.Flags.has(PoolBuddyAlgorithm):
		algo = algorithmBuddy
	}
	if maxBlocks > 0 && info.MinBlockCount > maxBlocks {
		return nil, errors.InvalidArgument(errors.OpPool,
			"minimum block count %d exceeds maximum %d", info.MinBlockCount, maxBlocks)
	}

	heap := a.props.HeapForType(info.MemoryTypeIndex)
	blockSize := info.BlockSize
	explicit := blockSize > 0
	if !explicit {
		blockSize = preferredBlockSizeFor(a.props.Heaps[heap].Size, a.opts.PreferredLargeHeapBlockSize)
	}
	granularity := a.limits.BufferImageGranularity
	if info.Flags.has(PoolIgnoreBufferImageGranularity) {
		granularity = 1
	}

	p := &Pool{owner: a, name: info.Name}
	p.vector = newBlockVector(a, p, vectorConfig{
		typeIndex:    info.MemoryTypeIndex,
		algo:         algo,
		blockSize:    blockSize,
		explicit:     explicit,
		minBlocks:    info.MinBlockCount,
		maxBlocks:    maxBlocks,
		granularity:  granularity,
		margin:       a.opts.DebugMargin,
		frameInUse:   info.FrameInUseCount,
		minAlignment: info.MinAllocationAlignment,
	})
	if err := p.vector.ensureMinBlocks(); err != nil {
		p.teardown()
		return nil, err
	}

	a.mu.Lock()
	a.pools[p] = struct{}{}
	a.mu.Unlock()

	a.log.Info("created custom pool",
		zap.String("name", info.Name),
		zap.Int("memoryType", info.MemoryTypeIndex),
		zap.String("algorithm", algo.String()),
		zap.Int64("blockSize", blockSize),
		zap.Bool("explicitBlockSize", explicit))
	return p, nil
}

// DestroyPool releases the pool and all its blocks. Allocations still
// living in the pool are detached and logged; they keep their object
// identity and must still be freed.
func (a *Allocator) DestroyPool(p *Pool) error {
	if p == nil {
		return nil
	}
	if p.destroyed.Load() {
		return errors.InvalidArgument(errors.OpPool, "pool already destroyed")
	}
	a.mu.Lock()
	delete(a.pools, p)
	a.mu.Unlock()
	live := p.teardown()
	if live > 0 {
		a.log.Warn("destroyed pool with live allocations",
			zap.String("name", p.name),
			zap.Int("allocations", live))
	} else {
		a.log.Info("destroyed custom pool", zap.String("name", p.name))
	}
	return nil
}

// MakePoolAllocationsLost discards every stale evictable allocation in
// the pool and returns how many were lost.
func (a *Allocator) MakePoolAllocationsLost(p *Pool) int {
	if p == nil || p.destroyed.Load() {
		return 0
	}
	return p.vector.makeAllocationsLost()
}
