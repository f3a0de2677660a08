package allocator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/metadata"
)

type blockAlgorithm uint8

const (
	algorithmList blockAlgorithm = iota
	algorithmLinear
	algorithmBuddy
)

func (a blockAlgorithm) String() string {
	switch a {
	case algorithmList:
		return "list"
	case algorithmLinear:
		return "linear"
	case algorithmBuddy:
		return "buddy"
	}
	return "invalid"
}

// allocRequest carries one allocation request through the vector.
type allocRequest struct {
	size      int64
	alignment int64
	flags     AllocationCreateFlags
	subType   metadata.SuballocationType
	userData  any
	name      string
	priority  float32
}

type vectorConfig struct {
	typeIndex    int
	algo         blockAlgorithm
	blockSize    int64
	explicit     bool
	minBlocks    int
	maxBlocks    int
	granularity  int64
	margin       int64
	frameInUse   uint32
	minAlignment int64
}

// blockVector manages the device memory blocks of one memory type, either
// a default per-type list or the backing of a custom pool.
type blockVector struct {
	owner *Allocator
	pool  *Pool
	heap  int

	typeIndex    int
	algo         blockAlgorithm
	blockSize    int64
	explicit     bool
	minBlocks    int
	maxBlocks    int
	granularity  int64
	margin       int64
	frameInUse   uint32
	minAlignment int64

	mu     locker
	blocks []*deviceBlock
}

func newBlockVector(owner *Allocator, pool *Pool, cfg vectorConfig) *blockVector {
	if cfg.granularity <= 0 {
		cfg.granularity = 1
	}
	if cfg.algo == algorithmBuddy {
		// Buddy metadata rounds every request to a power of two and has
		// no room for margins.
		cfg.margin = 0
	}
	v := &blockVector{
		owner:        owner,
		pool:         pool,
		heap:         owner.props.HeapForType(cfg.typeIndex),
		typeIndex:    cfg.typeIndex,
		algo:         cfg.algo,
		blockSize:    cfg.blockSize,
		explicit:     cfg.explicit,
		minBlocks:    cfg.minBlocks,
		maxBlocks:    cfg.maxBlocks,
		granularity:  cfg.granularity,
		margin:       cfg.margin,
		frameInUse:   cfg.frameInUse,
		minAlignment: cfg.minAlignment,
	}
	v.mu.enabled = !owner.opts.ExternallySynchronized
	return v
}

// canaries reports whether suballocations in this vector get corruption
// canaries written into their margins.
func (v *blockVector) canaries() bool {
	if !v.owner.opts.DetectCorruption || v.margin < canarySize || v.algo == algorithmBuddy {
		return false
	}
	want := devmem.MemoryHostVisible | devmem.MemoryHostCoherent
	return v.owner.props.Types[v.typeIndex].Flags.Has(want)
}

func (v *blockVector) allocate(req allocRequest) (*Allocation, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	alignment := req.alignment
	if alignment < v.minAlignment {
		alignment = v.minAlignment
	}
	if alignment <= 0 {
		alignment = 1
	}
	if req.flags.has(AllocationUpperAddress) && v.algo != algorithmLinear {
		return nil, errors.FeatureNotPresent(errors.OpAllocate, "upper-address placement needs a linear pool")
	}
	strategy := req.flags.strategy()

	if al, ok, err := v.tryExisting(req, alignment, strategy); ok || err != nil {
		return al, err
	}

	var growErr error
	if !req.flags.has(AllocationNeverAllocate) && (v.maxBlocks == 0 || len(v.blocks) < v.maxBlocks) {
		al, err := v.allocateFromNewBlock(req, alignment, strategy)
		if err == nil {
			return al, nil
		}
		growErr = err
	}

	if req.flags.has(AllocationCanMakeOtherLost) {
		if al, ok, err := v.tryWithEviction(req, alignment, strategy); ok || err != nil {
			return al, err
		}
	}

	if growErr != nil {
		return nil, growErr
	}
	if v.pool != nil {
		return nil, errors.OutOfPoolMemory(errors.OpAllocate,
			fmt.Sprintf("pool cannot place %d bytes (align %d)", req.size, alignment))
	}
	return nil, errors.AllocationFailed(errors.OpAllocate, req.size, alignment)
}

// tryExisting walks the blocks in creation order and takes the first one
// whose metadata accepts the request. Callers hold v.mu.
func (v *blockVector) tryExisting(req allocRequest, alignment int64, strategy metadata.Strategy) (*Allocation, bool, error) {
	upper := req.flags.has(AllocationUpperAddress)
	for _, b := range v.blocks {
		r, ok := b.meta.CreateRequest(req.size, alignment, upper, req.subType, strategy)
		if !ok {
			continue
		}
		al, err := v.commit(b, r, req, alignment)
		if err != nil {
			return nil, false, err
		}
		return al, true, nil
	}
	return nil, false, nil
}

// allocateFromNewBlock grows the vector by one block sized by the
// preferred-size progression and places the request in it. Callers hold
// v.mu.
func (v *blockVector) allocateFromNewBlock(req allocRequest, alignment int64, strategy metadata.Strategy) (*Allocation, error) {
	blockSize := v.blockSize
	if !v.explicit {
		blockSize = v.pickBlockSize(req, alignment)
		if blockSize <= 0 {
			return nil, errors.AllocationFailed(errors.OpAllocate, req.size, alignment)
		}
	} else if !v.blockFits(blockSize, req, alignment) {
		return nil, errors.OutOfPoolMemory(errors.OpAllocate,
			fmt.Sprintf("%d bytes (align %d) cannot fit a %d byte block", req.size, alignment, blockSize))
	}

	b, err := v.createBlock(blockSize)
	if err != nil {
		return nil, err
	}
	r, ok := b.meta.CreateRequest(req.size, alignment, req.flags.has(AllocationUpperAddress), req.subType, strategy)
	if !ok {
		v.destroyBlockAt(len(v.blocks) - 1)
		return nil, errors.AllocationFailed(errors.OpAllocate, req.size, alignment)
	}
	return v.commit(b, r, req, alignment)
}

// pickBlockSize runs the new-block size progression: an eighth, a
// quarter, half and finally the full preferred size, taking the first
// candidate that can hold the request and still fits in the heap.
func (v *blockVector) pickBlockSize(req allocRequest, alignment int64) int64 {
	room := v.owner.heapRoom(v.heap)
	for shift := 3; shift >= 0; shift-- {
		candidate := v.blockSize >> uint(shift)
		if candidate <= 0 || !v.blockFits(candidate, req, alignment) {
			continue
		}
		if candidate > room {
			continue
		}
		return candidate
	}
	return 0
}

// blockFits reports whether an empty block of blockSize could hold the
// request under this vector's metadata algorithm.
func (v *blockVector) blockFits(blockSize int64, req allocRequest, alignment int64) bool {
	if v.algo == algorithmBuddy {
		need := metadata.NextPow2(max(req.size, alignment, v.granularity))
		return need <= metadata.PrevPow2(blockSize)
	}
	return req.size+v.margin <= blockSize
}

// createBlock allocates device memory and registers a fresh block.
// Callers hold v.mu.
func (v *blockVector) createBlock(size int64) (*deviceBlock, error) {
	mem, err := v.owner.allocateDeviceMemory(v.typeIndex, v.heap, size)
	if err != nil {
		return nil, err
	}
	var meta metadata.Block
	switch v.algo {
	case algorithmLinear:
		meta = metadata.NewLinear(size, v.granularity, v.margin)
	case algorithmBuddy:
		meta = metadata.NewBuddy(size, v.granularity)
	default:
		meta = metadata.NewList(size, v.granularity, v.margin)
	}
	b := &deviceBlock{
		id:        v.owner.nextBlockID.Add(1),
		typeIndex: v.typeIndex,
		memory:    mem,
		meta:      meta,
	}
	v.blocks = append(v.blocks, b)
	v.owner.log.Debug("created device memory block",
		zap.Uint64("block", b.id),
		zap.Int("memoryType", v.typeIndex),
		zap.String("algorithm", v.algo.String()),
		zap.Int64("size", size))
	return b, nil
}

// destroyBlockAt removes the block at index i and releases its device
// memory. Callers hold v.mu.
func (v *blockVector) destroyBlockAt(i int) {
	b := v.blocks[i]
	v.blocks = append(v.blocks[:i], v.blocks[i+1:]...)
	v.owner.releaseDeviceBytes(v.heap, b.size())
	b.destroy(v.owner.log)
	v.owner.log.Debug("destroyed device memory block",
		zap.Uint64("block", b.id),
		zap.Int("memoryType", v.typeIndex))
}

// commit finalizes a successful metadata request into an Allocation.
// Callers hold v.mu.
func (v *blockVector) commit(b *deviceBlock, r metadata.Request, req allocRequest, alignment int64) (*Allocation, error) {
	al := &Allocation{
		size:      req.size,
		alignment: alignment,
		typeIndex: v.typeIndex,
		flags:     req.flags,
		subType:   req.subType,
		kind:      allocationBlock,
		block:     b,
		offset:    r.Offset(),
		pool:      v.pool,
		userData:  req.userData,
		name:      req.name,
		priority:  req.priority,
	}
	al.lastUse.Store(v.owner.currentFrame.Load())
	al.handle = b.meta.Alloc(r, req.subType, al)

	if req.flags.has(AllocationMapped) {
		if _, err := b.mapN(1); err != nil {
			b.meta.Free(al.handle)
			return nil, errors.MapFailed(errors.OpAllocate, "persistent mapping failed", err)
		}
		al.mapRefs.Store(1)
	}
	if v.canaries() {
		if err := b.writeCanary(al.offset + al.size); err != nil {
			v.owner.log.Warn("writing corruption canary failed",
				zap.Uint64("block", b.id),
				zap.Int64("offset", al.offset),
				zap.Error(err))
		}
	}
	v.owner.addAllocBytes(v.heap, req.size)
	return al, nil
}

// free returns an allocation's space to its block. A lost allocation has
// no block anymore, so only the handed-out object is retired. Reports
// corruption when the allocation's margin canary was overwritten.
func (v *blockVector) free(al *Allocation) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	b := al.block
	if b == nil {
		return nil
	}
	var corrupt error
	if v.canaries() {
		if ok, err := b.checkCanary(al.offset + al.size); err == nil && !ok {
			corrupt = errors.Corruption(v.typeIndex, b.id, al.offset+al.size)
			v.owner.log.Error("margin corruption detected on free",
				zap.Uint64("block", b.id),
				zap.Int64("offset", al.offset),
				zap.Int64("size", al.size),
				zap.String("name", al.name))
		}
	}
	if refs := int(al.mapRefs.Swap(0)); refs > 0 {
		if err := b.unmapN(refs); err != nil {
			v.owner.log.Warn("releasing mapping on free failed", zap.Error(err))
		}
	}
	b.meta.Free(al.handle)
	al.block = nil
	al.handle = metadata.NoAllocation
	v.owner.addAllocBytes(v.heap, -al.size)
	v.reclaimEmpties(1, nil)
	return corrupt
}

// reclaimEmpties destroys empty blocks beyond keep, never dropping the
// vector below its minimum block count. Callers hold v.mu.
func (v *blockVector) reclaimEmpties(keep int, st *DefragmentationStats) {
	empties := 0
	for _, b := range v.blocks {
		if b.meta.IsEmpty() {
			empties++
		}
	}
	for i := len(v.blocks) - 1; i >= 0; i-- {
		if empties <= keep || len(v.blocks) <= v.minBlocks {
			return
		}
		b := v.blocks[i]
		if !b.meta.IsEmpty() {
			continue
		}
		if st != nil {
			st.DeviceMemoryBlocksFreed++
			st.BytesFreed += b.size()
		}
		v.destroyBlockAt(i)
		empties--
	}
}

// ensureMinBlocks pre-creates empty blocks up to the configured minimum.
func (v *blockVector) ensureMinBlocks() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for len(v.blocks) < v.minBlocks {
		if _, err := v.createBlock(v.blockSize); err != nil {
			return err
		}
	}
	return nil
}

// liveAllocations collects the allocation objects currently placed in a
// block. Callers hold v.mu.
func (v *blockVector) liveAllocations(b *deviceBlock) []*Allocation {
	var out []*Allocation
	b.meta.Each(func(s metadata.Suballocation) bool {
		if s.Type == metadata.SuballocationFree {
			return true
		}
		if al, ok := s.UserData.(*Allocation); ok && al != nil {
			out = append(out, al)
		}
		return true
	})
	return out
}

// makeLost discards one evictable allocation if it is stale at the given
// frame. Callers hold v.mu.
func (v *blockVector) makeLost(al *Allocation, frame uint32) bool {
	if !al.canBecomeLost() || al.block == nil {
		return false
	}
	last := al.lastUse.Load()
	if last == lostFrame || last+v.frameInUse >= frame {
		return false
	}
	if !al.lastUse.CompareAndSwap(last, lostFrame) {
		return false
	}
	al.block.meta.Free(al.handle)
	al.block = nil
	al.handle = metadata.NoAllocation
	v.owner.addAllocBytes(v.heap, -al.size)
	v.owner.log.Debug("allocation made lost",
		zap.String("name", al.name),
		zap.Int64("size", al.size),
		zap.Uint32("lastUse", last),
		zap.Uint32("frame", frame))
	return true
}

// tryWithEviction discards stale evictable allocations block by block
// and retries the request after each sweep. Callers hold v.mu.
func (v *blockVector) tryWithEviction(req allocRequest, alignment int64, strategy metadata.Strategy) (*Allocation, bool, error) {
	frame := v.owner.currentFrame.Load()
	upper := req.flags.has(AllocationUpperAddress)
	for _, b := range v.blocks {
		freed := 0
		for _, al := range v.liveAllocations(b) {
			if v.makeLost(al, frame) {
				freed++
			}
		}
		if freed == 0 {
			continue
		}
		r, ok := b.meta.CreateRequest(req.size, alignment, upper, req.subType, strategy)
		if !ok {
			continue
		}
		al, err := v.commit(b, r, req, alignment)
		if err != nil {
			return nil, false, err
		}
		return al, true, nil
	}
	return nil, false, nil
}

// makeAllocationsLost discards every stale evictable allocation in the
// vector and returns how many were lost.
func (v *blockVector) makeAllocationsLost() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	frame := v.owner.currentFrame.Load()
	lost := 0
	for _, b := range v.blocks {
		for _, al := range v.liveAllocations(b) {
			if v.makeLost(al, frame) {
				lost++
			}
		}
	}
	if lost > 0 {
		v.reclaimEmpties(1, nil)
	}
	return lost
}

func (v *blockVector) addStats(st *metadata.Statistics) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.blocks {
		b.meta.AddStatistics(st)
	}
}

// validate checks the metadata consistency of every block.
func (v *blockVector) validate() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.blocks {
		if err := b.meta.Validate(); err != nil {
			return errors.Validation("block %d of memory type %d: %v", b.id, v.typeIndex, err)
		}
	}
	return nil
}
