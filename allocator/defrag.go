package allocator

import (
	"sort"

	"go.uber.org/zap"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/metadata"
)

// DefragmentationInfo selects what a defragmentation pass may move.
type DefragmentationInfo struct {
	// Allocations are individual candidates for moving. Entries that
	// cannot move (lost, evictable, dedicated, in linear or buddy pools,
	// or in memory the host cannot write) are skipped.
	Allocations []*Allocation

	// Pools adds every movable allocation of the listed pools.
	Pools []*Pool

	// MaxBytesToMove caps the bytes copied during the pass. Zero means
	// no cap.
	MaxBytesToMove int64

	// MaxAllocationsToMove caps how many allocations move. Zero means no
	// cap.
	MaxAllocationsToMove int
}

// DefragmentationStats reports what a pass achieved.
type DefragmentationStats struct {
	BytesMoved              int64
	BytesFreed              int64
	AllocationsMoved        int
	DeviceMemoryBlocksFreed int
}

// DefragmentationContext holds the results of one pass.
type DefragmentationContext struct {
	owner      *Allocator
	inputs     []*Allocation
	changed    map[*Allocation]struct{}
	stats      DefragmentationStats
	incomplete bool
	ended      bool
}

type moveBudget struct {
	bytesLeft int64 // negative means unlimited
	movesLeft int   // negative means unlimited
}

func newMoveBudget(info DefragmentationInfo) moveBudget {
	b := moveBudget{bytesLeft: info.MaxBytesToMove, movesLeft: info.MaxAllocationsToMove}
	if b.bytesLeft == 0 {
		b.bytesLeft = -1
	}
	if b.movesLeft == 0 {
		b.movesLeft = -1
	}
	return b
}

func (m *moveBudget) allows(size int64) bool {
	if m.bytesLeft >= 0 && size > m.bytesLeft {
		return false
	}
	return m.movesLeft != 0
}

func (m *moveBudget) spend(size int64) {
	if m.bytesLeft >= 0 {
		m.bytesLeft -= size
	}
	if m.movesLeft > 0 {
		m.movesLeft--
	}
}

// movable reports whether defragmentation may relocate the allocation.
// Moving copies through host mappings, so the memory type must be host
// visible and coherent, and the metadata must support arbitrary frees.
func (a *Allocator) movable(al *Allocation, v *blockVector) bool {
	if al.kind != allocationBlock || al.block == nil {
		return false
	}
	if al.canBecomeLost() {
		return false
	}
	if v.algo != algorithmList {
		return false
	}
	want := devmem.MemoryHostVisible | devmem.MemoryHostCoherent
	return a.props.Types[al.typeIndex].Flags.Has(want)
}

// DefragmentationBegin repacks the selected allocations toward the start
// of their block lists and frees the blocks that empty out. All moving
// happens before the call returns; the context reports the outcome.
// Persistent and user mappings follow the allocation to its new place.
func (a *Allocator) DefragmentationBegin(info DefragmentationInfo) (*DefragmentationContext, error) {
	if a.closed.Load() {
		return nil, errors.InvalidArgument(errors.OpDefrag, "allocator is closed")
	}
	ctx := &DefragmentationContext{
		owner:   a,
		inputs:  info.Allocations,
		changed: make(map[*Allocation]struct{}),
	}
	budget := newMoveBudget(info)

	groups := make(map[*blockVector][]*Allocation)
	seen := make(map[*Allocation]struct{})
	take := func(al *Allocation, v *blockVector) {
		if _, dup := seen[al]; dup {
			return
		}
		seen[al] = struct{}{}
		groups[v] = append(groups[v], al)
	}

	for _, al := range info.Allocations {
		if al == nil || al.freed.Load() {
			continue
		}
		v := a.vectorFor(al)
		if v == nil || !a.movable(al, v) {
			continue
		}
		take(al, v)
	}
	for _, p := range info.Pools {
		if p == nil || p.destroyed.Load() {
			continue
		}
		v := p.vector
		v.mu.Lock()
		for _, b := range v.blocks {
			for _, al := range v.liveAllocations(b) {
				if a.movable(al, v) {
					take(al, v)
				}
			}
		}
		v.mu.Unlock()
	}

	for v, allocs := range groups {
		v.defragment(allocs, &budget, ctx)
		if ctx.incomplete {
			break
		}
	}

	a.log.Info("defragmentation pass finished",
		zap.Int("candidates", len(seen)),
		zap.Int("moved", ctx.stats.AllocationsMoved),
		zap.Int64("bytesMoved", ctx.stats.BytesMoved),
		zap.Int("blocksFreed", ctx.stats.DeviceMemoryBlocksFreed),
		zap.Int64("bytesFreed", ctx.stats.BytesFreed),
		zap.Bool("incomplete", ctx.incomplete))
	return ctx, nil
}

// Stats returns what the pass moved and freed.
func (c *DefragmentationContext) Stats() DefragmentationStats { return c.stats }

// Changed reports whether the i-th entry of the Allocations slice given
// to DefragmentationBegin was relocated.
func (c *DefragmentationContext) Changed(i int) bool {
	if i < 0 || i >= len(c.inputs) {
		return false
	}
	_, ok := c.changed[c.inputs[i]]
	return ok
}

// End finishes the pass. It reports ErrIncomplete when the move limits
// stopped the pass before every candidate was considered.
func (c *DefragmentationContext) End() error {
	if c.ended {
		return errors.InvalidArgument(errors.OpDefrag, "defragmentation already ended")
	}
	c.ended = true
	if c.incomplete {
		return errors.Incomplete(errors.OpDefrag, "move limits reached before all candidates were repacked")
	}
	return nil
}

// defragment repacks the given allocations of this vector toward low
// addresses, then releases blocks that emptied out.
func (v *blockVector) defragment(allocs []*Allocation, budget *moveBudget, ctx *DefragmentationContext) {
	v.mu.Lock()
	defer v.mu.Unlock()

	blockIndex := make(map[*deviceBlock]int, len(v.blocks))
	for i, b := range v.blocks {
		blockIndex[b] = i
	}
	// Low addresses first, so each move opens room for the next.
	sort.Slice(allocs, func(i, j int) bool {
		bi, bj := blockIndex[allocs[i].block], blockIndex[allocs[j].block]
		if bi != bj {
			return bi < bj
		}
		return allocs[i].offset < allocs[j].offset
	})

	for _, al := range allocs {
		if al.freed.Load() || al.block == nil {
			continue
		}
		srcIdx, ok := blockIndex[al.block]
		if !ok {
			continue
		}
		if !budget.allows(al.size) {
			ctx.incomplete = true
			break
		}
		moved, err := v.relocate(al, srcIdx)
		if err != nil {
			v.owner.log.Error("defragmentation move failed",
				zap.String("name", al.name),
				zap.Int64("size", al.size),
				zap.Error(err))
		}
		if moved {
			budget.spend(al.size)
			ctx.stats.BytesMoved += al.size
			ctx.stats.AllocationsMoved++
			ctx.changed[al] = struct{}{}
		}
	}
	v.reclaimEmpties(0, &ctx.stats)
}

// relocate frees the allocation's slot and re-places it at the lowest
// address available in equal or earlier blocks, copying the bytes when
// the position changed. Callers hold v.mu.
func (v *blockVector) relocate(al *Allocation, srcIdx int) (bool, error) {
	srcBlock, srcOffset := al.block, al.offset
	srcBlock.meta.Free(al.handle)

	var (
		dst   *deviceBlock
		r     metadata.Request
		found bool
	)
	for i := 0; i <= srcIdx && !found; i++ {
		b := v.blocks[i]
		// First fit lands at the lowest usable offset of the block.
		if req, ok := b.meta.CreateRequest(al.size, al.alignment, false, al.subType, metadata.StrategyMinTime); ok {
			dst, r, found = b, req, true
		}
	}
	if !found {
		// The freed slot itself should always be found again. Detach the
		// allocation rather than leave it pointing at freed metadata.
		al.block = nil
		al.handle = metadata.NoAllocation
		v.owner.addAllocBytes(v.heap, -al.size)
		return false, errors.Validation("defragmentation lost the slot of allocation %q", al.name)
	}

	newOffset := r.Offset()
	al.handle = dst.meta.Alloc(r, al.subType, al)
	al.block = dst
	al.offset = newOffset
	if dst == srcBlock && newOffset == srcOffset {
		return false, nil
	}

	if err := v.copyForMove(srcBlock, srcOffset, dst, newOffset, al.size); err != nil {
		return true, err
	}
	if v.canaries() {
		if err := dst.writeCanary(newOffset + al.size); err != nil {
			v.owner.log.Warn("rewriting corruption canary after move failed", zap.Error(err))
		}
	}
	if refs := int(al.mapRefs.Load()); refs > 0 && dst != srcBlock {
		if _, err := dst.mapN(refs); err != nil {
			return true, err
		}
		if err := srcBlock.unmapN(refs); err != nil {
			return true, err
		}
	}
	return true, nil
}

// copyForMove copies the allocation's bytes between block offsets
// through temporary host mappings. Overlapping same-block moves are
// safe.
func (v *blockVector) copyForMove(src *deviceBlock, srcOffset int64, dst *deviceBlock, dstOffset, size int64) error {
	srcData, err := src.mapN(1)
	if err != nil {
		return err
	}
	if dst == src {
		copy(srcData[dstOffset:dstOffset+size], srcData[srcOffset:srcOffset+size])
		return src.unmapN(1)
	}
	dstData, err := dst.mapN(1)
	if err != nil {
		if uerr := src.unmapN(1); uerr != nil {
			v.owner.log.Warn("releasing source mapping failed", zap.Error(uerr))
		}
		return err
	}
	copy(dstData[dstOffset:dstOffset+size], srcData[srcOffset:srcOffset+size])
	if err := dst.unmapN(1); err != nil {
		return err
	}
	return src.unmapN(1)
}
