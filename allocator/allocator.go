package allocator

import (
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/internal/bytesize"
	"github.com/ferron-io/devmem/metadata"
)

// WholeSize passed as the size of a Flush or Invalidate range extends the
// range to the end of the allocation.
const WholeSize int64 = -1

// locker is a mutex that turns into a no-op when the caller promises
// external synchronization.
type locker struct {
	mu      sync.Mutex
	enabled bool
}

func (l *locker) Lock() {
	if l.enabled {
		l.mu.Lock()
	}
}

func (l *locker) Unlock() {
	if l.enabled {
		l.mu.Unlock()
	}
}

type dedicatedList struct {
	mu    locker
	items map[*Allocation]struct{}
}

// Allocator suballocates device memory for an application. It keeps one
// block list per memory type, hands out dedicated memory objects for
// large or explicitly dedicated requests, and hosts custom pools.
type Allocator struct {
	device devmem.Device
	props  devmem.MemoryProperties
	limits devmem.DeviceLimits
	opts   Options
	log    *zap.Logger

	mu        locker
	vectors   []*blockVector
	dedicated []dedicatedList
	pools     map[*Pool]struct{}

	currentFrame   atomic.Uint32
	nextBlockID    atomic.Uint64
	deviceAllocs   atomic.Int64
	heapBlockBytes []atomic.Int64
	heapAllocBytes []atomic.Int64

	closed atomic.Bool
}

// New creates an allocator on top of the given device.
func New(device devmem.Device, opts Options) (*Allocator, error) {
	if device == nil {
		return nil, errors.InvalidArgument(errors.OpConfig, "device is nil")
	}
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, err
	}
	props := device.Properties()
	if len(props.Types) == 0 || len(props.Heaps) == 0 {
		return nil, errors.InvalidArgument(errors.OpConfig, "device reports no memory types or heaps")
	}
	limits := device.Limits()
	if limits.BufferImageGranularity <= 0 {
		limits.BufferImageGranularity = 1
	}
	if limits.NonCoherentAtomSize <= 0 {
		limits.NonCoherentAtomSize = 1
	}

	a := &Allocator{
		device:         device,
		props:          props,
		limits:         limits,
		opts:           opts,
		log:            opts.Logger,
		pools:          make(map[*Pool]struct{}),
		heapBlockBytes: make([]atomic.Int64, len(props.Heaps)),
		heapAllocBytes: make([]atomic.Int64, len(props.Heaps)),
	}
	a.mu.enabled = !opts.ExternallySynchronized

	a.vectors = make([]*blockVector, len(props.Types))
	a.dedicated = make([]dedicatedList, len(props.Types))
	for i := range props.Types {
		heap := props.HeapForType(i)
		a.vectors[i] = newBlockVector(a, nil, vectorConfig{
			typeIndex:   i,
			algo:        algorithmList,
			blockSize:   preferredBlockSizeFor(props.Heaps[heap].Size, opts.PreferredLargeHeapBlockSize),
			granularity: limits.BufferImageGranularity,
			margin:      opts.DebugMargin,
			frameInUse:  opts.FrameInUseCount,
		})
		a.dedicated[i].mu.enabled = !opts.ExternallySynchronized
		a.dedicated[i].items = make(map[*Allocation]struct{})
	}

	a.log.Info("allocator created",
		zap.Int("memoryTypes", len(props.Types)),
		zap.Int("heaps", len(props.Heaps)),
		zap.Int64("granularity", limits.BufferImageGranularity),
		zap.Int64("debugMargin", opts.DebugMargin),
		zap.Bool("detectCorruption", opts.DetectCorruption))
	return a, nil
}

// preferredBlockSizeFor sizes blocks for a heap: an eighth of small heaps
// rounded up to a power of two, the configured value for large ones.
func preferredBlockSizeFor(heapSize, large int64) int64 {
	if heapSize <= bytesize.GB {
		return metadata.NextPow2(heapSize / 8)
	}
	return large
}

// Device returns the device this allocator manages memory for.
func (a *Allocator) Device() devmem.Device { return a.device }

// Properties returns the memory properties the allocator operates on.
func (a *Allocator) Properties() devmem.MemoryProperties { return a.props }

// CurrentFrameIndex returns the frame set by SetCurrentFrameIndex.
func (a *Allocator) CurrentFrameIndex() uint32 { return a.currentFrame.Load() }

// SetCurrentFrameIndex advances the allocator's frame counter, which
// drives the staleness checks behind lost allocations.
func (a *Allocator) SetCurrentFrameIndex(frame uint32) {
	if frame == lostFrame {
		a.log.Warn("frame index reserved for lost allocations ignored", zap.Uint32("frame", frame))
		return
	}
	a.currentFrame.Store(frame)
}

// heapLimit is the hard envelope for a heap: its size, lowered by the
// configured heap size limit.
func (a *Allocator) heapLimit(heap int) int64 {
	limit := a.props.Heaps[heap].Size
	if heap < len(a.opts.HeapSizeLimits) {
		if l := a.opts.HeapSizeLimits[heap]; l > 0 && l < limit {
			limit = l
		}
	}
	return limit
}

func (a *Allocator) heapRoom(heap int) int64 {
	return a.heapLimit(heap) - a.heapBlockBytes[heap].Load()
}

// softBudget is the advisory budget for a heap, four fifths of the hard
// envelope.
func (a *Allocator) softBudget(heap int) int64 {
	return a.heapLimit(heap) / 5 * 4
}

func (a *Allocator) addAllocBytes(heap int, delta int64) {
	a.heapAllocBytes[heap].Add(delta)
}

// allocateDeviceMemory requests memory from the device after checking
// the heap envelope and the device allocation count limit.
func (a *Allocator) allocateDeviceMemory(typeIndex, heap int, size int64) (devmem.DeviceMemory, error) {
	if room := a.heapRoom(heap); size > room {
		return nil, errors.OutOfDeviceMemory(errors.OpDevice,
			fmt.Sprintf("heap %d has %d of %d bytes left, need %d", heap, room, a.heapLimit(heap), size))
	}
	if limit := a.limits.MaxAllocationCount; limit > 0 && a.deviceAllocs.Load() >= int64(limit) {
		return nil, errors.TooManyObjects(errors.OpAllocate, limit)
	}
	mem, err := a.device.Allocate(typeIndex, size)
	if err != nil {
		return nil, err
	}
	a.deviceAllocs.Add(1)
	a.heapBlockBytes[heap].Add(size)
	return mem, nil
}

func (a *Allocator) releaseDeviceBytes(heap int, size int64) {
	a.heapBlockBytes[heap].Add(-size)
	a.deviceAllocs.Add(-1)
}

// Allocate places memory for a resource with no declared kind.
func (a *Allocator) Allocate(reqs devmem.MemoryRequirements, info AllocationCreateInfo) (*Allocation, error) {
	return a.allocateOne(reqs, info, metadata.SuballocationUnknown)
}

// AllocateForBuffer places memory for a buffer.
func (a *Allocator) AllocateForBuffer(reqs devmem.MemoryRequirements, info AllocationCreateInfo) (*Allocation, error) {
	return a.allocateOne(reqs, info, metadata.SuballocationBuffer)
}

// AllocateForImage places memory for an image with the given tiling.
// Linear and optimal images are kept apart from buffers by the device's
// buffer/image granularity.
func (a *Allocator) AllocateForImage(reqs devmem.MemoryRequirements, info AllocationCreateInfo, tiling ImageTiling) (*Allocation, error) {
	subType := metadata.SuballocationImageOptimal
	if tiling == ImageTilingLinear {
		subType = metadata.SuballocationImageLinear
	}
	return a.allocateOne(reqs, info, subType)
}

// AllocatePages makes count allocations with identical parameters,
// rolling all of them back if any single one fails.
func (a *Allocator) AllocatePages(reqs devmem.MemoryRequirements, info AllocationCreateInfo, count int) ([]*Allocation, error) {
	if count <= 0 {
		return nil, errors.InvalidArgument(errors.OpAllocate, "page count %d must be positive", count)
	}
	out := make([]*Allocation, 0, count)
	for i := 0; i < count; i++ {
		al, err := a.allocateOne(reqs, info, metadata.SuballocationUnknown)
		if err != nil {
			for _, made := range out {
				if ferr := a.Free(made); ferr != nil {
					a.log.Warn("rolling back page allocation failed", zap.Error(ferr))
				}
			}
			return nil, err
		}
		out = append(out, al)
	}
	return out, nil
}

func validateCreateFlags(info AllocationCreateInfo) error {
	f := info.Flags
	switch {
	case f.has(AllocationDedicatedMemory) && f.has(AllocationNeverAllocate):
		return errors.InvalidArgument(errors.OpAllocate, "dedicated memory cannot be combined with never-allocate")
	case f.has(AllocationDedicatedMemory) && f.has(AllocationCanBecomeLost):
		return errors.InvalidArgument(errors.OpAllocate, "dedicated memory cannot become lost")
	case f.has(AllocationMapped) && f.has(AllocationCanBecomeLost):
		return errors.InvalidArgument(errors.OpAllocate, "persistently mapped memory cannot become lost")
	case f.has(AllocationDedicatedMemory) && info.Pool != nil:
		return errors.InvalidArgument(errors.OpAllocate, "dedicated memory cannot come from a custom pool")
	}
	return nil
}

func (a *Allocator) allocateOne(reqs devmem.MemoryRequirements, info AllocationCreateInfo, subType metadata.SuballocationType) (*Allocation, error) {
	if a.closed.Load() {
		return nil, errors.InvalidArgument(errors.OpAllocate, "allocator is closed")
	}
	if reqs.Size <= 0 {
		return nil, errors.InvalidArgument(errors.OpAllocate, "allocation size must be positive, got %d", reqs.Size)
	}
	alignment := reqs.Alignment
	if alignment < 0 || alignment&(alignment-1) != 0 {
		return nil, errors.InvalidArgument(errors.OpAllocate, "alignment %d is not a power of two", alignment)
	}
	if alignment == 0 {
		alignment = 1
	}
	if err := validateCreateFlags(info); err != nil {
		return nil, err
	}

	req := allocRequest{
		size:      reqs.Size,
		alignment: alignment,
		flags:     info.Flags,
		subType:   subType,
		userData:  info.UserData,
		name:      info.Name,
		priority:  info.Priority,
	}

	if p := info.Pool; p != nil {
		if p.destroyed.Load() {
			return nil, errors.InvalidArgument(errors.OpAllocate, "pool has been destroyed")
		}
		if reqs.TypeBits != 0 && reqs.TypeBits&(1<<uint(p.vector.typeIndex)) == 0 {
			return nil, errors.InvalidArgument(errors.OpAllocate,
				"pool memory type %d is not allowed by the resource's requirements", p.vector.typeIndex)
		}
		return p.vector.allocate(req)
	}

	mask := reqs.TypeBits
	if mask == 0 {
		mask = ^uint32(0)
	}
	var lastErr error
	for {
		typeIndex, err := a.FindMemoryTypeIndex(mask, info)
		if err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}
		al, err := a.allocateFromType(typeIndex, req, info)
		if err == nil {
			return al, nil
		}
		if stderrors.Is(err, errors.ErrInvalidArgument) {
			return nil, err
		}
		lastErr = err
		mask &^= 1 << uint(typeIndex)
	}
}

func (a *Allocator) allocateFromType(typeIndex int, req allocRequest, info AllocationCreateInfo) (*Allocation, error) {
	v := a.vectors[typeIndex]
	heap := v.heap

	if req.flags.has(AllocationWithinBudget) {
		if used := a.heapBlockBytes[heap].Load(); used+req.size > a.softBudget(heap) {
			return nil, errors.OutOfDeviceMemory(errors.OpAllocate,
				fmt.Sprintf("allocation of %d bytes would exceed heap %d budget", req.size, heap))
		}
	}

	requireDedicated := req.flags.has(AllocationDedicatedMemory) || info.Usage == UsageGPULazilyAllocated
	if requireDedicated {
		return a.allocateDedicated(typeIndex, heap, req)
	}

	canDedicate := !req.flags.has(AllocationNeverAllocate) && !req.flags.has(AllocationCanBecomeLost)
	if canDedicate && req.size > v.blockSize/2 {
		if al, err := a.allocateDedicated(typeIndex, heap, req); err == nil {
			return al, nil
		}
	}

	al, err := v.allocate(req)
	if err != nil && canDedicate && req.size <= v.blockSize/2 && stderrors.Is(err, errors.ErrOutOfDeviceMemory) {
		if dal, derr := a.allocateDedicated(typeIndex, heap, req); derr == nil {
			return dal, nil
		}
	}
	return al, err
}

func (a *Allocator) allocateDedicated(typeIndex, heap int, req allocRequest) (*Allocation, error) {
	mem, err := a.allocateDeviceMemory(typeIndex, heap, req.size)
	if err != nil {
		return nil, err
	}
	al := &Allocation{
		size:      req.size,
		alignment: req.alignment,
		typeIndex: typeIndex,
		flags:     req.flags,
		subType:   req.subType,
		kind:      allocationDedicated,
		memory:    mem,
		userData:  req.userData,
		name:      req.name,
		priority:  req.priority,
	}
	al.lastUse.Store(a.currentFrame.Load())

	if req.flags.has(AllocationMapped) {
		data, merr := mem.Map()
		if merr != nil {
			a.releaseDeviceBytes(heap, req.size)
			mem.Free()
			return nil, errors.MapFailed(errors.OpAllocate, "persistent mapping failed", merr)
		}
		al.dedData = data
		al.mapRefs.Store(1)
	}

	d := &a.dedicated[typeIndex]
	d.mu.Lock()
	d.items[al] = struct{}{}
	d.mu.Unlock()
	a.addAllocBytes(heap, req.size)

	a.log.Debug("created dedicated allocation",
		zap.String("name", req.name),
		zap.Int64("size", req.size),
		zap.Int("memoryType", typeIndex))
	return al, nil
}

// Free releases an allocation. Freeing nil is a no-op; freeing the same
// allocation twice is reported as an error.
func (a *Allocator) Free(al *Allocation) error {
	if al == nil {
		return nil
	}
	if !al.freed.CompareAndSwap(false, true) {
		return errors.InvalidArgument(errors.OpFree, "allocation %q freed twice", al.name)
	}
	if al.kind == allocationDedicated {
		heap := a.props.HeapForType(al.typeIndex)
		if refs := al.mapRefs.Swap(0); refs > 0 {
			al.memory.Unmap()
			al.dedData = nil
		}
		al.memory.Free()
		a.releaseDeviceBytes(heap, al.size)
		a.addAllocBytes(heap, -al.size)
		d := &a.dedicated[al.typeIndex]
		d.mu.Lock()
		delete(d.items, al)
		d.mu.Unlock()
		return nil
	}
	v := a.vectorFor(al)
	if v == nil {
		return nil
	}
	return v.free(al)
}

// FreePages releases a batch of allocations, continuing past individual
// failures and returning them combined.
func (a *Allocator) FreePages(allocs []*Allocation) error {
	var errs error
	for _, al := range allocs {
		errs = multierr.Append(errs, a.Free(al))
	}
	return errs
}

func (a *Allocator) vectorFor(al *Allocation) *blockVector {
	if al.pool != nil {
		return al.pool.vector
	}
	if al.typeIndex >= 0 && al.typeIndex < len(a.vectors) {
		return a.vectors[al.typeIndex]
	}
	return nil
}

// AllocationInfo snapshots an allocation's placement. The call counts as
// a use for lost-allocation staleness. A lost allocation reports nil
// DeviceMemory and zero size.
func (a *Allocator) AllocationInfo(al *Allocation) AllocationInfo {
	if al == nil {
		return AllocationInfo{}
	}
	if !a.Touch(al) {
		return AllocationInfo{
			MemoryType: al.typeIndex,
			UserData:   al.userData,
			Name:       al.name,
		}
	}
	return AllocationInfo{
		MemoryType:   al.typeIndex,
		DeviceMemory: al.deviceMemory(),
		Offset:       al.offset,
		Size:         al.size,
		MappedData:   al.mappedWindow(),
		UserData:     al.userData,
		Name:         al.name,
	}
}

// Touch marks the allocation as used in the current frame. It returns
// false when the allocation is lost.
func (a *Allocator) Touch(al *Allocation) bool {
	if al == nil {
		return false
	}
	if !al.canBecomeLost() {
		return true
	}
	frame := a.currentFrame.Load()
	for {
		last := al.lastUse.Load()
		if last == lostFrame {
			return false
		}
		if last == frame {
			return true
		}
		if al.lastUse.CompareAndSwap(last, frame) {
			return true
		}
	}
}

// SetUserData replaces the opaque value attached to the allocation.
func (a *Allocator) SetUserData(al *Allocation, userData any) {
	if al == nil {
		return
	}
	al.userData = userData
}

// SetName relabels the allocation in logs, stats and leak reports.
func (a *Allocator) SetName(al *Allocation, name string) {
	if al == nil {
		return
	}
	al.name = name
}

// CreateLostAllocation returns an allocation that is lost from the
// start. It holds no memory and behaves like any other lost allocation,
// including the obligation to Free it.
func (a *Allocator) CreateLostAllocation() *Allocation {
	al := &Allocation{
		flags: AllocationCanBecomeLost,
		kind:  allocationBlock,
	}
	al.lastUse.Store(lostFrame)
	return al
}

// MakeAllocationsLost discards every evictable allocation, in the
// default block lists and in every pool, whose protection window has
// passed. Returns how many were made lost.
func (a *Allocator) MakeAllocationsLost() int {
	if a.closed.Load() {
		return 0
	}
	lost := 0
	for _, v := range a.vectors {
		lost += v.makeAllocationsLost()
	}
	for _, p := range a.snapshotPools() {
		lost += p.vector.makeAllocationsLost()
	}
	if lost > 0 {
		a.log.Debug("made stale allocations lost", zap.Int("count", lost))
	}
	return lost
}

// Map exposes the allocation's bytes to the host. Calls nest; each one
// must be matched by Unmap. The returned slice covers exactly the
// allocation.
func (a *Allocator) Map(al *Allocation) ([]byte, error) {
	if al == nil || al.freed.Load() {
		return nil, errors.InvalidArgument(errors.OpMap, "allocation is nil or freed")
	}
	if al.canBecomeLost() {
		return nil, errors.InvalidArgument(errors.OpMap, "allocations that can become lost cannot be mapped")
	}
	if al.kind == allocationDedicated {
		data, err := al.memory.Map()
		if err != nil {
			return nil, err
		}
		al.dedData = data
		al.mapRefs.Add(1)
		return data[:al.size], nil
	}
	b := al.block
	if b == nil {
		return nil, errors.MapFailed(errors.OpMap, "allocation has no backing memory", nil)
	}
	data, err := b.mapN(1)
	if err != nil {
		return nil, err
	}
	al.mapRefs.Add(1)
	return data[al.offset : al.offset+al.size], nil
}

// Unmap releases one Map reference.
func (a *Allocator) Unmap(al *Allocation) error {
	if al == nil || al.freed.Load() {
		return errors.InvalidArgument(errors.OpMap, "allocation is nil or freed")
	}
	for {
		refs := al.mapRefs.Load()
		if refs <= 0 {
			return errors.InvalidArgument(errors.OpMap, "unmap without matching map")
		}
		if !al.mapRefs.CompareAndSwap(refs, refs-1) {
			continue
		}
		if al.kind == allocationDedicated {
			if refs == 1 {
				al.memory.Unmap()
				al.dedData = nil
			}
			return nil
		}
		if al.block != nil {
			return al.block.unmapN(1)
		}
		return nil
	}
}

// Flush writes back a mapped range. The range is validated against the
// allocation and rounded outward to the device's non-coherent atom size.
func (a *Allocator) Flush(al *Allocation, offset, size int64) error {
	return a.flushRange(al, offset, size, errors.OpFlush, "flushed")
}

// Invalidate refreshes the host's view of a mapped range, with the same
// range rules as Flush.
func (a *Allocator) Invalidate(al *Allocation, offset, size int64) error {
	return a.flushRange(al, offset, size, errors.OpFlush, "invalidated")
}

func (a *Allocator) flushRange(al *Allocation, offset, size int64, op errors.Op, verb string) error {
	if al == nil || al.freed.Load() {
		return errors.InvalidArgument(op, "allocation is nil or freed")
	}
	if al.IsLost() {
		return errors.Lost(op)
	}
	if offset < 0 || offset > al.size {
		return errors.InvalidArgument(op, "offset %d outside allocation of %d bytes", offset, al.size)
	}
	if size == WholeSize {
		size = al.size - offset
	}
	if size < 0 || offset+size > al.size {
		return errors.InvalidArgument(op, "range [%d, %d) outside allocation of %d bytes", offset, offset+size, al.size)
	}
	if size == 0 {
		return nil
	}
	atom := a.limits.NonCoherentAtomSize
	start := metadata.AlignDown(al.offset+offset, atom)
	end := metadata.AlignUp(al.offset+offset+size, atom)
	if mem := al.deviceMemory(); mem != nil && end > mem.Size() {
		end = mem.Size()
	}
	a.log.Debug("mapped range "+verb,
		zap.Int64("offset", start),
		zap.Int64("size", end-start),
		zap.Int("memoryType", al.typeIndex))
	return nil
}

// Close tears the allocator down, releasing every block and dedicated
// memory object. Allocations still alive are reported as leaks, both in
// the log and in the returned error.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return errors.InvalidArgument(errors.OpClose, "allocator already closed")
	}

	var errs error

	a.mu.Lock()
	pools := make([]*Pool, 0, len(a.pools))
	for p := range a.pools {
		pools = append(pools, p)
	}
	a.pools = make(map[*Pool]struct{})
	a.mu.Unlock()
	for _, p := range pools {
		errs = multierr.Append(errs, errors.Leaked("custom pool", p.Name()))
		a.log.Error("custom pool leaked at close", zap.String("name", p.Name()))
		p.teardown()
	}

	for _, v := range a.vectors {
		v.mu.Lock()
		for _, b := range v.blocks {
			for _, al := range v.liveAllocations(b) {
				errs = multierr.Append(errs, errors.Leaked("allocation", al.name))
				a.log.Error("allocation leaked at close",
					zap.String("name", al.name),
					zap.Int64("size", al.size),
					zap.Int("memoryType", al.typeIndex))
				a.addAllocBytes(v.heap, -al.size)
				al.freed.Store(true)
				al.block = nil
				al.handle = metadata.NoAllocation
			}
		}
		for len(v.blocks) > 0 {
			v.destroyBlockAt(len(v.blocks) - 1)
		}
		v.mu.Unlock()
	}

	for i := range a.dedicated {
		d := &a.dedicated[i]
		d.mu.Lock()
		for al := range d.items {
			errs = multierr.Append(errs, errors.Leaked("dedicated allocation", al.name))
			a.log.Error("dedicated allocation leaked at close",
				zap.String("name", al.name),
				zap.Int64("size", al.size),
				zap.Int("memoryType", al.typeIndex))
			heap := a.props.HeapForType(al.typeIndex)
			al.memory.Free()
			a.releaseDeviceBytes(heap, al.size)
			a.addAllocBytes(heap, -al.size)
			al.freed.Store(true)
		}
		d.items = make(map[*Allocation]struct{})
		d.mu.Unlock()
	}

	leaks := len(multierr.Errors(errs))
	if leaks > 0 {
		a.log.Warn("allocator closed with leaks", zap.Int("leaks", leaks))
	} else {
		a.log.Info("allocator closed")
	}
	return errs
}
