package allocator

import (
	stderrors "errors"
	"math"
	"testing"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/errors"
)

func TestAllocator_LostAllocationLifecycle(t *testing.T) {
	// 64 KiB heap, 8 KiB blocks: eight 7000 byte allocations fill the
	// heap with one allocation per block.
	a, _ := newHostAllocator(t, 64<<10, Options{FrameInUseCount: 1})
	defer a.Close()

	a.SetCurrentFrameIndex(10)
	evictable := AllocationCreateInfo{Usage: UsageCPUOnly, Flags: AllocationCanBecomeLost}
	als := make([]*Allocation, 8)
	for i := range als {
		als[i] = mustAllocate(t, a, 7000, evictable)
	}

	// Within the frame-in-use window nothing may be evicted.
	a.SetCurrentFrameIndex(11)
	evicting := AllocationCreateInfo{Usage: UsageCPUOnly, Flags: AllocationCanMakeOtherLost}
	if _, err := a.Allocate(devmem.MemoryRequirements{Size: 7000}, evicting); !stderrors.Is(err, errors.ErrOutOfDeviceMemory) {
		t.Fatalf("eviction inside the protection window error = %v, want out of device memory", err)
	}

	a.SetCurrentFrameIndex(12)
	newcomer, err := a.Allocate(devmem.MemoryRequirements{Size: 7000}, evicting)
	if err != nil {
		t.Fatalf("allocation with eviction failed: %v", err)
	}
	if a.AllocationInfo(newcomer).DeviceMemory == nil {
		t.Errorf("newcomer has no device memory")
	}

	if !als[0].IsLost() {
		t.Errorf("first allocation was not made lost")
	}
	if als[1].IsLost() {
		t.Errorf("second allocation was evicted, one block should have sufficed")
	}
	if a.Touch(als[0]) {
		t.Errorf("Touch on a lost allocation = true")
	}
	info := a.AllocationInfo(als[0])
	if info.DeviceMemory != nil || info.Size != 0 {
		t.Errorf("lost info = memory %v size %d, want nil and 0", info.DeviceMemory, info.Size)
	}

	// Lost allocations still go through Free.
	if err := a.Free(als[0]); err != nil {
		t.Errorf("Free of lost allocation = %v, want nil", err)
	}
	for _, al := range als[1:] {
		if err := a.Free(al); err != nil {
			t.Fatalf("Free failed: %v", err)
		}
	}
	a.Free(newcomer)
}

func TestAllocator_TouchProtectsFromEviction(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	p, err := a.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		BlockSize:       8192,
		MaxBlockCount:   1,
		FrameInUseCount: 1,
		Name:            "transient",
	})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	a.SetCurrentFrameIndex(10)
	x := mustAllocate(t, a, 7000, AllocationCreateInfo{Pool: p, Flags: AllocationCanBecomeLost})

	a.SetCurrentFrameIndex(12)
	if !a.Touch(x) {
		t.Fatalf("Touch on live allocation = false")
	}

	// Touched at frame 12 with one frame of protection: not evictable
	// at 12, evictable from 14 on.
	evicting := AllocationCreateInfo{Pool: p, Flags: AllocationCanMakeOtherLost}
	if _, err := a.Allocate(devmem.MemoryRequirements{Size: 7000}, evicting); !stderrors.Is(err, errors.ErrOutOfPoolMemory) {
		t.Fatalf("eviction of touched allocation error = %v, want out of pool memory", err)
	}

	a.SetCurrentFrameIndex(14)
	y, err := a.Allocate(devmem.MemoryRequirements{Size: 7000}, evicting)
	if err != nil {
		t.Fatalf("allocation after protection lapsed failed: %v", err)
	}
	if !x.IsLost() {
		t.Errorf("stale allocation was not evicted")
	}

	a.Free(x)
	a.Free(y)
	a.DestroyPool(p)
}

func TestAllocator_FrameIndexReserved(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	a.SetCurrentFrameIndex(5)
	a.SetCurrentFrameIndex(math.MaxUint32)
	if got := a.CurrentFrameIndex(); got != 5 {
		t.Errorf("frame index = %d, want the reserved value ignored and 5 kept", got)
	}
}

func TestAllocator_CreateLostAllocation(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	al := a.CreateLostAllocation()
	if !al.IsLost() {
		t.Fatalf("created allocation is not lost")
	}
	if a.Touch(al) {
		t.Errorf("Touch on a born-lost allocation = true")
	}
	if info := a.AllocationInfo(al); info.DeviceMemory != nil || info.Size != 0 {
		t.Errorf("lost info = memory %v size %d, want nil and 0", info.DeviceMemory, info.Size)
	}
	if _, err := a.Map(al); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("Map on lost allocation error = %v, want invalid argument", err)
	}
	if err := a.Free(al); err != nil {
		t.Errorf("Free of lost allocation = %v, want nil", err)
	}
}

func TestAllocator_EvictableCannotMap(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	al := mustAllocate(t, a, 1000, AllocationCreateInfo{Usage: UsageCPUOnly, Flags: AllocationCanBecomeLost})
	if _, err := a.Map(al); !stderrors.Is(err, errors.ErrInvalidArgument) {
		t.Errorf("Map on evictable allocation error = %v, want invalid argument", err)
	}
	a.Free(al)
}

func TestPool_MakeAllocationsLost(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	p, err := a.CreatePool(PoolCreateInfo{
		MemoryTypeIndex: 0,
		BlockSize:       16384,
		Name:            "per-frame",
	})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}

	evictable := AllocationCreateInfo{Pool: p, Flags: AllocationCanBecomeLost}
	x := mustAllocate(t, a, 1000, evictable)
	y := mustAllocate(t, a, 1000, evictable)

	// Same frame: both are still protected.
	if got := a.MakePoolAllocationsLost(p); got != 0 {
		t.Errorf("MakePoolAllocationsLost in the same frame = %d, want 0", got)
	}

	a.SetCurrentFrameIndex(1)
	if got := a.MakePoolAllocationsLost(p); got != 2 {
		t.Errorf("MakePoolAllocationsLost = %d, want 2", got)
	}
	if !x.IsLost() || !y.IsLost() {
		t.Errorf("lost flags = %v %v, want both lost", x.IsLost(), y.IsLost())
	}
	if st := p.Stats(); st.AllocationCount != 0 {
		t.Errorf("pool still reports %d allocations", st.AllocationCount)
	}

	a.Free(x)
	a.Free(y)
	a.DestroyPool(p)
}

func TestAllocator_MakeAllocationsLost(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{FrameInUseCount: 1})
	defer a.Close()

	a.SetCurrentFrameIndex(10)
	evictable := AllocationCreateInfo{Usage: UsageCPUOnly, Flags: AllocationCanBecomeLost}
	one := mustAllocate(t, a, 1000, evictable)
	two := mustAllocate(t, a, 1000, evictable)
	keeper := mustAllocate(t, a, 1000, AllocationCreateInfo{Usage: UsageCPUOnly})

	p, err := a.CreatePool(PoolCreateInfo{MemoryTypeIndex: 0, BlockSize: 8192})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	pooled := mustAllocate(t, a, 1000, AllocationCreateInfo{Pool: p, Flags: AllocationCanBecomeLost})

	// The pool has no frame-in-use window, so only its allocation is
	// stale one frame later.
	a.SetCurrentFrameIndex(11)
	if got := a.MakeAllocationsLost(); got != 1 {
		t.Errorf("sweep at frame 11 lost %d allocations, want 1", got)
	}
	if !pooled.IsLost() {
		t.Errorf("pooled allocation survived the sweep")
	}

	a.SetCurrentFrameIndex(12)
	if got := a.MakeAllocationsLost(); got != 2 {
		t.Errorf("sweep at frame 12 lost %d allocations, want 2", got)
	}
	if !one.IsLost() || !two.IsLost() {
		t.Errorf("lost flags = %v %v, want both lost", one.IsLost(), two.IsLost())
	}
	if keeper.IsLost() {
		t.Errorf("allocation without the evictable flag was made lost")
	}
	if got := a.MakeAllocationsLost(); got != 0 {
		t.Errorf("repeated sweep lost %d more allocations", got)
	}

	a.Free(one)
	a.Free(two)
	a.Free(keeper)
	a.Free(pooled)
	a.DestroyPool(p)
}
