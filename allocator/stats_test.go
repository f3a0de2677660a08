package allocator

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/simdev"
)

func TestCalculateStats_Empty(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	s := a.CalculateStats()
	if len(s.Types) != 1 || len(s.Heaps) != 1 {
		t.Fatalf("stats cover %d types and %d heaps, want 1 and 1", len(s.Types), len(s.Heaps))
	}
	if s.Total.BlockCount != 0 || s.Total.AllocationCount != 0 {
		t.Errorf("total = %+v, want all zero", s.Total)
	}
	// Postprocess clears the primed minimums when nothing was counted.
	if s.Total.AllocationSizeMin != 0 || s.Total.UnusedRangeSizeMin != 0 {
		t.Errorf("minimums = %d and %d, want 0 after postprocessing",
			s.Total.AllocationSizeMin, s.Total.UnusedRangeSizeMin)
	}
}

func TestCalculateStats_Rollup(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	// One suballocation in the default block list, one in a custom pool
	// and one dedicated object.
	blockAl := mustAllocate(t, a, 1000, AllocationCreateInfo{Usage: UsageCPUOnly})
	p, err := a.CreatePool(PoolCreateInfo{MemoryTypeIndex: 0, BlockSize: 8192})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	poolAl := mustAllocate(t, a, 2000, AllocationCreateInfo{Pool: p})
	dedAl := mustAllocate(t, a, 3000, AllocationCreateInfo{Usage: UsageCPUOnly, Flags: AllocationDedicatedMemory})

	s := a.CalculateStats()
	total := s.Total
	if total.BlockCount != 3 {
		t.Errorf("BlockCount = %d, want 3", total.BlockCount)
	}
	if total.AllocationCount != 3 {
		t.Errorf("AllocationCount = %d, want 3", total.AllocationCount)
	}
	if total.UsedBytes != 6000 {
		t.Errorf("UsedBytes = %d, want 6000", total.UsedBytes)
	}
	// 15384 free behind the block suballocation, 6192 behind the pool
	// one. The dedicated object has no unused space.
	if total.UnusedBytes != 21576 || total.UnusedRangeCount != 2 {
		t.Errorf("unused = %d bytes in %d ranges, want 21576 in 2",
			total.UnusedBytes, total.UnusedRangeCount)
	}
	if total.AllocationSizeMin != 1000 || total.AllocationSizeAvg != 2000 || total.AllocationSizeMax != 3000 {
		t.Errorf("allocation sizes = %d/%d/%d, want 1000/2000/3000",
			total.AllocationSizeMin, total.AllocationSizeAvg, total.AllocationSizeMax)
	}
	if total.UnusedRangeSizeMin != 6192 || total.UnusedRangeSizeAvg != 10788 || total.UnusedRangeSizeMax != 15384 {
		t.Errorf("unused range sizes = %d/%d/%d, want 6192/10788/15384",
			total.UnusedRangeSizeMin, total.UnusedRangeSizeAvg, total.UnusedRangeSizeMax)
	}

	// Single heap, single type: every view agrees.
	if s.Heaps[0] != total || s.Types[0] != total {
		t.Errorf("heap and type stats diverge from the total")
	}

	a.Free(blockAl)
	a.Free(poolAl)
	a.Free(dedAl)
	a.DestroyPool(p)
}

func TestCalculateStats_HeapGrouping(t *testing.T) {
	hostFlags := devmem.MemoryHostVisible | devmem.MemoryHostCoherent
	dev := simdev.MustNew(simdev.Config{
		Heaps: []simdev.HeapConfig{{Size: 1 << 20}, {Size: 1 << 20}},
		Types: []simdev.TypeConfig{
			{Heap: 0, Flags: hostFlags},
			{Heap: 1, Flags: hostFlags},
			{Heap: 1, Flags: hostFlags},
		},
	})
	a, err := New(dev, Options{})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer a.Close()

	for i, size := range []int64{1000, 2000, 3000} {
		reqs := devmem.MemoryRequirements{Size: size, Alignment: 1, TypeBits: 1 << uint(i)}
		if _, err := a.Allocate(reqs, AllocationCreateInfo{}); err != nil {
			t.Fatalf("Allocate from type %d failed: %v", i, err)
		}
	}

	s := a.CalculateStats()
	if got := s.Heaps[0]; got.AllocationCount != 1 || got.UsedBytes != 1000 {
		t.Errorf("heap 0 = %d allocations of %d bytes, want 1 of 1000", got.AllocationCount, got.UsedBytes)
	}
	got := s.Heaps[1]
	if got.BlockCount != 2 || got.AllocationCount != 2 || got.UsedBytes != 5000 {
		t.Errorf("heap 1 = %d blocks, %d allocations, %d bytes, want 2, 2, 5000",
			got.BlockCount, got.AllocationCount, got.UsedBytes)
	}
	if got.AllocationSizeMin != 2000 || got.AllocationSizeMax != 3000 {
		t.Errorf("heap 1 sizes = %d..%d, want 2000..3000", got.AllocationSizeMin, got.AllocationSizeMax)
	}
	if s.Total.AllocationCount != 3 || s.Total.UsedBytes != 6000 {
		t.Errorf("total = %d allocations of %d bytes, want 3 of 6000", s.Total.AllocationCount, s.Total.UsedBytes)
	}
}

func TestAllocator_Budgets(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	al := mustAllocate(t, a, 1000, AllocationCreateInfo{Usage: UsageCPUOnly})
	b := a.Budgets()
	if len(b) != 1 {
		t.Fatalf("budgets cover %d heaps, want 1", len(b))
	}
	if b[0].BlockBytes != 16384 || b[0].Usage != 16384 {
		t.Errorf("block bytes = %d, usage = %d, want 16384 for both", b[0].BlockBytes, b[0].Usage)
	}
	if b[0].AllocationBytes != 1000 {
		t.Errorf("allocation bytes = %d, want 1000", b[0].AllocationBytes)
	}
	if b[0].Budget != 838860 {
		t.Errorf("budget = %d, want four fifths of the heap", b[0].Budget)
	}

	// Freeing empties the block but keeps it around for reuse.
	a.Free(al)
	b = a.Budgets()
	if b[0].AllocationBytes != 0 || b[0].BlockBytes != 16384 {
		t.Errorf("after free: allocation bytes = %d, block bytes = %d, want 0 and 16384",
			b[0].AllocationBytes, b[0].BlockBytes)
	}
}

func TestBuildStatsString(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	vb := mustAllocate(t, a, 1000, AllocationCreateInfo{Usage: UsageCPUOnly, Name: "vertex-buffer"})
	p, err := a.CreatePool(PoolCreateInfo{MemoryTypeIndex: 0, BlockSize: 8192, Name: "geometry"})
	if err != nil {
		t.Fatalf("CreatePool failed: %v", err)
	}
	pa := mustAllocate(t, a, 2000, AllocationCreateInfo{Pool: p})

	detailed := a.BuildStatsString(true)
	var parsed map[string]any
	if err := json.Unmarshal([]byte(detailed), &parsed); err != nil {
		t.Fatalf("detailed dump is not valid JSON: %v", err)
	}
	for _, want := range []string{`"total"`, `"budgets"`, `"memoryTypes"`, `"pools"`, `"ranges"`, `"vertex-buffer"`, `"geometry"`} {
		if !strings.Contains(detailed, want) {
			t.Errorf("detailed dump is missing %s", want)
		}
	}

	summary := a.BuildStatsString(false)
	if strings.Contains(summary, `"ranges"`) {
		t.Errorf("summary dump includes suballocation ranges")
	}
	if strings.Contains(summary, "vertex-buffer") {
		t.Errorf("summary dump includes allocation names")
	}
	if !strings.Contains(summary, `"memoryTypes"`) {
		t.Errorf("summary dump is missing the per-type section")
	}

	a.Free(vb)
	a.Free(pa)
	a.DestroyPool(p)
}

func TestDumpStats(t *testing.T) {
	a, _ := newHostAllocator(t, 1<<20, Options{})
	defer a.Close()

	al := mustAllocate(t, a, 1000, AllocationCreateInfo{Usage: UsageCPUOnly, Name: "upload-ring"})
	ded := mustAllocate(t, a, 2000, AllocationCreateInfo{Usage: UsageCPUOnly, Flags: AllocationDedicatedMemory})

	dump := a.DumpStats(true)
	if len(dump.Types) != 1 {
		t.Fatalf("dump covers %d types, want 1", len(dump.Types))
	}
	dt := dump.Types[0]
	if dt.DedicatedCount != 1 || dt.DedicatedBytes != 2000 {
		t.Errorf("dedicated = %d of %d bytes, want 1 of 2000", dt.DedicatedCount, dt.DedicatedBytes)
	}
	if len(dt.Blocks) != 1 {
		t.Fatalf("dump shows %d blocks, want 1", len(dt.Blocks))
	}
	b := dt.Blocks[0]
	if b.Size != 16384 || b.Allocations != 1 {
		t.Errorf("block = %d bytes with %d allocations, want 16384 with 1", b.Size, b.Allocations)
	}
	// The allocation and the free tail behind it.
	if len(b.Ranges) != 2 {
		t.Fatalf("block map has %d ranges, want 2", len(b.Ranges))
	}
	if b.Ranges[0].Name != "upload-ring" || b.Ranges[0].Size != 1000 {
		t.Errorf("first range = %q of %d bytes, want upload-ring of 1000", b.Ranges[0].Name, b.Ranges[0].Size)
	}
	if b.Ranges[1].Type != "free" || b.Ranges[1].Offset != 1000 {
		t.Errorf("tail range = %s at %d, want free at 1000", b.Ranges[1].Type, b.Ranges[1].Offset)
	}

	if got := a.DumpStats(false).Types[0].Blocks[0].Ranges; got != nil {
		t.Errorf("summary dump carries %d ranges", len(got))
	}

	a.Free(al)
	a.Free(ded)
}
