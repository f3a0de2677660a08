package metadata

import (
	"math/rand"
	"testing"
)

func TestBuddy_RoundsToNodeSize(t *testing.T) {
	b := NewBuddy(1024, 1)
	req, ok := b.CreateRequest(100, 1, false, SuballocationBuffer, 0)
	if !ok {
		t.Fatalf("CreateRequest failed")
	}
	if req.Size() != 128 {
		t.Fatalf("request size = %d, want 128", req.Size())
	}
	h := b.Alloc(req, SuballocationBuffer, nil)
	sub, _ := b.AllocationAt(h)
	if sub.Offset != 0 || sub.Size != 128 {
		t.Errorf("suballocation = {%d, %d}, want {0, 128}", sub.Offset, sub.Size)
	}
	if b.SumFreeSize() != 1024-128 {
		t.Errorf("SumFreeSize = %d, want %d", b.SumFreeSize(), 1024-128)
	}
	checkBlock(t, b)
}

func TestBuddy_SplitsAndPlaces(t *testing.T) {
	b := NewBuddy(1024, 1)
	h1 := mustAlloc(t, b, 128, 1, SuballocationBuffer)
	h2 := mustAlloc(t, b, 128, 1, SuballocationBuffer)
	h3 := mustAlloc(t, b, 256, 1, SuballocationBuffer)
	h4 := mustAlloc(t, b, 64, 1, SuballocationBuffer)

	wants := []struct {
		h      Handle
		offset int64
		size   int64
	}{
		{h1, 0, 128},
		{h2, 128, 128},
		{h3, 256, 256},
		{h4, 512, 64},
	}
	for _, w := range wants {
		sub, ok := b.AllocationAt(w.h)
		if !ok {
			t.Fatalf("AllocationAt failed for offset %d", w.offset)
		}
		if sub.Offset != w.offset || sub.Size != w.size {
			t.Errorf("suballocation = {%d, %d}, want {%d, %d}", sub.Offset, sub.Size, w.offset, w.size)
		}
		if sub.Offset%sub.Size != 0 {
			t.Errorf("offset %d not aligned to node size %d", sub.Offset, sub.Size)
		}
	}
	if b.SumFreeSize() != 1024-128-128-256-64 {
		t.Errorf("SumFreeSize = %d, want %d", b.SumFreeSize(), 1024-128-128-256-64)
	}
	if b.LargestFreeRegion() != 256 {
		t.Errorf("LargestFreeRegion = %d, want 256", b.LargestFreeRegion())
	}
	checkBlock(t, b)
}

func TestBuddy_MergesOnFree(t *testing.T) {
	b := NewBuddy(1024, 1)
	h1 := mustAlloc(t, b, 128, 1, SuballocationBuffer)
	h2 := mustAlloc(t, b, 128, 1, SuballocationBuffer)
	h3 := mustAlloc(t, b, 256, 1, SuballocationBuffer)
	h4 := mustAlloc(t, b, 64, 1, SuballocationBuffer)

	b.Free(h1)
	checkBlock(t, b)
	b.Free(h2) // merges into a 256 node
	checkBlock(t, b)
	if b.LargestFreeRegion() != 256 {
		t.Errorf("LargestFreeRegion = %d, want 256", b.LargestFreeRegion())
	}
	b.Free(h3) // merges into a 512 node
	checkBlock(t, b)
	if b.LargestFreeRegion() != 512 {
		t.Errorf("LargestFreeRegion = %d, want 512", b.LargestFreeRegion())
	}
	b.Free(h4) // cascades all the way back to the root
	if !b.IsEmpty() || b.SumFreeSize() != 1024 || b.LargestFreeRegion() != 1024 {
		t.Errorf("after draining: free=%d largest=%d, want 1024/1024",
			b.SumFreeSize(), b.LargestFreeRegion())
	}
	checkBlock(t, b)
}

func TestBuddy_UnusableTail(t *testing.T) {
	b := NewBuddy(1000, 1)
	if b.SumFreeSize() != 512 {
		t.Fatalf("SumFreeSize = %d, want 512", b.SumFreeSize())
	}
	if _, ok := b.CreateRequest(513, 1, false, SuballocationBuffer, 0); ok {
		t.Errorf("allocation larger than the usable prefix succeeded")
	}

	st := NewStatistics()
	b.AddStatistics(&st)
	st.Postprocess()
	if st.UnusedBytes != 1000 {
		t.Errorf("UnusedBytes = %d, want 1000", st.UnusedBytes)
	}

	h := mustAlloc(t, b, 512, 1, SuballocationBuffer)
	if off := offsetOf(t, b, h); off != 0 {
		t.Errorf("offset = %d, want 0", off)
	}
	checkBlock(t, b)
}

func TestBuddy_AlignmentRaisesFootprint(t *testing.T) {
	b := NewBuddy(1024, 1)
	h1 := mustAlloc(t, b, 10, 256, SuballocationBuffer)
	h2 := mustAlloc(t, b, 10, 256, SuballocationBuffer)
	if off := offsetOf(t, b, h1); off != 0 {
		t.Errorf("first offset = %d, want 0", off)
	}
	if off := offsetOf(t, b, h2); off != 256 {
		t.Errorf("second offset = %d, want 256", off)
	}
	checkBlock(t, b)
}

func TestBuddy_GranularityIsolation(t *testing.T) {
	b := NewBuddy(4096, 1024)
	h1 := mustAlloc(t, b, 64, 1, SuballocationBuffer)
	h2 := mustAlloc(t, b, 64, 1, SuballocationImageOptimal)
	s1, _ := b.AllocationAt(h1)
	s2, _ := b.AllocationAt(h2)
	if s1.Size < 1024 || s2.Size < 1024 {
		t.Errorf("node sizes = %d, %d, want >= 1024", s1.Size, s2.Size)
	}
	if BlocksOnSamePage(s1.Offset, s1.Size, s2.Offset, 1024) {
		t.Errorf("allocations share a granularity page: %d and %d", s1.Offset, s2.Offset)
	}
	checkBlock(t, b)
}

func TestBuddy_UpperAddressUnsupported(t *testing.T) {
	b := NewBuddy(1024, 1)
	if b.SupportsUpperAddress() {
		t.Fatalf("SupportsUpperAddress = true")
	}
	if _, ok := b.CreateRequest(64, 1, true, SuballocationBuffer, 0); ok {
		t.Errorf("upper-address request succeeded")
	}
}

func TestBuddy_StaleRequestPanics(t *testing.T) {
	b := NewBuddy(1024, 1)
	r1, _ := b.CreateRequest(512, 1, false, SuballocationBuffer, 0)
	r2, _ := b.CreateRequest(512, 1, false, SuballocationBuffer, 0)
	b.Alloc(r1, SuballocationBuffer, nil)

	defer func() {
		if recover() == nil {
			t.Errorf("Alloc of a stale request did not panic")
		}
	}()
	b.Alloc(r2, SuballocationBuffer, nil)
}

func TestBuddy_FreeUnknownPanics(t *testing.T) {
	b := NewBuddy(1024, 1)
	mustAlloc(t, b, 128, 1, SuballocationBuffer)
	defer func() {
		if recover() == nil {
			t.Errorf("Free of an unknown handle did not panic")
		}
	}()
	b.Free(Handle(64 + 1)) // inside the allocation, not its start
}

func TestBuddy_UserData(t *testing.T) {
	b := NewBuddy(1024, 1)
	req, _ := b.CreateRequest(64, 1, false, SuballocationBuffer, 0)
	h := b.Alloc(req, SuballocationBuffer, "texture")
	sub, _ := b.AllocationAt(h)
	if sub.UserData != "texture" {
		t.Errorf("UserData = %v, want texture", sub.UserData)
	}
	b.SetUserData(h, 7)
	sub, _ = b.AllocationAt(h)
	if sub.UserData != 7 {
		t.Errorf("UserData = %v, want 7", sub.UserData)
	}
}

func TestBuddy_Clear(t *testing.T) {
	b := NewBuddy(1024, 1)
	for i := 0; i < 4; i++ {
		mustAlloc(t, b, 128, 1, SuballocationBuffer)
	}
	b.Clear()
	if !b.IsEmpty() || b.SumFreeSize() != 1024 {
		t.Errorf("after Clear: empty=%v free=%d", b.IsEmpty(), b.SumFreeSize())
	}
	checkBlock(t, b)
}

func TestBuddy_Churn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	b := NewBuddy(1<<16, 1)

	var live []Handle
	for i := 0; i < 2000; i++ {
		if rng.Intn(3) > 0 || len(live) == 0 {
			size := rng.Int63n(2000) + 1
			req, ok := b.CreateRequest(size, 1, false, SuballocationBuffer, 0)
			if !ok {
				continue
			}
			live = append(live, b.Alloc(req, SuballocationBuffer, nil))
		} else {
			idx := rng.Intn(len(live))
			b.Free(live[idx])
			live[idx] = live[len(live)-1]
			live = live[:len(live)-1]
		}
		if i%100 == 0 {
			checkBlock(t, b)
		}
	}
	if b.AllocationCount() != len(live) {
		t.Fatalf("AllocationCount = %d, want %d", b.AllocationCount(), len(live))
	}
	for _, h := range live {
		b.Free(h)
	}
	if !b.IsEmpty() || b.SumFreeSize() != 1<<16 {
		t.Errorf("after draining: empty=%v free=%d", b.IsEmpty(), b.SumFreeSize())
	}
	checkBlock(t, b)
}
