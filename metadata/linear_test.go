package metadata

import "testing"

func offsetOf(t *testing.T, b Block, h Handle) int64 {
	t.Helper()
	sub, ok := b.AllocationAt(h)
	if !ok {
		t.Fatalf("AllocationAt failed for handle %v", h)
	}
	return sub.Offset
}

func TestLinear_AppendsSequentially(t *testing.T) {
	b := NewLinear(1024, 1, 0)
	ha := mustAlloc(t, b, 100, 1, SuballocationBuffer)
	hb := mustAlloc(t, b, 200, 1, SuballocationBuffer)
	if off := offsetOf(t, b, ha); off != 0 {
		t.Errorf("first offset = %d, want 0", off)
	}
	if off := offsetOf(t, b, hb); off != 100 {
		t.Errorf("second offset = %d, want 100", off)
	}
	if b.SumFreeSize() != 724 {
		t.Errorf("SumFreeSize = %d, want 724", b.SumFreeSize())
	}
	checkBlock(t, b)
}

func TestLinear_RingWrap(t *testing.T) {
	b := NewLinear(1024, 1, 0)
	ha := mustAlloc(t, b, 256, 1, SuballocationBuffer)
	hb := mustAlloc(t, b, 256, 1, SuballocationBuffer)
	hc := mustAlloc(t, b, 256, 1, SuballocationBuffer)

	// 256 bytes left at the end, nothing freed yet: 300 cannot fit.
	if _, ok := b.CreateRequest(300, 1, false, SuballocationBuffer, 0); ok {
		t.Fatalf("300 bytes fit with only 256 free")
	}

	b.Free(ha)
	b.Free(hb)

	// The front is open; the allocation wraps around.
	hd := mustAlloc(t, b, 300, 1, SuballocationBuffer)
	if off := offsetOf(t, b, hd); off != 0 {
		t.Errorf("wrapped offset = %d, want 0", off)
	}
	checkBlock(t, b)

	// Another 300 would cross into the live allocation at 512.
	if _, ok := b.CreateRequest(300, 1, false, SuballocationBuffer, 0); ok {
		t.Fatalf("wrap-around overruns a live allocation")
	}
	he := mustAlloc(t, b, 200, 1, SuballocationBuffer)
	if off := offsetOf(t, b, he); off != 300 {
		t.Errorf("second wrapped offset = %d, want 300", off)
	}
	checkBlock(t, b)

	// Draining the original vector promotes the ring, and appending
	// continues behind it.
	b.Free(hc)
	hf := mustAlloc(t, b, 300, 1, SuballocationBuffer)
	if off := offsetOf(t, b, hf); off != 500 {
		t.Errorf("offset after promotion = %d, want 500", off)
	}
	if b.AllocationCount() != 3 {
		t.Errorf("AllocationCount = %d, want 3", b.AllocationCount())
	}
	checkBlock(t, b)
}

func TestLinear_UpperAddress(t *testing.T) {
	b := NewLinear(1024, 1, 0)
	if !b.SupportsUpperAddress() {
		t.Fatalf("SupportsUpperAddress = false")
	}

	r1, ok := b.CreateRequest(256, 1, true, SuballocationBuffer, 0)
	if !ok {
		t.Fatalf("upper request failed")
	}
	h1 := b.Alloc(r1, SuballocationBuffer, nil)
	if off := offsetOf(t, b, h1); off != 768 {
		t.Errorf("upper offset = %d, want 768", off)
	}

	r2, ok := b.CreateRequest(128, 1, true, SuballocationBuffer, 0)
	if !ok {
		t.Fatalf("second upper request failed")
	}
	h2 := b.Alloc(r2, SuballocationBuffer, nil)
	if off := offsetOf(t, b, h2); off != 640 {
		t.Errorf("second upper offset = %d, want 640", off)
	}

	// The lower side grows toward the stack but may not cross it.
	hl := mustAlloc(t, b, 512, 1, SuballocationBuffer)
	if off := offsetOf(t, b, hl); off != 0 {
		t.Errorf("lower offset = %d, want 0", off)
	}
	if _, ok := b.CreateRequest(200, 1, false, SuballocationBuffer, 0); ok {
		t.Fatalf("lower allocation crosses into the stack")
	}
	if h := mustAlloc(t, b, 128, 1, SuballocationBuffer); offsetOf(t, b, h) != 512 {
		t.Errorf("lower fill offset = %d, want 512", offsetOf(t, b, h))
	}
	checkBlock(t, b)

	// Popping the stack reopens space at the top.
	b.Free(h2)
	r3, ok := b.CreateRequest(64, 1, true, SuballocationBuffer, 0)
	if !ok {
		t.Fatalf("upper request after pop failed")
	}
	h3 := b.Alloc(r3, SuballocationBuffer, nil)
	if off := offsetOf(t, b, h3); off != 704 {
		t.Errorf("upper offset after pop = %d, want 704", off)
	}
	checkBlock(t, b)
}

func TestLinear_RingAndStackExclusive(t *testing.T) {
	// A ring in progress rejects upper-address requests.
	b := NewLinear(512, 1, 0)
	ha := mustAlloc(t, b, 128, 1, SuballocationBuffer)
	mustAlloc(t, b, 128, 1, SuballocationBuffer)
	mustAlloc(t, b, 128, 1, SuballocationBuffer)
	b.Free(ha)
	hd := mustAlloc(t, b, 100, 1, SuballocationBuffer)
	if off := offsetOf(t, b, hd); off != 0 {
		t.Fatalf("ring offset = %d, want 0", off)
	}
	if _, ok := b.CreateRequest(64, 1, true, SuballocationBuffer, 0); ok {
		t.Errorf("upper request succeeds on a ring block")
	}

	// A double stack in progress rejects wrap-around.
	b2 := NewLinear(512, 1, 0)
	r, ok := b2.CreateRequest(128, 1, true, SuballocationBuffer, 0)
	if !ok {
		t.Fatalf("upper request failed")
	}
	b2.Alloc(r, SuballocationBuffer, nil)
	ha2 := mustAlloc(t, b2, 128, 1, SuballocationBuffer)
	mustAlloc(t, b2, 128, 1, SuballocationBuffer)
	mustAlloc(t, b2, 120, 1, SuballocationBuffer)
	b2.Free(ha2)
	if _, ok := b2.CreateRequest(100, 1, false, SuballocationBuffer, 0); ok {
		t.Errorf("wrap-around succeeds on a double-stack block")
	}
	checkBlock(t, b2)
}

func TestLinear_MiddleFreesCompact(t *testing.T) {
	b := NewLinear(4096, 1, 0)
	var handles []Handle
	for i := 0; i < 8; i++ {
		handles = append(handles, mustAlloc(t, b, 128, 1, SuballocationBuffer))
	}
	b.Free(handles[1])
	b.Free(handles[3])
	b.Free(handles[5])
	checkBlock(t, b)
	b.Free(handles[2])
	b.Free(handles[4]) // crosses the dead-item threshold, vector compacts
	checkBlock(t, b)

	if b.AllocationCount() != 3 {
		t.Errorf("AllocationCount = %d, want 3", b.AllocationCount())
	}
	if b.SumFreeSize() != 4096-3*128 {
		t.Errorf("SumFreeSize = %d, want %d", b.SumFreeSize(), 4096-3*128)
	}
	for _, i := range []int{0, 6, 7} {
		if off := offsetOf(t, b, handles[i]); off != int64(i)*128 {
			t.Errorf("surviving allocation %d moved to %d", i, off)
		}
	}
}

func TestLinear_Margin(t *testing.T) {
	b := NewLinear(1024, 1, 16)
	mustAlloc(t, b, 100, 1, SuballocationBuffer)
	h := mustAlloc(t, b, 50, 1, SuballocationBuffer)
	if off := offsetOf(t, b, h); off != 116 {
		t.Errorf("offset = %d, want 116", off)
	}
	checkBlock(t, b)

	b2 := NewLinear(1024, 1, 16)
	r, ok := b2.CreateRequest(100, 1, true, SuballocationBuffer, 0)
	if !ok {
		t.Fatalf("upper request failed")
	}
	h2 := b2.Alloc(r, SuballocationBuffer, nil)
	if off := offsetOf(t, b2, h2); off != 908 {
		t.Errorf("upper offset = %d, want 908", off)
	}
	checkBlock(t, b2)
}

func TestLinear_Granularity(t *testing.T) {
	b := NewLinear(4096, 1024, 0)
	h1 := mustAlloc(t, b, 64, 1, SuballocationBuffer)
	h2 := mustAlloc(t, b, 64, 1, SuballocationImageOptimal)
	h3 := mustAlloc(t, b, 64, 1, SuballocationBuffer)
	if off := offsetOf(t, b, h1); off != 0 {
		t.Errorf("buffer offset = %d, want 0", off)
	}
	if off := offsetOf(t, b, h2); off != 1024 {
		t.Errorf("image offset = %d, want 1024", off)
	}
	if off := offsetOf(t, b, h3); off != 2048 {
		t.Errorf("second buffer offset = %d, want 2048", off)
	}
	checkBlock(t, b)
}

func TestLinear_Statistics(t *testing.T) {
	b := NewLinear(1024, 1, 0)
	mustAlloc(t, b, 100, 1, SuballocationBuffer)
	mustAlloc(t, b, 200, 1, SuballocationBuffer)

	st := NewStatistics()
	b.AddStatistics(&st)
	st.Postprocess()
	if st.AllocationCount != 2 || st.UsedBytes != 300 {
		t.Errorf("allocations = %d/%d bytes, want 2/300", st.AllocationCount, st.UsedBytes)
	}
	if st.UnusedRangeCount != 1 || st.UnusedBytes != 724 {
		t.Errorf("unused = %d/%d bytes, want 1/724", st.UnusedRangeCount, st.UnusedBytes)
	}
}

func TestLinear_DrainResets(t *testing.T) {
	b := NewLinear(1024, 1, 0)
	ha := mustAlloc(t, b, 400, 1, SuballocationBuffer)
	hb := mustAlloc(t, b, 400, 1, SuballocationBuffer)
	b.Free(ha)
	b.Free(hb)
	if !b.IsEmpty() || b.SumFreeSize() != 1024 {
		t.Fatalf("after drain: empty=%v free=%d", b.IsEmpty(), b.SumFreeSize())
	}

	// A drained block accepts either placement mode again.
	r, ok := b.CreateRequest(64, 1, true, SuballocationBuffer, 0)
	if !ok {
		t.Fatalf("upper request after drain failed")
	}
	b.Alloc(r, SuballocationBuffer, nil)
	mustAlloc(t, b, 64, 1, SuballocationBuffer)
	checkBlock(t, b)

	b.Clear()
	if !b.IsEmpty() || b.SumFreeSize() != 1024 {
		t.Errorf("after Clear: empty=%v free=%d", b.IsEmpty(), b.SumFreeSize())
	}
}

func TestLinear_ZeroRequestPanics(t *testing.T) {
	b := NewLinear(1024, 1, 0)
	defer func() {
		if recover() == nil {
			t.Errorf("Alloc of a zero request did not panic")
		}
	}()
	b.Alloc(Request{}, SuballocationBuffer, nil)
}

func TestLinear_FreeUnknownPanics(t *testing.T) {
	b := NewLinear(1024, 1, 0)
	mustAlloc(t, b, 64, 1, SuballocationBuffer)
	defer func() {
		if recover() == nil {
			t.Errorf("Free of an unknown handle did not panic")
		}
	}()
	b.Free(Handle(999))
}
