package metadata

import (
	"sort"

	"github.com/ferron-io/devmem/errors"
)

type linearDest uint8

const (
	linearDestNone linearDest = iota
	linearDestFirst
	linearDestRing
	linearDestUpper
)

type secondVectorMode uint8

const (
	secondVectorNone secondVectorMode = iota
	secondVectorRing
	secondVectorDoubleStack
)

// Linear is the append-only block algorithm. Allocations are pushed to
// the end of the first vector. Frees mark items dead; space is
// reclaimed at the edges only. When the end of the block is reached and
// the front has been freed, new allocations wrap around into a second
// vector, turning the block into a ring buffer. Upper-address
// allocations grow a second vector down from the end of the block
// instead (double stack). Ring and double stack are mutually exclusive.
type Linear struct {
	size        int64
	granularity int64
	margin      int64

	// first holds ascending offsets. second holds ascending offsets in
	// ring mode and descending offsets in double-stack mode. Freed
	// items stay in place marked SuballocationFree until cleanup.
	first  []Suballocation
	second []Suballocation
	mode   secondVectorMode

	firstNullBegin  int
	firstNullMiddle int
	secondNull      int

	sumFree    int64
	allocCount int
}

var _ Block = (*Linear)(nil)

// NewLinear creates linear bookkeeping for a block of the given size.
func NewLinear(size, granularity, margin int64) *Linear {
	if granularity < 1 {
		granularity = 1
	}
	return &Linear{
		size:        size,
		granularity: granularity,
		margin:      margin,
		sumFree:     size,
	}
}

func (l *Linear) Size() int64 { return l.size }

func (l *Linear) AllocationCount() int { return l.allocCount }

func (l *Linear) IsEmpty() bool { return l.allocCount == 0 }

func (l *Linear) SumFreeSize() int64 { return l.sumFree }

func (l *Linear) SupportsUpperAddress() bool { return true }

func (l *Linear) LargestFreeRegion() int64 {
	var largest, cursor int64
	l.eachAlive(func(s Suballocation) bool {
		if gap := s.Offset - cursor; gap > largest {
			largest = gap
		}
		cursor = s.Offset + s.Size
		return true
	})
	if gap := l.size - cursor; gap > largest {
		largest = gap
	}
	return largest
}

// firstEnd is the end of the last item in the first vector, dead or
// alive. Trailing dead items are popped by cleanup, so this is the end
// of the last live allocation whenever the vector is not empty.
func (l *Linear) firstEnd() int64 {
	if len(l.first) == 0 {
		return 0
	}
	last := l.first[len(l.first)-1]
	return last.Offset + last.Size
}

func (l *Linear) CreateRequest(size, alignment int64, upperAddress bool, allocType SuballocationType, strategy Strategy) (Request, bool) {
	if size <= 0 || size > l.sumFree {
		return Request{}, false
	}
	if alignment < 1 {
		alignment = 1
	}
	if upperAddress {
		return l.requestUpper(size, alignment, allocType)
	}
	return l.requestLower(size, alignment, allocType)
}

func (l *Linear) requestUpper(size, alignment int64, allocType SuballocationType) (Request, bool) {
	if l.mode == secondVectorRing {
		return Request{}, false
	}
	top := l.size
	if len(l.second) > 0 {
		top = l.second[len(l.second)-1].Offset
	}
	raw := top - size - l.margin
	if raw < 0 {
		return Request{}, false
	}
	offset := AlignDown(raw, alignment)

	if l.granularity > 1 {
		for i := len(l.second) - 1; i >= 0; i-- {
			s := l.second[i]
			if !BlocksOnSamePage(offset, size, s.Offset, l.granularity) {
				break
			}
			if IsGranularityConflict(allocType, s.Type) {
				// Move the whole allocation below the neighbor's page.
				page := AlignDown(s.Offset, l.granularity)
				if page < size {
					return Request{}, false
				}
				offset = AlignDown(page-size, alignment)
				break
			}
		}
	}

	minOffset := l.firstEnd()
	if l.margin > 0 && minOffset > 0 {
		minOffset += l.margin
	}
	if offset < minOffset {
		return Request{}, false
	}

	if l.granularity > 1 {
		for i := len(l.first) - 1; i >= 0; i-- {
			s := l.first[i]
			if !BlocksOnSamePage(s.Offset, s.Size, offset, l.granularity) {
				break
			}
			if IsGranularityConflict(s.Type, allocType) {
				return Request{}, false
			}
		}
	}

	return Request{offset: offset, size: size, dest: linearDestUpper}, true
}

func (l *Linear) requestLower(size, alignment int64, allocType SuballocationType) (Request, bool) {
	// End of the first vector.
	base := l.firstEnd()
	offset := base
	if l.margin > 0 && base > 0 {
		offset += l.margin
	}
	offset = AlignUp(offset, alignment)

	if l.granularity > 1 {
		for i := len(l.first) - 1; i >= 0; i-- {
			s := l.first[i]
			if !BlocksOnSamePage(s.Offset, s.Size, offset, l.granularity) {
				break
			}
			if IsGranularityConflict(s.Type, allocType) {
				offset = AlignUp(offset, l.granularity)
				break
			}
		}
	}

	limit := l.size
	if l.mode == secondVectorDoubleStack && len(l.second) > 0 {
		limit = l.second[len(l.second)-1].Offset
	}
	if offset+size+l.margin <= limit {
		if l.granularity > 1 && l.mode == secondVectorDoubleStack {
			conflict := false
			for i := len(l.second) - 1; i >= 0; i-- {
				s := l.second[i]
				if !BlocksOnSamePage(offset, size, s.Offset, l.granularity) {
					break
				}
				if IsGranularityConflict(allocType, s.Type) {
					conflict = true
					break
				}
			}
			if !conflict {
				return Request{offset: offset, size: size, dest: linearDestFirst}, true
			}
		} else {
			return Request{offset: offset, size: size, dest: linearDestFirst}, true
		}
	}

	// Wrap around into the freed space at the front.
	if l.mode != secondVectorDoubleStack && len(l.first) > 0 {
		base = 0
		if len(l.second) > 0 {
			last := l.second[len(l.second)-1]
			base = last.Offset + last.Size
		}
		offset = base
		if l.margin > 0 && base > 0 {
			offset += l.margin
		}
		offset = AlignUp(offset, alignment)

		if l.granularity > 1 && len(l.second) > 0 {
			for i := len(l.second) - 1; i >= 0; i-- {
				s := l.second[i]
				if !BlocksOnSamePage(s.Offset, s.Size, offset, l.granularity) {
					break
				}
				if IsGranularityConflict(s.Type, allocType) {
					offset = AlignUp(offset, l.granularity)
					break
				}
			}
		}

		limit = l.first[l.firstNullBegin].Offset
		if offset+size+l.margin <= limit {
			if l.granularity > 1 {
				for i := l.firstNullBegin; i < len(l.first); i++ {
					s := l.first[i]
					if !BlocksOnSamePage(offset, size, s.Offset, l.granularity) {
						break
					}
					if IsGranularityConflict(allocType, s.Type) {
						return Request{}, false
					}
				}
			}
			return Request{offset: offset, size: size, dest: linearDestRing}, true
		}
	}

	return Request{}, false
}

func (l *Linear) Alloc(req Request, allocType SuballocationType, userData any) Handle {
	sub := Suballocation{Offset: req.offset, Size: req.size, Type: allocType, UserData: userData}
	switch req.dest {
	case linearDestFirst:
		l.first = append(l.first, sub)
	case linearDestRing:
		l.second = append(l.second, sub)
		l.mode = secondVectorRing
	case linearDestUpper:
		l.second = append(l.second, sub)
		l.mode = secondVectorDoubleStack
	default:
		panic("devmem: commit of stale metadata request")
	}
	l.allocCount++
	l.sumFree -= req.size
	return handleForOffset(req.offset)
}

func (l *Linear) Free(h Handle) {
	offset := h.offset()
	if idx, ok := l.findFirst(offset); ok && l.first[idx].Type != SuballocationFree {
		l.freeFirst(idx)
		return
	}
	if idx, ok := l.findSecond(offset); ok && l.second[idx].Type != SuballocationFree {
		l.freeSecond(idx)
		return
	}
	panic("devmem: free of unknown metadata handle")
}

func (l *Linear) freeFirst(idx int) {
	s := &l.first[idx]
	l.sumFree += s.Size
	l.allocCount--
	s.Type = SuballocationFree
	s.UserData = nil

	if idx == l.firstNullBegin {
		l.firstNullBegin++
		for l.firstNullBegin < len(l.first) && l.first[l.firstNullBegin].Type == SuballocationFree {
			l.firstNullBegin++
			l.firstNullMiddle--
		}
	} else {
		l.firstNullMiddle++
	}
	l.cleanup()
}

func (l *Linear) freeSecond(idx int) {
	s := &l.second[idx]
	l.sumFree += s.Size
	l.allocCount--
	s.Type = SuballocationFree
	s.UserData = nil
	l.secondNull++
	l.cleanup()
}

// cleanup pops dead items off the vector ends, compacts vectors whose
// dead items dominate, and promotes a ring second vector to first place
// once the original first vector has fully drained.
func (l *Linear) cleanup() {
	if l.allocCount == 0 {
		l.first = l.first[:0]
		l.second = l.second[:0]
		l.firstNullBegin, l.firstNullMiddle, l.secondNull = 0, 0, 0
		l.mode = secondVectorNone
		l.sumFree = l.size
		return
	}

	for n := len(l.first); n > 0 && l.first[n-1].Type == SuballocationFree; n = len(l.first) {
		if n > l.firstNullBegin {
			l.firstNullMiddle--
		} else {
			l.firstNullBegin--
		}
		l.first = l.first[:n-1]
	}
	for n := len(l.second); n > 0 && l.second[n-1].Type == SuballocationFree; n = len(l.second) {
		l.secondNull--
		l.second = l.second[:n-1]
	}
	if len(l.second) == 0 {
		l.mode = secondVectorNone
	}

	if l.firstNullMiddle > 0 && l.firstNullBegin+l.firstNullMiddle > len(l.first)/2 {
		alive := l.first[:0]
		for _, s := range l.first {
			if s.Type != SuballocationFree {
				alive = append(alive, s)
			}
		}
		l.first = alive
		l.firstNullBegin, l.firstNullMiddle = 0, 0
	}
	if l.secondNull > 0 && l.secondNull > len(l.second)/2 {
		alive := l.second[:0]
		for _, s := range l.second {
			if s.Type != SuballocationFree {
				alive = append(alive, s)
			}
		}
		l.second = alive
		l.secondNull = 0
	}

	if len(l.first) == 0 {
		l.firstNullBegin, l.firstNullMiddle = 0, 0
		if l.mode == secondVectorRing {
			l.first, l.second = l.second, l.first
			lead := 0
			for lead < len(l.first) && l.first[lead].Type == SuballocationFree {
				lead++
			}
			l.firstNullBegin = lead
			l.firstNullMiddle = l.secondNull - lead
			l.secondNull = 0
			l.mode = secondVectorNone
		}
	}
}

func (l *Linear) Clear() {
	l.first = l.first[:0]
	l.second = l.second[:0]
	l.firstNullBegin, l.firstNullMiddle, l.secondNull = 0, 0, 0
	l.mode = secondVectorNone
	l.sumFree = l.size
	l.allocCount = 0
}

func (l *Linear) findFirst(offset int64) (int, bool) {
	idx := sort.Search(len(l.first), func(i int) bool {
		return l.first[i].Offset >= offset
	})
	if idx < len(l.first) && l.first[idx].Offset == offset {
		return idx, true
	}
	return 0, false
}

func (l *Linear) findSecond(offset int64) (int, bool) {
	var idx int
	if l.mode == secondVectorDoubleStack {
		idx = sort.Search(len(l.second), func(i int) bool {
			return l.second[i].Offset <= offset
		})
	} else {
		idx = sort.Search(len(l.second), func(i int) bool {
			return l.second[i].Offset >= offset
		})
	}
	if idx < len(l.second) && l.second[idx].Offset == offset {
		return idx, true
	}
	return 0, false
}

func (l *Linear) AllocationAt(h Handle) (Suballocation, bool) {
	offset := h.offset()
	if idx, ok := l.findFirst(offset); ok && l.first[idx].Type != SuballocationFree {
		return l.first[idx], true
	}
	if idx, ok := l.findSecond(offset); ok && l.second[idx].Type != SuballocationFree {
		return l.second[idx], true
	}
	return Suballocation{}, false
}

func (l *Linear) SetUserData(h Handle, userData any) {
	offset := h.offset()
	if idx, ok := l.findFirst(offset); ok && l.first[idx].Type != SuballocationFree {
		l.first[idx].UserData = userData
		return
	}
	if idx, ok := l.findSecond(offset); ok && l.second[idx].Type != SuballocationFree {
		l.second[idx].UserData = userData
	}
}

// eachAlive visits live allocations in ascending offset order across
// both vectors. It reports whether the walk ran to completion.
func (l *Linear) eachAlive(fn func(Suballocation) bool) bool {
	firstPass := func() bool {
		for _, s := range l.first {
			if s.Type == SuballocationFree {
				continue
			}
			if !fn(s) {
				return false
			}
		}
		return true
	}
	switch l.mode {
	case secondVectorRing:
		for _, s := range l.second {
			if s.Type == SuballocationFree {
				continue
			}
			if !fn(s) {
				return false
			}
		}
		return firstPass()
	case secondVectorDoubleStack:
		if !firstPass() {
			return false
		}
		for i := len(l.second) - 1; i >= 0; i-- {
			s := l.second[i]
			if s.Type == SuballocationFree {
				continue
			}
			if !fn(s) {
				return false
			}
		}
		return true
	default:
		return firstPass()
	}
}

func (l *Linear) Each(fn func(Suballocation) bool) {
	var cursor int64
	completed := l.eachAlive(func(s Suballocation) bool {
		if s.Offset > cursor {
			if !fn(Suballocation{Offset: cursor, Size: s.Offset - cursor, Type: SuballocationFree}) {
				return false
			}
		}
		if !fn(s) {
			return false
		}
		cursor = s.Offset + s.Size
		return true
	})
	if !completed {
		return
	}
	if cursor < l.size {
		fn(Suballocation{Offset: cursor, Size: l.size - cursor, Type: SuballocationFree})
	}
}

func (l *Linear) AddStatistics(st *Statistics) {
	st.BlockCount++
	l.Each(func(s Suballocation) bool {
		if s.Type == SuballocationFree {
			st.AddUnusedRange(s.Size)
		} else {
			st.AddAllocation(s.Size)
		}
		return true
	})
}

func (l *Linear) Validate() error {
	if err := validateVectorOrder("first", l.first, true); err != nil {
		return err
	}
	ascendingSecond := l.mode != secondVectorDoubleStack
	if err := validateVectorOrder("second", l.second, ascendingSecond); err != nil {
		return err
	}

	if len(l.second) > 0 && l.mode == secondVectorNone {
		return errors.Validation("second vector in use without a mode")
	}
	if len(l.second) == 0 && l.mode != secondVectorNone {
		return errors.Validation("mode set with an empty second vector")
	}
	if l.mode == secondVectorRing {
		if l.firstNullBegin >= len(l.first) {
			return errors.Validation("ring mode without a live first vector")
		}
		last := l.second[len(l.second)-1]
		if last.Offset+last.Size > l.first[l.firstNullBegin].Offset {
			return errors.Validation("ring vector overlaps first vector")
		}
	}
	if l.mode == secondVectorDoubleStack && len(l.second) > 0 {
		bottom := l.second[len(l.second)-1]
		if bottom.Offset < l.firstEnd() {
			return errors.Validation("double stack overlaps first vector")
		}
	}

	nullBegin := 0
	for nullBegin < len(l.first) && l.first[nullBegin].Type == SuballocationFree {
		nullBegin++
	}
	if nullBegin != l.firstNullBegin {
		return errors.Validation("leading dead items tracked %d, found %d", l.firstNullBegin, nullBegin)
	}
	nullMiddle := 0
	for _, s := range l.first[nullBegin:] {
		if s.Type == SuballocationFree {
			nullMiddle++
		}
	}
	if nullMiddle != l.firstNullMiddle {
		return errors.Validation("middle dead items tracked %d, found %d", l.firstNullMiddle, nullMiddle)
	}
	nullSecond := 0
	for _, s := range l.second {
		if s.Type == SuballocationFree {
			nullSecond++
		}
	}
	if nullSecond != l.secondNull {
		return errors.Validation("second vector dead items tracked %d, found %d", l.secondNull, nullSecond)
	}

	var used int64
	alive := 0
	l.eachAlive(func(s Suballocation) bool {
		used += s.Size
		alive++
		return true
	})
	if alive != l.allocCount {
		return errors.Validation("allocation count tracked %d, found %d", l.allocCount, alive)
	}
	if l.size-used != l.sumFree {
		return errors.Validation("free size tracked %d, computed %d", l.sumFree, l.size-used)
	}
	if len(l.first) > 0 && l.first[len(l.first)-1].Type == SuballocationFree {
		return errors.Validation("trailing dead item in first vector")
	}
	if len(l.second) > 0 && l.second[len(l.second)-1].Type == SuballocationFree {
		return errors.Validation("trailing dead item in second vector")
	}
	return nil
}

func validateVectorOrder(name string, subs []Suballocation, ascending bool) error {
	for i, s := range subs {
		if s.Size <= 0 {
			return errors.Validation("%s vector: empty range at index %d", name, i)
		}
		if i == 0 {
			continue
		}
		prev := subs[i-1]
		if ascending {
			if prev.Offset+prev.Size > s.Offset {
				return errors.Validation("%s vector: overlap at index %d", name, i)
			}
		} else {
			if s.Offset+s.Size > prev.Offset {
				return errors.Validation("%s vector: overlap at index %d", name, i)
			}
		}
	}
	return nil
}
