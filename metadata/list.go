package metadata

import (
	"math"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/ferron-io/devmem/errors"
)

type listNode struct {
	prev, next *listNode
	sub        Suballocation
}

// freeKey orders free ranges by size, then offset, so the smallest
// fitting range with the lowest offset is found first.
type freeKey struct {
	size   int64
	offset int64
}

func freeKeyCompare(a, b interface{}) int {
	ka := a.(freeKey)
	kb := b.(freeKey)
	switch {
	case ka.size < kb.size:
		return -1
	case ka.size > kb.size:
		return 1
	case ka.offset < kb.offset:
		return -1
	case ka.offset > kb.offset:
		return 1
	default:
		return 0
	}
}

// List is the general purpose block algorithm: a doubly linked list of
// ranges in offset order plus a size-ordered index of the free ones.
type List struct {
	size        int64
	granularity int64
	margin      int64

	head, tail *listNode
	byOffset   map[int64]*listNode
	freeIndex  *redblacktree.Tree
	sumFree    int64
	allocCount int
}

var _ Block = (*List)(nil)

// NewList creates list bookkeeping for a block of the given size.
// granularity below 2 disables page conflict checks; margin reserves
// that many free bytes after every allocation.
func NewList(size, granularity, margin int64) *List {
	if granularity < 1 {
		granularity = 1
	}
	l := &List{
		size:        size,
		granularity: granularity,
		margin:      margin,
		byOffset:    make(map[int64]*listNode),
		freeIndex:   redblacktree.NewWith(freeKeyCompare),
	}
	n := &listNode{sub: Suballocation{Size: size, Type: SuballocationFree}}
	l.head, l.tail = n, n
	l.sumFree = size
	l.registerFree(n)
	return l
}

func (l *List) Size() int64 { return l.size }

func (l *List) AllocationCount() int { return l.allocCount }

func (l *List) IsEmpty() bool { return l.allocCount == 0 }

func (l *List) SumFreeSize() int64 { return l.sumFree }

func (l *List) SupportsUpperAddress() bool { return false }

func (l *List) LargestFreeRegion() int64 {
	if l.freeIndex.Empty() {
		return 0
	}
	return l.freeIndex.Right().Key.(freeKey).size
}

func (l *List) CreateRequest(size, alignment int64, upperAddress bool, allocType SuballocationType, strategy Strategy) (Request, bool) {
	if upperAddress || size <= 0 || size > l.sumFree {
		return Request{}, false
	}
	if alignment < 1 {
		alignment = 1
	}
	switch {
	case strategy&StrategyMinTime != 0:
		return l.requestFirstFit(size, alignment, allocType)
	case strategy&StrategyMinFragmentation != 0:
		return l.requestWorstFit(size, alignment, allocType)
	default:
		return l.requestBestFit(size, alignment, allocType)
	}
}

func (l *List) requestBestFit(size, alignment int64, allocType SuballocationType) (Request, bool) {
	key := freeKey{size: size}
	for {
		node, ok := l.freeIndex.Ceiling(key)
		if !ok {
			return Request{}, false
		}
		item := node.Value.(*listNode)
		if offset, fits := l.checkFit(item, size, alignment, allocType); fits {
			return Request{offset: offset, size: size, item: item}, true
		}
		k := node.Key.(freeKey)
		key = freeKey{size: k.size, offset: k.offset + 1}
	}
}

func (l *List) requestWorstFit(size, alignment int64, allocType SuballocationType) (Request, bool) {
	key := freeKey{size: math.MaxInt64, offset: math.MaxInt64}
	for {
		node, ok := l.freeIndex.Floor(key)
		if !ok {
			return Request{}, false
		}
		item := node.Value.(*listNode)
		if item.sub.Size < size {
			// Descending by size: nothing below fits either.
			return Request{}, false
		}
		if offset, fits := l.checkFit(item, size, alignment, allocType); fits {
			return Request{offset: offset, size: size, item: item}, true
		}
		k := node.Key.(freeKey)
		if k.offset == 0 {
			key = freeKey{size: k.size - 1, offset: math.MaxInt64}
		} else {
			key = freeKey{size: k.size, offset: k.offset - 1}
		}
	}
}

func (l *List) requestFirstFit(size, alignment int64, allocType SuballocationType) (Request, bool) {
	for n := l.head; n != nil; n = n.next {
		if n.sub.Type != SuballocationFree {
			continue
		}
		if offset, fits := l.checkFit(n, size, alignment, allocType); fits {
			return Request{offset: offset, size: size, item: n}, true
		}
	}
	return Request{}, false
}

// checkFit decides whether an allocation can be placed inside the free
// range item and returns the offset it would start at. The begin margin
// protects the previous allocation's canary, the end margin reserves
// room for this one's.
func (l *List) checkFit(item *listNode, size, alignment int64, allocType SuballocationType) (int64, bool) {
	base := item.sub.Offset
	offset := base
	if l.margin > 0 && base > 0 {
		offset += l.margin
	}
	offset = AlignUp(offset, alignment)

	if l.granularity > 1 {
		for prev := item.prev; prev != nil; prev = prev.prev {
			if !BlocksOnSamePage(prev.sub.Offset, prev.sub.Size, offset, l.granularity) {
				break
			}
			if IsGranularityConflict(prev.sub.Type, allocType) {
				offset = AlignUp(offset, l.granularity)
				break
			}
		}
	}

	if offset-base+size+l.margin > item.sub.Size {
		return 0, false
	}

	if l.granularity > 1 {
		for next := item.next; next != nil; next = next.next {
			if !BlocksOnSamePage(offset, size, next.sub.Offset, l.granularity) {
				break
			}
			if IsGranularityConflict(allocType, next.sub.Type) {
				return 0, false
			}
		}
	}

	return offset, true
}

func (l *List) Alloc(req Request, allocType SuballocationType, userData any) Handle {
	item := req.item
	if item == nil || item.sub.Type != SuballocationFree {
		panic("devmem: commit of stale metadata request")
	}
	base := item.sub.Offset
	preSize := req.offset - base
	postSize := item.sub.Size - preSize - req.size

	l.unregisterFree(item)

	item.sub = Suballocation{Offset: req.offset, Size: req.size, Type: allocType, UserData: userData}
	l.byOffset[req.offset] = item
	l.allocCount++
	l.sumFree -= req.size

	if preSize > 0 {
		pre := &listNode{sub: Suballocation{Offset: base, Size: preSize, Type: SuballocationFree}}
		l.insertBefore(item, pre)
		l.registerFree(pre)
	}
	if postSize > 0 {
		post := &listNode{sub: Suballocation{Offset: req.offset + req.size, Size: postSize, Type: SuballocationFree}}
		l.insertAfter(item, post)
		l.registerFree(post)
	}
	return handleForOffset(req.offset)
}

func (l *List) Free(h Handle) {
	item, ok := l.byOffset[h.offset()]
	if !ok {
		panic("devmem: free of unknown metadata handle")
	}
	delete(l.byOffset, h.offset())
	l.allocCount--
	l.sumFree += item.sub.Size
	item.sub.Type = SuballocationFree
	item.sub.UserData = nil

	if next := item.next; next != nil && next.sub.Type == SuballocationFree {
		l.unregisterFree(next)
		item.sub.Size += next.sub.Size
		l.remove(next)
	}
	if prev := item.prev; prev != nil && prev.sub.Type == SuballocationFree {
		l.unregisterFree(prev)
		prev.sub.Size += item.sub.Size
		l.remove(item)
		item = prev
	}
	l.registerFree(item)
}

func (l *List) Clear() {
	n := &listNode{sub: Suballocation{Size: l.size, Type: SuballocationFree}}
	l.head, l.tail = n, n
	l.byOffset = make(map[int64]*listNode)
	l.freeIndex.Clear()
	l.sumFree = l.size
	l.allocCount = 0
	l.registerFree(n)
}

func (l *List) AllocationAt(h Handle) (Suballocation, bool) {
	item, ok := l.byOffset[h.offset()]
	if !ok {
		return Suballocation{}, false
	}
	return item.sub, true
}

func (l *List) SetUserData(h Handle, userData any) {
	if item, ok := l.byOffset[h.offset()]; ok {
		item.sub.UserData = userData
	}
}

func (l *List) Each(fn func(Suballocation) bool) {
	for n := l.head; n != nil; n = n.next {
		if !fn(n.sub) {
			return
		}
	}
}

func (l *List) AddStatistics(st *Statistics) {
	st.BlockCount++
	for n := l.head; n != nil; n = n.next {
		if n.sub.Type == SuballocationFree {
			st.AddUnusedRange(n.sub.Size)
		} else {
			st.AddAllocation(n.sub.Size)
		}
	}
}

func (l *List) Validate() error {
	var (
		offset   int64
		sumFree  int64
		allocs   int
		frees    int
		prevFree bool
	)
	for n := l.head; n != nil; n = n.next {
		if n.sub.Offset != offset {
			return errors.Validation("range at offset %d, expected %d", n.sub.Offset, offset)
		}
		if n.sub.Size <= 0 {
			return errors.Validation("empty range at offset %d", n.sub.Offset)
		}
		free := n.sub.Type == SuballocationFree
		if free && prevFree {
			return errors.Validation("unmerged free ranges at offset %d", n.sub.Offset)
		}
		if free {
			sumFree += n.sub.Size
			frees++
			if _, found := l.freeIndex.Get(freeKey{size: n.sub.Size, offset: n.sub.Offset}); !found {
				return errors.Validation("free range at offset %d missing from size index", n.sub.Offset)
			}
		} else {
			allocs++
			if got, found := l.byOffset[n.sub.Offset]; !found || got != n {
				return errors.Validation("allocation at offset %d missing from offset table", n.sub.Offset)
			}
		}
		prevFree = free
		offset += n.sub.Size
	}
	if offset != l.size {
		return errors.Validation("ranges cover %d of %d bytes", offset, l.size)
	}
	if sumFree != l.sumFree {
		return errors.Validation("free size tracked %d, found %d", l.sumFree, sumFree)
	}
	if allocs != l.allocCount {
		return errors.Validation("allocation count tracked %d, found %d", l.allocCount, allocs)
	}
	if frees != l.freeIndex.Size() {
		return errors.Validation("size index holds %d entries, found %d free ranges", l.freeIndex.Size(), frees)
	}
	if len(l.byOffset) != allocs {
		return errors.Validation("offset table holds %d entries, found %d allocations", len(l.byOffset), allocs)
	}
	return nil
}

func (l *List) insertBefore(at, n *listNode) {
	n.prev = at.prev
	n.next = at
	if at.prev != nil {
		at.prev.next = n
	} else {
		l.head = n
	}
	at.prev = n
}

func (l *List) insertAfter(at, n *listNode) {
	n.next = at.next
	n.prev = at
	if at.next != nil {
		at.next.prev = n
	} else {
		l.tail = n
	}
	at.next = n
}

func (l *List) remove(n *listNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

func (l *List) registerFree(n *listNode) {
	l.freeIndex.Put(freeKey{size: n.sub.Size, offset: n.sub.Offset}, n)
}

func (l *List) unregisterFree(n *listNode) {
	l.freeIndex.Remove(freeKey{size: n.sub.Size, offset: n.sub.Offset})
}
