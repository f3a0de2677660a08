package metadata

import "github.com/ferron-io/devmem/errors"

const (
	// buddyMinNodeSize bounds how deep the split tree goes. Requests
	// smaller than this still consume a whole leaf.
	buddyMinNodeSize = 64
	buddyMaxLevels   = 30
)

type buddyNodeType uint8

const (
	buddyNodeFree buddyNodeType = iota
	buddyNodeAlloc
	buddyNodeSplit
)

type buddyNode struct {
	offset int64
	typ    buddyNodeType
	parent *buddyNode
	buddy  *buddyNode

	// Doubly linked free list, valid while typ == buddyNodeFree.
	prevFree, nextFree *buddyNode

	// Children, valid while typ == buddyNodeSplit.
	left, right *buddyNode

	// Payload, valid while typ == buddyNodeAlloc.
	userData  any
	allocType SuballocationType
}

// Buddy manages a block as a power-of-two split tree. Every allocation
// occupies a whole node, so offsets are naturally aligned to the node
// size and merges on free are O(log n). Sizes round up to a power of
// two; the tail of a non-power-of-two block stays unusable.
type Buddy struct {
	size        int64
	usable      int64
	granularity int64
	levels      int

	root     *buddyNode
	freeHead []*buddyNode

	sumFree    int64
	allocCount int
}

var _ Block = (*Buddy)(nil)

// NewBuddy creates buddy bookkeeping for a block of the given size.
// Only the largest power-of-two prefix of the block is usable.
func NewBuddy(size, granularity int64) *Buddy {
	if granularity < 1 {
		granularity = 1
	}
	usable := PrevPow2(size)
	levels := 1
	for levels < buddyMaxLevels && usable>>levels >= buddyMinNodeSize {
		levels++
	}
	b := &Buddy{
		size:        size,
		usable:      usable,
		granularity: granularity,
		levels:      levels,
		freeHead:    make([]*buddyNode, levels),
		sumFree:     usable,
	}
	b.root = &buddyNode{typ: buddyNodeFree}
	b.pushFree(0, b.root)
	return b
}

func (b *Buddy) Size() int64 { return b.size }

func (b *Buddy) AllocationCount() int { return b.allocCount }

func (b *Buddy) IsEmpty() bool { return b.allocCount == 0 }

func (b *Buddy) SumFreeSize() int64 { return b.sumFree }

func (b *Buddy) SupportsUpperAddress() bool { return false }

func (b *Buddy) levelSize(level int) int64 { return b.usable >> level }

func (b *Buddy) LargestFreeRegion() int64 {
	for level := 0; level < b.levels; level++ {
		if b.freeHead[level] != nil {
			return b.levelSize(level)
		}
	}
	return 0
}

func (b *Buddy) pushFree(level int, node *buddyNode) {
	node.prevFree = nil
	node.nextFree = b.freeHead[level]
	if node.nextFree != nil {
		node.nextFree.prevFree = node
	}
	b.freeHead[level] = node
}

func (b *Buddy) removeFree(level int, node *buddyNode) {
	if node.prevFree != nil {
		node.prevFree.nextFree = node.nextFree
	} else {
		b.freeHead[level] = node.nextFree
	}
	if node.nextFree != nil {
		node.nextFree.prevFree = node.prevFree
	}
	node.prevFree, node.nextFree = nil, nil
}

func (b *Buddy) CreateRequest(size, alignment int64, upperAddress bool, allocType SuballocationType, strategy Strategy) (Request, bool) {
	if upperAddress || size <= 0 {
		return Request{}, false
	}
	if alignment < 1 {
		alignment = 1
	}
	// Node offsets are multiples of the node size, so raising the
	// request to alignment (and to a page, when granularity matters)
	// satisfies both without neighbor checks.
	allocSize := size
	if alignment > allocSize {
		allocSize = alignment
	}
	if b.granularity > allocSize {
		allocSize = b.granularity
	}
	allocSize = NextPow2(allocSize)
	if allocSize > b.usable || allocSize > b.sumFree {
		return Request{}, false
	}

	target := 0
	for target+1 < b.levels && b.levelSize(target+1) >= allocSize {
		target++
	}
	level := target
	for level >= 0 && b.freeHead[level] == nil {
		level--
	}
	if level < 0 {
		return Request{}, false
	}
	node := b.freeHead[level]
	return Request{offset: node.offset, size: b.levelSize(target), node: node, level: level}, true
}

func (b *Buddy) Alloc(req Request, allocType SuballocationType, userData any) Handle {
	node := req.node
	if node == nil || node.typ != buddyNodeFree {
		panic("devmem: commit of stale metadata request")
	}
	target := 0
	for b.levelSize(target) > req.size {
		target++
	}

	b.removeFree(req.level, node)
	curr := node
	for level := req.level; level < target; level++ {
		curr.typ = buddyNodeSplit
		childSize := b.levelSize(level + 1)
		left := &buddyNode{offset: curr.offset, parent: curr, typ: buddyNodeFree}
		right := &buddyNode{offset: curr.offset + childSize, parent: curr, typ: buddyNodeFree}
		left.buddy, right.buddy = right, left
		curr.left, curr.right = left, right
		b.pushFree(level+1, right)
		curr = left
	}
	curr.typ = buddyNodeAlloc
	curr.userData = userData
	curr.allocType = allocType
	b.allocCount++
	b.sumFree -= req.size
	return handleForOffset(curr.offset)
}

// findAlloc descends from the root to the allocated node covering the
// offset.
func (b *Buddy) findAlloc(offset int64) (*buddyNode, int) {
	if offset < 0 || offset >= b.usable {
		return nil, 0
	}
	node, level := b.root, 0
	for node.typ == buddyNodeSplit {
		half := b.levelSize(level + 1)
		if offset < node.offset+half {
			node = node.left
		} else {
			node = node.right
		}
		level++
	}
	if node.typ != buddyNodeAlloc || node.offset != offset {
		return nil, 0
	}
	return node, level
}

func (b *Buddy) Free(h Handle) {
	node, level := b.findAlloc(h.offset())
	if node == nil {
		panic("devmem: free of unknown metadata handle")
	}
	b.sumFree += b.levelSize(level)
	b.allocCount--
	node.typ = buddyNodeFree
	node.userData = nil
	node.allocType = SuballocationFree

	for node.parent != nil && node.buddy.typ == buddyNodeFree {
		b.removeFree(level, node.buddy)
		parent := node.parent
		parent.typ = buddyNodeFree
		parent.left, parent.right = nil, nil
		node = parent
		level--
	}
	b.pushFree(level, node)
}

func (b *Buddy) Clear() {
	b.root = &buddyNode{typ: buddyNodeFree}
	for i := range b.freeHead {
		b.freeHead[i] = nil
	}
	b.pushFree(0, b.root)
	b.sumFree = b.usable
	b.allocCount = 0
}

func (b *Buddy) AllocationAt(h Handle) (Suballocation, bool) {
	node, level := b.findAlloc(h.offset())
	if node == nil {
		return Suballocation{}, false
	}
	return Suballocation{
		Offset:   node.offset,
		Size:     b.levelSize(level),
		Type:     node.allocType,
		UserData: node.userData,
	}, true
}

func (b *Buddy) SetUserData(h Handle, userData any) {
	if node, _ := b.findAlloc(h.offset()); node != nil {
		node.userData = userData
	}
}

func (b *Buddy) Each(fn func(Suballocation) bool) {
	if !b.eachNode(b.root, 0, fn) {
		return
	}
	if b.usable < b.size {
		fn(Suballocation{Offset: b.usable, Size: b.size - b.usable, Type: SuballocationFree})
	}
}

func (b *Buddy) eachNode(node *buddyNode, level int, fn func(Suballocation) bool) bool {
	switch node.typ {
	case buddyNodeFree:
		return fn(Suballocation{Offset: node.offset, Size: b.levelSize(level), Type: SuballocationFree})
	case buddyNodeAlloc:
		return fn(Suballocation{
			Offset:   node.offset,
			Size:     b.levelSize(level),
			Type:     node.allocType,
			UserData: node.userData,
		})
	default:
		return b.eachNode(node.left, level+1, fn) && b.eachNode(node.right, level+1, fn)
	}
}

func (b *Buddy) AddStatistics(st *Statistics) {
	st.BlockCount++
	b.Each(func(s Suballocation) bool {
		if s.Type == SuballocationFree {
			st.AddUnusedRange(s.Size)
		} else {
			st.AddAllocation(s.Size)
		}
		return true
	})
}

func (b *Buddy) Validate() error {
	freePerLevel := make([]int, b.levels)
	var sumFree int64
	allocs := 0

	var walk func(node *buddyNode, level int, offset int64) error
	walk = func(node *buddyNode, level int, offset int64) error {
		if node.offset != offset {
			return errors.Validation("node at level %d: offset %d, want %d", level, node.offset, offset)
		}
		switch node.typ {
		case buddyNodeFree:
			freePerLevel[level]++
			sumFree += b.levelSize(level)
		case buddyNodeAlloc:
			allocs++
		case buddyNodeSplit:
			if level+1 >= b.levels {
				return errors.Validation("split below the deepest level at offset %d", offset)
			}
			if node.left == nil || node.right == nil {
				return errors.Validation("split node at offset %d missing children", offset)
			}
			if node.left.parent != node || node.right.parent != node {
				return errors.Validation("child of node at offset %d has a wrong parent", offset)
			}
			if node.left.buddy != node.right || node.right.buddy != node.left {
				return errors.Validation("children of node at offset %d are not buddies", offset)
			}
			if err := walk(node.left, level+1, offset); err != nil {
				return err
			}
			return walk(node.right, level+1, offset+b.levelSize(level+1))
		default:
			return errors.Validation("node at offset %d has unknown type %d", offset, node.typ)
		}
		return nil
	}
	if err := walk(b.root, 0, 0); err != nil {
		return err
	}

	if allocs != b.allocCount {
		return errors.Validation("allocation count tracked %d, found %d", b.allocCount, allocs)
	}
	if sumFree != b.sumFree {
		return errors.Validation("free size tracked %d, computed %d", b.sumFree, sumFree)
	}
	for level := 0; level < b.levels; level++ {
		listed := 0
		for node := b.freeHead[level]; node != nil; node = node.nextFree {
			if node.typ != buddyNodeFree {
				return errors.Validation("non-free node on level %d free list", level)
			}
			if node.nextFree != nil && node.nextFree.prevFree != node {
				return errors.Validation("broken free list links on level %d", level)
			}
			listed++
		}
		if listed != freePerLevel[level] {
			return errors.Validation("level %d free list has %d nodes, tree has %d", level, listed, freePerLevel[level])
		}
	}
	return nil
}
