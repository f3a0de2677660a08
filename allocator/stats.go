package allocator

import (
	"encoding/json"

	"github.com/ferron-io/devmem/metadata"
)

// Stats aggregates usage per memory type, per heap and in total. All
// entries are postprocessed and ready to read.
type Stats struct {
	Types []metadata.Statistics
	Heaps []metadata.Statistics
	Total metadata.Statistics
}

// Budget describes one heap's consumption against its advisory budget.
type Budget struct {
	// BlockBytes is the device memory currently allocated from the heap,
	// blocks and dedicated objects together.
	BlockBytes int64 `json:"blockBytes"`

	// AllocationBytes is the part of BlockBytes occupied by live
	// allocations. The difference is block space available without a new
	// device allocation.
	AllocationBytes int64 `json:"allocationBytes"`

	// Usage is the heap consumption the device observes.
	Usage int64 `json:"usage"`

	// Budget is the advisory ceiling for Usage.
	Budget int64 `json:"budget"`
}

// CalculateStats walks every block list, pool and dedicated allocation
// and aggregates detailed usage statistics.
func (a *Allocator) CalculateStats() Stats {
	s := Stats{
		Types: make([]metadata.Statistics, len(a.props.Types)),
		Heaps: make([]metadata.Statistics, len(a.props.Heaps)),
		Total: metadata.NewStatistics(),
	}
	for i := range s.Types {
		s.Types[i] = metadata.NewStatistics()
	}
	for i := range s.Heaps {
		s.Heaps[i] = metadata.NewStatistics()
	}

	for i, v := range a.vectors {
		v.addStats(&s.Types[i])
	}
	for _, p := range a.snapshotPools() {
		p.vector.addStats(&s.Types[p.vector.typeIndex])
	}
	for i := range a.dedicated {
		d := &a.dedicated[i]
		d.mu.Lock()
		for al := range d.items {
			s.Types[i].BlockCount++
			s.Types[i].AddAllocation(al.size)
		}
		d.mu.Unlock()
	}

	for i := range s.Types {
		heap := a.props.HeapForType(i)
		s.Heaps[heap].Merge(s.Types[i])
		s.Total.Merge(s.Types[i])
	}
	for i := range s.Types {
		s.Types[i].Postprocess()
	}
	for i := range s.Heaps {
		s.Heaps[i].Postprocess()
	}
	s.Total.Postprocess()
	return s
}

// Budgets returns the current consumption of every heap against its
// advisory budget.
func (a *Allocator) Budgets() []Budget {
	out := make([]Budget, len(a.props.Heaps))
	for i := range out {
		block := a.heapBlockBytes[i].Load()
		out[i] = Budget{
			BlockBytes:      block,
			AllocationBytes: a.heapAllocBytes[i].Load(),
			Usage:           block,
			Budget:          a.softBudget(i),
		}
	}
	return out
}

func (a *Allocator) snapshotPools() []*Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*Pool, 0, len(a.pools))
	for p := range a.pools {
		out = append(out, p)
	}
	return out
}

// RangeDump is one suballocation or free range of a dumped block.
type RangeDump struct {
	Offset int64  `json:"offset"`
	Size   int64  `json:"size"`
	Type   string `json:"type"`
	Name   string `json:"name,omitempty"`
}

// BlockDump describes one device memory block. Ranges is filled only in
// detailed dumps.
type BlockDump struct {
	ID          uint64      `json:"id"`
	Size        int64       `json:"size"`
	Allocations int         `json:"allocations"`
	Ranges      []RangeDump `json:"ranges,omitempty"`
}

// TypeDump describes one memory type's default block list and dedicated
// allocations.
type TypeDump struct {
	Index          int                 `json:"index"`
	Flags          string              `json:"flags"`
	Heap           int                 `json:"heap"`
	Stats          metadata.Statistics `json:"stats"`
	DedicatedCount int                 `json:"dedicatedAllocations"`
	DedicatedBytes int64               `json:"dedicatedBytes"`
	Blocks         []BlockDump         `json:"blocks,omitempty"`
}

// PoolDump describes one custom pool.
type PoolDump struct {
	Name       string      `json:"name,omitempty"`
	MemoryType int         `json:"memoryType"`
	Algorithm  string      `json:"algorithm"`
	Stats      PoolStats   `json:"stats"`
	Blocks     []BlockDump `json:"blocks,omitempty"`
}

// StatsDump is a point-in-time snapshot of the whole allocator, block by
// block, suitable for inspection tools and JSON serialization.
type StatsDump struct {
	Total   metadata.Statistics `json:"total"`
	Budgets []Budget            `json:"budgets"`
	Types   []TypeDump          `json:"memoryTypes"`
	Pools   []PoolDump          `json:"pools,omitempty"`
}

// DumpStats snapshots every block list, pool and dedicated allocation.
// The detailed form includes each block's suballocation map.
func (a *Allocator) DumpStats(detailed bool) StatsDump {
	stats := a.CalculateStats()
	dump := StatsDump{
		Total:   stats.Total,
		Budgets: a.Budgets(),
	}

	for i, v := range a.vectors {
		t := TypeDump{
			Index: i,
			Flags: a.props.Types[i].Flags.String(),
			Heap:  a.props.HeapForType(i),
			Stats: stats.Types[i],
		}
		v.mu.Lock()
		for _, b := range v.blocks {
			t.Blocks = append(t.Blocks, dumpBlock(b, detailed))
		}
		v.mu.Unlock()
		d := &a.dedicated[i]
		d.mu.Lock()
		t.DedicatedCount = len(d.items)
		for al := range d.items {
			t.DedicatedBytes += al.size
		}
		d.mu.Unlock()
		dump.Types = append(dump.Types, t)
	}

	for _, p := range a.snapshotPools() {
		v := p.vector
		pd := PoolDump{
			Name:       p.Name(),
			MemoryType: v.typeIndex,
			Algorithm:  v.algo.String(),
			Stats:      p.Stats(),
		}
		v.mu.Lock()
		for _, b := range v.blocks {
			pd.Blocks = append(pd.Blocks, dumpBlock(b, detailed))
		}
		v.mu.Unlock()
		dump.Pools = append(dump.Pools, pd)
	}
	return dump
}

// BuildStatsString renders DumpStats as indented JSON.
func (a *Allocator) BuildStatsString(detailed bool) string {
	buf, err := json.MarshalIndent(a.DumpStats(detailed), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(buf)
}

func dumpBlock(b *deviceBlock, detailed bool) BlockDump {
	out := BlockDump{
		ID:          b.id,
		Size:        b.meta.Size(),
		Allocations: b.meta.AllocationCount(),
	}
	if !detailed {
		return out
	}
	b.meta.Each(func(s metadata.Suballocation) bool {
		r := RangeDump{Offset: s.Offset, Size: s.Size, Type: s.Type.String()}
		if al, ok := s.UserData.(*Allocation); ok && al != nil {
			r.Name = al.name
		}
		out.Ranges = append(out.Ranges, r)
		return true
	})
	return out
}
