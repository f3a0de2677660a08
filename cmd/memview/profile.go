package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/allocator"
	"github.com/ferron-io/devmem/internal/bytesize"
	"github.com/ferron-io/devmem/simdev"
)

// profile describes the simulated device, the allocator tuning, named
// pools and an optional scripted workload. All sizes are strings parsed
// by bytesize ("64kb", "256mb", or bare bytes).
type profile struct {
	Device    deviceProfile    `toml:"device"`
	Allocator allocatorProfile `toml:"allocator"`
	Pools     []poolProfile    `toml:"pool"`
	Workload  []workloadStep   `toml:"workload"`
}

type deviceProfile struct {
	// Preset selects a built-in device: "discrete" or "unified". When
	// set, the heap and type lists are ignored.
	Preset string        `toml:"preset"`
	Heaps  []heapProfile `toml:"heap"`
	Types  []typeProfile `toml:"type"`
	Limits limitsProfile `toml:"limits"`
}

type heapProfile struct {
	Size        bytesize.Int64 `toml:"size"`
	DeviceLocal bool           `toml:"device_local"`
}

type typeProfile struct {
	Heap  int      `toml:"heap"`
	Flags []string `toml:"flags"`
}

type limitsProfile struct {
	BufferImageGranularity bytesize.Int64 `toml:"buffer_image_granularity"`
	NonCoherentAtomSize    bytesize.Int64 `toml:"non_coherent_atom_size"`
	MaxAllocations         int            `toml:"max_allocations"`
}

type allocatorProfile struct {
	BlockSize        bytesize.Int64   `toml:"block_size"`
	HeapLimits       []bytesize.Int64 `toml:"heap_limits"`
	FrameInUse       uint32           `toml:"frame_in_use_count"`
	DebugMargin      bytesize.Int64   `toml:"debug_margin"`
	DetectCorruption bool             `toml:"detect_corruption"`
}

type poolProfile struct {
	Name              string         `toml:"name"`
	MemoryType        int            `toml:"memory_type"`
	BlockSize         bytesize.Int64 `toml:"block_size"`
	Algorithm         string         `toml:"algorithm"`
	MinBlocks         int            `toml:"min_blocks"`
	MaxBlocks         int            `toml:"max_blocks"`
	FrameInUse        uint32         `toml:"frame_in_use_count"`
	MinAlignment      bytesize.Int64 `toml:"min_alignment"`
	IgnoreGranularity bool           `toml:"ignore_granularity"`
}

type workloadStep struct {
	// Op is alloc, free, frame, defrag, lost or dump.
	Op string `toml:"op"`

	// Name labels an alloc and is the handle a later free refers to.
	Name  string         `toml:"name"`
	Size  bytesize.Int64 `toml:"size"`
	Align bytesize.Int64 `toml:"align"`
	Usage string         `toml:"usage"`
	Pool  string         `toml:"pool"`
	Flags []string       `toml:"flags"`

	// Count repeats an alloc step, advances the frame index for a frame
	// step, and caps the moves of a defrag step. Repeated allocations
	// get a numeric suffix on their name.
	Count int `toml:"count"`

	// Bytes caps how much a defrag step may copy.
	Bytes bytesize.Int64 `toml:"bytes"`
}

// loadProfile reads a TOML profile, or falls back to the built-in
// discrete GPU when path is empty.
func loadProfile(path string) (*profile, error) {
	p := &profile{}
	if path == "" {
		p.Device.Preset = "discrete"
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	if err := toml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

func (p *profile) deviceConfig() (simdev.Config, error) {
	if preset := strings.ToLower(p.Device.Preset); preset != "" {
		switch preset {
		case "discrete":
			return simdev.DiscreteGPU(), nil
		case "unified":
			return simdev.UnifiedMemory(), nil
		default:
			return simdev.Config{}, fmt.Errorf("unknown device preset %q", preset)
		}
	}
	if len(p.Device.Heaps) == 0 {
		return simdev.DiscreteGPU(), nil
	}

	cfg := simdev.Config{
		Limits: devmem.DeviceLimits{
			BufferImageGranularity: p.Device.Limits.BufferImageGranularity.Int64(),
			NonCoherentAtomSize:    p.Device.Limits.NonCoherentAtomSize.Int64(),
			MaxAllocationCount:     p.Device.Limits.MaxAllocations,
		},
	}
	for _, h := range p.Device.Heaps {
		cfg.Heaps = append(cfg.Heaps, simdev.HeapConfig{
			Size:        h.Size.Int64(),
			DeviceLocal: h.DeviceLocal,
		})
	}
	for i, tp := range p.Device.Types {
		flags, err := parsePropertyFlags(tp.Flags)
		if err != nil {
			return simdev.Config{}, fmt.Errorf("memory type %d: %w", i, err)
		}
		cfg.Types = append(cfg.Types, simdev.TypeConfig{Heap: tp.Heap, Flags: flags})
	}
	return cfg, nil
}

func (p *profile) allocatorOptions() allocator.Options {
	opts := allocator.Options{
		PreferredLargeHeapBlockSize: p.Allocator.BlockSize.Int64(),
		FrameInUseCount:             p.Allocator.FrameInUse,
		DebugMargin:                 p.Allocator.DebugMargin.Int64(),
		DetectCorruption:            p.Allocator.DetectCorruption,
	}
	for _, l := range p.Allocator.HeapLimits {
		opts.HeapSizeLimits = append(opts.HeapSizeLimits, l.Int64())
	}
	return opts
}

func (pp poolProfile) createInfo() (allocator.PoolCreateInfo, error) {
	flags, err := parsePoolAlgorithm(pp.Algorithm)
	if err != nil {
		return allocator.PoolCreateInfo{}, err
	}
	if pp.IgnoreGranularity {
		flags |= allocator.PoolIgnoreBufferImageGranularity
	}
	return allocator.PoolCreateInfo{
		MemoryTypeIndex:        pp.MemoryType,
		Flags:                  flags,
		BlockSize:              pp.BlockSize.Int64(),
		MinBlockCount:          pp.MinBlocks,
		MaxBlockCount:          pp.MaxBlocks,
		FrameInUseCount:        pp.FrameInUse,
		MinAllocationAlignment: pp.MinAlignment.Int64(),
		Name:                   pp.Name,
	}, nil
}

func parsePropertyFlags(names []string) (devmem.MemoryPropertyFlags, error) {
	var flags devmem.MemoryPropertyFlags
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "device_local":
			flags |= devmem.MemoryDeviceLocal
		case "host_visible":
			flags |= devmem.MemoryHostVisible
		case "host_coherent":
			flags |= devmem.MemoryHostCoherent
		case "host_cached":
			flags |= devmem.MemoryHostCached
		case "lazily_allocated":
			flags |= devmem.MemoryLazilyAllocated
		default:
			return 0, fmt.Errorf("unknown memory property %q", name)
		}
	}
	return flags, nil
}

func parseUsage(name string) (allocator.MemoryUsage, error) {
	switch strings.ToLower(name) {
	case "", "any":
		return allocator.UsageUnknown, nil
	case "gpu":
		return allocator.UsageGPUOnly, nil
	case "cpu":
		return allocator.UsageCPUOnly, nil
	case "cpu-to-gpu", "upload":
		return allocator.UsageCPUToGPU, nil
	case "gpu-to-cpu", "readback":
		return allocator.UsageGPUToCPU, nil
	case "cpu-copy":
		return allocator.UsageCPUCopy, nil
	case "lazily", "transient":
		return allocator.UsageGPULazilyAllocated, nil
	default:
		return 0, fmt.Errorf("unknown usage %q", name)
	}
}

func parseAllocationFlags(names []string) (allocator.AllocationCreateFlags, error) {
	var flags allocator.AllocationCreateFlags
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "dedicated":
			flags |= allocator.AllocationDedicatedMemory
		case "never-allocate":
			flags |= allocator.AllocationNeverAllocate
		case "mapped":
			flags |= allocator.AllocationMapped
		case "can-become-lost":
			flags |= allocator.AllocationCanBecomeLost
		case "can-make-other-lost":
			flags |= allocator.AllocationCanMakeOtherLost
		case "within-budget":
			flags |= allocator.AllocationWithinBudget
		case "upper-address":
			flags |= allocator.AllocationUpperAddress
		case "best-fit":
			flags |= allocator.AllocationStrategyBestFit
		case "worst-fit":
			flags |= allocator.AllocationStrategyWorstFit
		case "first-fit":
			flags |= allocator.AllocationStrategyFirstFit
		default:
			return 0, fmt.Errorf("unknown allocation flag %q", name)
		}
	}
	return flags, nil
}

func parsePoolAlgorithm(name string) (allocator.PoolCreateFlags, error) {
	switch strings.ToLower(name) {
	case "", "list":
		return 0, nil
	case "linear":
		return allocator.PoolLinearAlgorithm, nil
	case "buddy":
		return allocator.PoolBuddyAlgorithm, nil
	default:
		return 0, fmt.Errorf("unknown pool algorithm %q", name)
	}
}
