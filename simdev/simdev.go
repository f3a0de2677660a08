// Package simdev implements devmem.Device in process. Host-visible
// memory is backed by real byte slices so mapped writes, canaries and
// defragmentation copies behave like they would against a driver;
// device-local-only memory is a length-only handle that refuses Map.
//
// The device tracks per-heap usage and live allocation counts, which
// makes it the workhorse for tests and for the memview tool.
package simdev

import (
	"fmt"
	"sync"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/internal/bytesize"
)

// HeapConfig describes one memory heap.
type HeapConfig struct {
	Size        int64
	DeviceLocal bool
}

// TypeConfig describes one memory type and the heap it draws from.
type TypeConfig struct {
	Heap  int
	Flags devmem.MemoryPropertyFlags
}

// Config assembles a simulated device.
type Config struct {
	Heaps  []HeapConfig
	Types  []TypeConfig
	Limits devmem.DeviceLimits

	// FailAfter makes every allocation past the first n fail with an
	// out-of-device-memory error. Zero disables injection.
	FailAfter int
}

// DiscreteGPU resembles a desktop card: a large device-local heap, a
// larger system heap, and a small host-visible window into device
// memory.
func DiscreteGPU() Config {
	return Config{
		Heaps: []HeapConfig{
			{Size: 8 * bytesize.GB, DeviceLocal: true},
			{Size: 16 * bytesize.GB},
			{Size: 256 * bytesize.MB, DeviceLocal: true},
		},
		Types: []TypeConfig{
			{Heap: 0, Flags: devmem.MemoryDeviceLocal},
			{Heap: 1, Flags: devmem.MemoryHostVisible | devmem.MemoryHostCoherent},
			{Heap: 1, Flags: devmem.MemoryHostVisible | devmem.MemoryHostCoherent | devmem.MemoryHostCached},
			{Heap: 2, Flags: devmem.MemoryDeviceLocal | devmem.MemoryHostVisible | devmem.MemoryHostCoherent},
		},
		Limits: devmem.DeviceLimits{
			BufferImageGranularity: 1024,
			NonCoherentAtomSize:    64,
			MaxAllocationCount:     4096,
		},
	}
}

// UnifiedMemory resembles an integrated part: one shared heap, every
// type device-local and host-visible, plus a lazily allocated type for
// transient attachments.
func UnifiedMemory() Config {
	return Config{
		Heaps: []HeapConfig{
			{Size: 4 * bytesize.GB, DeviceLocal: true},
		},
		Types: []TypeConfig{
			{Heap: 0, Flags: devmem.MemoryDeviceLocal | devmem.MemoryHostVisible | devmem.MemoryHostCoherent},
			{Heap: 0, Flags: devmem.MemoryDeviceLocal | devmem.MemoryHostVisible | devmem.MemoryHostCoherent | devmem.MemoryHostCached},
			{Heap: 0, Flags: devmem.MemoryDeviceLocal | devmem.MemoryLazilyAllocated},
		},
		Limits: devmem.DeviceLimits{
			BufferImageGranularity: 64,
			NonCoherentAtomSize:    64,
			MaxAllocationCount:     4096,
		},
	}
}

// Device is an in-process devmem.Device.
type Device struct {
	props  devmem.MemoryProperties
	limits devmem.DeviceLimits

	mu        sync.Mutex
	heapUsed  []int64
	attempted int
	live      int
	failAfter int
}

var _ devmem.Device = (*Device)(nil)

// New builds a device from cfg.
func New(cfg Config) (*Device, error) {
	if len(cfg.Heaps) == 0 {
		return nil, errors.InvalidArgument(errors.OpDevice, "at least one heap required")
	}
	if len(cfg.Types) == 0 {
		return nil, errors.InvalidArgument(errors.OpDevice, "at least one memory type required")
	}
	props := devmem.MemoryProperties{
		Heaps: make([]devmem.MemoryHeap, len(cfg.Heaps)),
		Types: make([]devmem.MemoryType, len(cfg.Types)),
	}
	for i, h := range cfg.Heaps {
		if h.Size <= 0 {
			return nil, errors.InvalidArgument(errors.OpDevice, "heap %d size must be positive, got %d", i, h.Size)
		}
		props.Heaps[i] = devmem.MemoryHeap{Size: h.Size, DeviceLocal: h.DeviceLocal}
	}
	for i, t := range cfg.Types {
		if t.Heap < 0 || t.Heap >= len(cfg.Heaps) {
			return nil, errors.InvalidArgument(errors.OpDevice, "type %d references heap %d of %d", i, t.Heap, len(cfg.Heaps))
		}
		props.Types[i] = devmem.MemoryType{HeapIndex: t.Heap, Flags: t.Flags}
	}

	limits := cfg.Limits
	if limits.BufferImageGranularity < 1 {
		limits.BufferImageGranularity = 1
	}
	if limits.NonCoherentAtomSize < 1 {
		limits.NonCoherentAtomSize = 1
	}
	if limits.MaxAllocationCount < 1 {
		limits.MaxAllocationCount = 4096
	}

	return &Device{
		props:     props,
		limits:    limits,
		heapUsed:  make([]int64, len(cfg.Heaps)),
		failAfter: cfg.FailAfter,
	}, nil
}

// MustNew builds a device from cfg and panics on a bad config. For
// tests and examples.
func MustNew(cfg Config) *Device {
	d, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return d
}

func (d *Device) Properties() devmem.MemoryProperties { return d.props }

func (d *Device) Limits() devmem.DeviceLimits { return d.limits }

// SetFailAfter rearms failure injection: every allocation past the
// first n attempts fails. Counting includes attempts already made.
func (d *Device) SetFailAfter(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failAfter = n
}

// Leaked returns the number of device allocations not yet freed.
func (d *Device) Leaked() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.live
}

// HeapUsed returns the bytes currently allocated from heap i.
func (d *Device) HeapUsed(i int) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.heapUsed) {
		return 0
	}
	return d.heapUsed[i]
}

func (d *Device) Allocate(typeIndex int, size int64) (devmem.DeviceMemory, error) {
	if typeIndex < 0 || typeIndex >= len(d.props.Types) {
		return nil, errors.InvalidArgument(errors.OpDevice, "memory type %d out of range", typeIndex)
	}
	if size <= 0 {
		return nil, errors.InvalidArgument(errors.OpDevice, "allocation size must be positive, got %d", size)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.attempted++
	if d.failAfter > 0 && d.attempted > d.failAfter {
		return nil, errors.OutOfDeviceMemory(errors.OpDevice, "injected failure")
	}
	if d.live >= d.limits.MaxAllocationCount {
		return nil, errors.TooManyObjects(errors.OpDevice, d.limits.MaxAllocationCount)
	}
	heap := d.props.Types[typeIndex].HeapIndex
	if d.heapUsed[heap]+size > d.props.Heaps[heap].Size {
		return nil, errors.OutOfDeviceMemory(errors.OpDevice,
			fmt.Sprintf("heap %d exhausted: %d used of %d, %d requested",
				heap, d.heapUsed[heap], d.props.Heaps[heap].Size, size))
	}
	d.heapUsed[heap] += size
	d.live++

	m := &Memory{dev: d, heap: heap, size: size}
	if d.props.Types[typeIndex].Flags.Has(devmem.MemoryHostVisible) {
		m.data = make([]byte, size)
	}
	return m, nil
}

// Memory is one device allocation. It is freed exactly once; Free
// panics on reuse because a double free always indicates allocator
// state corruption.
type Memory struct {
	dev  *Device
	heap int
	size int64
	data []byte

	mu    sync.Mutex
	freed bool
}

var _ devmem.DeviceMemory = (*Memory)(nil)

func (m *Memory) Size() int64 { return m.size }

func (m *Memory) Map() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.freed {
		return nil, errors.MapFailed(errors.OpMap, "memory already freed", nil)
	}
	if m.data == nil {
		return nil, errors.MapFailed(errors.OpMap, "memory is not host visible", nil)
	}
	return m.data, nil
}

func (m *Memory) Unmap() {}

func (m *Memory) Free() {
	m.mu.Lock()
	if m.freed {
		m.mu.Unlock()
		panic("devmem: double free of device memory")
	}
	m.freed = true
	m.mu.Unlock()

	m.dev.mu.Lock()
	m.dev.heapUsed[m.heap] -= m.size
	m.dev.live--
	m.dev.mu.Unlock()
}
