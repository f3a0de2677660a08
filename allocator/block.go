package allocator

import (
	"encoding/binary"
	"sync"

	"go.uber.org/zap"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/metadata"
)

const (
	canarySize         = 4
	canaryValue uint32 = 0x7F84E666
)

// deviceBlock ties one device memory object to the metadata tracking its
// suballocations. Mapping is reference counted so persistent mappings,
// user Map calls and internal accesses share a single device mapping.
type deviceBlock struct {
	id        uint64
	typeIndex int
	memory    devmem.DeviceMemory
	meta      metadata.Block

	mapMu   sync.Mutex
	mapRefs int
	mapped  []byte
}

func (b *deviceBlock) size() int64 { return b.meta.Size() }

func (b *deviceBlock) mappedData() []byte {
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	return b.mapped
}

// mapN acquires n references to the block's host mapping, mapping the
// device memory on the first one.
func (b *deviceBlock) mapN(n int) ([]byte, error) {
	if n <= 0 {
		return nil, errors.InvalidArgument(errors.OpMap, "map count %d must be positive", n)
	}
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if b.mapRefs == 0 {
		data, err := b.memory.Map()
		if err != nil {
			return nil, err
		}
		b.mapped = data
	}
	b.mapRefs += n
	return b.mapped, nil
}

// unmapN releases n references, unmapping when the count reaches zero.
func (b *deviceBlock) unmapN(n int) error {
	if n <= 0 {
		return errors.InvalidArgument(errors.OpMap, "unmap count %d must be positive", n)
	}
	b.mapMu.Lock()
	defer b.mapMu.Unlock()
	if b.mapRefs < n {
		return errors.InvalidArgument(errors.OpMap, "unmap without matching map on block %d", b.id)
	}
	b.mapRefs -= n
	if b.mapRefs == 0 {
		b.memory.Unmap()
		b.mapped = nil
	}
	return nil
}

// writeCanary stamps the magic value into the margin starting at end.
func (b *deviceBlock) writeCanary(end int64) error {
	data, err := b.mapN(1)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(data[end:end+canarySize], canaryValue)
	return b.unmapN(1)
}

// checkCanary reports whether the margin starting at end is intact.
func (b *deviceBlock) checkCanary(end int64) (bool, error) {
	data, err := b.mapN(1)
	if err != nil {
		return false, err
	}
	ok := binary.LittleEndian.Uint32(data[end:end+canarySize]) == canaryValue
	if err := b.unmapN(1); err != nil {
		return ok, err
	}
	return ok, nil
}

// destroy releases the block's device memory. Any outstanding mapping
// references are abandoned with it.
func (b *deviceBlock) destroy(log *zap.Logger) {
	b.mapMu.Lock()
	if b.mapRefs > 0 {
		log.Warn("destroying device memory block that is still mapped",
			zap.Uint64("block", b.id),
			zap.Int("mapRefs", b.mapRefs))
		b.mapRefs = 0
		b.mapped = nil
	}
	b.mapMu.Unlock()
	b.memory.Free()
}
