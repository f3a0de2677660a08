package allocator

import (
	"math/bits"

	"github.com/ferron-io/devmem"
	"github.com/ferron-io/devmem/errors"
)

// usageFlags expands a MemoryUsage into required, preferred and
// not-preferred property flags.
func usageFlags(usage MemoryUsage) (required, preferred, notPreferred devmem.MemoryPropertyFlags, err error) {
	switch usage {
	case UsageUnknown:
	case UsageGPUOnly:
		preferred |= devmem.MemoryDeviceLocal
	case UsageCPUOnly:
		required |= devmem.MemoryHostVisible | devmem.MemoryHostCoherent
	case UsageCPUToGPU:
		required |= devmem.MemoryHostVisible
		preferred |= devmem.MemoryDeviceLocal
	case UsageGPUToCPU:
		required |= devmem.MemoryHostVisible
		preferred |= devmem.MemoryHostCached
	case UsageCPUCopy:
		notPreferred |= devmem.MemoryDeviceLocal
	case UsageGPULazilyAllocated:
		required |= devmem.MemoryLazilyAllocated
	default:
		err = errors.InvalidArgument(errors.OpAllocate, "unknown memory usage %d", usage)
	}
	return required, preferred, notPreferred, err
}

// FindMemoryTypeIndex picks the best memory type for the given create
// info among the types whose bits are set in typeBits. Types missing a
// required flag are skipped; among the rest, the type missing the fewest
// preferred flags (and carrying the fewest unwanted ones) wins, with the
// lowest index breaking ties.
func (a *Allocator) FindMemoryTypeIndex(typeBits uint32, info AllocationCreateInfo) (int, error) {
	required, preferred, notPreferred, err := usageFlags(info.Usage)
	if err != nil {
		return 0, err
	}
	required |= info.RequiredFlags
	preferred |= info.PreferredFlags
	if info.TypeBits != 0 {
		typeBits &= info.TypeBits
	}

	best := -1
	bestCost := -1
	for i, mt := range a.props.Types {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		if mt.Flags&required != required {
			continue
		}
		cost := bits.OnesCount32(uint32(preferred &^ mt.Flags))
		cost += bits.OnesCount32(uint32(notPreferred & mt.Flags))
		if best < 0 || cost < bestCost {
			best, bestCost = i, cost
			if cost == 0 {
				break
			}
		}
	}
	if best < 0 {
		return 0, errors.FeatureNotPresent(errors.OpAllocate, "no memory type matches the requested properties")
	}
	return best, nil
}
