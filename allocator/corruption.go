package allocator

import (
	"encoding/binary"

	"go.uber.org/multierr"

	"github.com/ferron-io/devmem/errors"
	"github.com/ferron-io/devmem/metadata"
)

// checkVectorCorruption verifies the margin canary behind every live
// suballocation in the vector. checked is false when the vector does not
// carry canaries at all.
func checkVectorCorruption(v *blockVector) (checked bool, errs error) {
	if !v.canaries() {
		return false, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, b := range v.blocks {
		data, err := b.mapN(1)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		b.meta.Each(func(s metadata.Suballocation) bool {
			if s.Type == metadata.SuballocationFree {
				return true
			}
			end := s.Offset + s.Size
			if binary.LittleEndian.Uint32(data[end:end+canarySize]) != canaryValue {
				errs = multierr.Append(errs, errors.Corruption(v.typeIndex, b.id, end))
			}
			return true
		})
		if err := b.unmapN(1); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return true, errs
}

// CheckCorruption verifies the margins of every allocation in the memory
// types selected by typeBits (zero selects all). It returns
// ErrFeatureNotPresent when none of the selected types carries canaries,
// nil when all margins are intact, and otherwise every damaged margin
// combined into one error.
func (a *Allocator) CheckCorruption(typeBits uint32) error {
	if a.closed.Load() {
		return errors.InvalidArgument(errors.OpCheck, "allocator is closed")
	}
	if typeBits == 0 {
		typeBits = ^uint32(0)
	}

	anyChecked := false
	var errs error
	for i, v := range a.vectors {
		if typeBits&(1<<uint(i)) == 0 {
			continue
		}
		checked, err := checkVectorCorruption(v)
		anyChecked = anyChecked || checked
		errs = multierr.Append(errs, err)
	}

	a.mu.Lock()
	pools := make([]*Pool, 0, len(a.pools))
	for p := range a.pools {
		pools = append(pools, p)
	}
	a.mu.Unlock()
	for _, p := range pools {
		if typeBits&(1<<uint(p.vector.typeIndex)) == 0 {
			continue
		}
		checked, err := checkVectorCorruption(p.vector)
		anyChecked = anyChecked || checked
		errs = multierr.Append(errs, err)
	}

	if !anyChecked && errs == nil {
		return errors.FeatureNotPresent(errors.OpCheck,
			"corruption detection is not enabled for the requested memory types")
	}
	return errs
}

// CheckPoolCorruption verifies the margins of every allocation in one
// pool, with the same result convention as CheckCorruption.
func (a *Allocator) CheckPoolCorruption(p *Pool) error {
	if p == nil || p.destroyed.Load() {
		return errors.InvalidArgument(errors.OpCheck, "pool is nil or destroyed")
	}
	checked, errs := checkVectorCorruption(p.vector)
	if !checked && errs == nil {
		return errors.FeatureNotPresent(errors.OpCheck, "corruption detection is not enabled for this pool")
	}
	return errs
}
