package metadata

// SuballocationType tells the granularity logic what kind of resource a
// suballocation backs. Linear resources (buffers, linearly tiled
// images) and optimally tiled images must not share a granularity page.
type SuballocationType uint8

const (
	SuballocationFree SuballocationType = iota
	SuballocationUnknown
	SuballocationBuffer
	SuballocationImageUnknown
	SuballocationImageLinear
	SuballocationImageOptimal
)

func (t SuballocationType) String() string {
	switch t {
	case SuballocationFree:
		return "free"
	case SuballocationUnknown:
		return "unknown"
	case SuballocationBuffer:
		return "buffer"
	case SuballocationImageUnknown:
		return "image_unknown"
	case SuballocationImageLinear:
		return "image_linear"
	case SuballocationImageOptimal:
		return "image_optimal"
	default:
		return "invalid"
	}
}

// Suballocation is one range of a block: either a live allocation or a
// free gap (Type == SuballocationFree).
type Suballocation struct {
	Offset   int64
	Size     int64
	UserData any
	Type     SuballocationType
}

// IsGranularityConflict reports whether resources of types a and b may
// not share a granularity page. Unknown resources conflict with
// everything except free space.
func IsGranularityConflict(a, b SuballocationType) bool {
	if a > b {
		a, b = b, a
	}
	switch a {
	case SuballocationFree:
		return false
	case SuballocationUnknown:
		return true
	case SuballocationBuffer:
		return b == SuballocationImageUnknown || b == SuballocationImageOptimal
	case SuballocationImageUnknown:
		return b == SuballocationImageUnknown ||
			b == SuballocationImageLinear ||
			b == SuballocationImageOptimal
	case SuballocationImageLinear:
		return b == SuballocationImageOptimal
	default:
		return false
	}
}
