package types

// VectorClock maps devices to their event counters.
type VectorClock map[DeviceID]uint64

// Clone returns an independent copy. A nil clock clones to an empty one.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for k, v := range vc {
		out[k] = v
	}
	return out
}

// Tick increments the counter for device and returns the new value.
func (vc VectorClock) Tick(device DeviceID) uint64 {
	vc[device]++
	return vc[device]
}

// Merge raises every entry of vc to at least the matching entry of other.
func (vc VectorClock) Merge(other VectorClock) {
	for k, v := range other {
		if v > vc[k] {
			vc[k] = v
		}
	}
}

// Compare returns Before, After, Equal or Concurrent. Missing entries are
// treated as zero.
func (vc VectorClock) Compare(other VectorClock) TimeOrdering {
	less, greater := false, false
	for k, v := range vc {
		o := other[k]
		if v < o {
			less = true
		} else if v > o {
			greater = true
		}
	}
	for k, o := range other {
		if _, ok := vc[k]; ok {
			continue
		}
		if o > 0 {
			less = true
		}
	}
	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}
