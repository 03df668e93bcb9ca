// Package pool maps series names onto cluster pools. The mapping is a fixed
// 8192-slot table built incrementally per pool count: growing from N to N+1
// pools reassigns one in every N+1 slots to the new pool, so only that
// fraction of series moves during a re-index.
package pool

import "github.com/cespare/xxhash/v2"

// LookupSize is the number of slots in a lookup table.
const LookupSize = 8192

// Lookup maps a name hash slot to a pool id.
type Lookup []uint16

// NewLookup builds the table for n pools. Pool m takes every (m+1)-th slot
// starting at slot m, stealing evenly from the pools before it.
func NewLookup(n int) Lookup {
	lk := make(Lookup, LookupSize)
	for m := 1; m < n; m++ {
		for i := m; i < LookupSize; i += m + 1 {
			lk[i] = uint16(m)
		}
	}
	return lk
}

// PoolOf returns the pool id responsible for name.
func (lk Lookup) PoolOf(name []byte) uint16 {
	return lk[xxhash.Sum64(name)%LookupSize]
}

// PoolOfString is PoolOf for a string name without conversion.
func (lk Lookup) PoolOfString(name string) uint16 {
	return lk[xxhash.Sum64String(name)%LookupSize]
}
