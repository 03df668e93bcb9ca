// Package series holds the in-memory series index: the name to series map a
// database consults on every write. The index itself is not synchronized;
// callers hold the database apply locks around every access.
package series

import (
	"github.com/cespare/xxhash/v2"

	"github.com/stratumdb/stratum/pkg/models"
)

// NameMax bounds a series name: 1 <= len(name) < NameMax.
const NameMax = 256

// Series is one named sequence of points. Type stays TypeUnset between the
// get-or-create that reserved the slot and the first point that fixes the
// value type.
type Series struct {
	ID   uint32
	Name string
	Type models.ValueType

	// Length counts points accepted by the storage engine.
	Length uint64
}

// Empty reports whether the series record was reserved by GetOrCreate but not
// yet allocated with a value type.
func (s *Series) Empty() bool {
	return s.Type == models.TypeUnset
}

// ServerID maps a series name onto one of the two servers of a pool. With a
// replica present, each server of the pair forwards only its own half of the
// unknown series during re-indexing.
func ServerID(name []byte) uint16 {
	return uint16(xxhash.Sum64(name) & 1)
}

// Index is the live name to series map.
type Index struct {
	m      map[string]*Series
	lastID uint32
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{m: make(map[string]*Series)}
}

// Len returns the number of series, reserved slots included.
func (ix *Index) Len() int {
	return len(ix.m)
}

// Get returns the series for name, or nil.
func (ix *Index) Get(name []byte) *Series {
	return ix.m[string(name)]
}

// Contains reports whether name is present in the index.
func (ix *Index) Contains(name []byte) bool {
	_, ok := ix.m[string(name)]
	return ok
}

// GetOrCreate returns the series for name, reserving an empty record when the
// name is new. The caller allocates the record (sets the value type) once the
// first point's type is known.
func (ix *Index) GetOrCreate(name []byte) *Series {
	if s, ok := ix.m[string(name)]; ok {
		return s
	}
	ix.lastID++
	s := &Series{ID: ix.lastID, Name: string(name)}
	ix.m[s.Name] = s
	return s
}

// Add inserts a fully allocated series. Returns false when the name exists.
func (ix *Index) Add(s *Series) bool {
	if _, ok := ix.m[s.Name]; ok {
		return false
	}
	if s.ID == 0 {
		ix.lastID++
		s.ID = ix.lastID
	}
	ix.m[s.Name] = s
	return true
}

// Drop removes name from the index.
func (ix *Index) Drop(name []byte) {
	delete(ix.m, string(name))
}

// Range calls fn for every series until fn returns false.
func (ix *Index) Range(fn func(*Series) bool) {
	for _, s := range ix.m {
		if !fn(s) {
			return
		}
	}
}
