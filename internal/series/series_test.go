package series

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/pkg/models"
)

func TestGetOrCreateReservesEmptyRecord(t *testing.T) {
	ix := NewIndex()

	s := ix.GetOrCreate([]byte("cpu"))
	require.NotNil(t, s)
	assert.True(t, s.Empty())
	assert.Equal(t, "cpu", s.Name)
	assert.NotZero(t, s.ID)

	// the same record comes back, allocated or not
	again := ix.GetOrCreate([]byte("cpu"))
	assert.Same(t, s, again)

	s.Type = models.TypeInteger
	assert.False(t, ix.GetOrCreate([]byte("cpu")).Empty())
}

func TestAddRejectsDuplicate(t *testing.T) {
	ix := NewIndex()
	require.True(t, ix.Add(&Series{Name: "a", Type: models.TypeFloat}))
	assert.False(t, ix.Add(&Series{Name: "a", Type: models.TypeFloat}))
	assert.Equal(t, 1, ix.Len())
}

func TestContainsAndDrop(t *testing.T) {
	ix := NewIndex()
	ix.GetOrCreate([]byte("a"))
	assert.True(t, ix.Contains([]byte("a")))
	assert.False(t, ix.Contains([]byte("b")))

	ix.Drop([]byte("a"))
	assert.False(t, ix.Contains([]byte("a")))
}

func TestIDsAreUnique(t *testing.T) {
	ix := NewIndex()
	seen := map[uint32]bool{}
	for _, name := range []string{"a", "b", "c", "d"} {
		s := ix.GetOrCreate([]byte(name))
		require.False(t, seen[s.ID])
		seen[s.ID] = true
	}
}

func TestServerIDRange(t *testing.T) {
	for _, name := range []string{"cpu", "mem", "disk.io", "net/rx"} {
		assert.Less(t, ServerID([]byte(name)), uint16(2))
	}
	// deterministic
	assert.Equal(t, ServerID([]byte("cpu")), ServerID([]byte("cpu")))
}
