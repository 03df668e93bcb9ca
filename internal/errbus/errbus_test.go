package errbus

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseKeepsFirstError(t *testing.T) {
	b := New()
	require.False(t, b.Raised())
	require.NoError(t, b.Err())

	first := errors.New("disk full")
	b.Raise(first)
	b.Raise(errors.New("later"))

	assert.True(t, b.Raised())
	assert.Equal(t, first, b.Err())
}

func TestReset(t *testing.T) {
	b := New()
	b.Raise(errors.New("boom"))
	b.Reset()
	assert.False(t, b.Raised())
	assert.NoError(t, b.Err())
}

func TestConcurrentRaise(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.Raise(errors.New("race"))
		}()
	}
	wg.Wait()
	assert.True(t, b.Raised())
	assert.Error(t, b.Err())
}
