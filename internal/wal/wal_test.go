package wal

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/pkg/models"
)

func newTestWriter(t *testing.T) (*Writer, string) {
	t.Helper()
	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{
		Dir:      dir,
		SyncMode: SyncModeFsync,
		Logger:   zerolog.Nop(),
	})
	require.NoError(t, err)
	return w, dir
}

func TestAppendAndReplay(t *testing.T) {
	w, dir := newTestWriter(t)

	require.NoError(t, w.Append("cpu", 100, models.IntValue(1)))
	require.NoError(t, w.Append("cpu", 200, models.FloatValue(2.5)))
	require.NoError(t, w.Append("mem", 300, models.RawValue([]byte("up"))))
	require.NoError(t, w.Close())

	var entries []*Entry
	require.NoError(t, Replay(dir, zerolog.Nop(), func(e *Entry) error {
		cp := *e
		entries = append(entries, &cp)
		return nil
	}))

	require.Len(t, entries, 3)
	assert.Equal(t, "cpu", entries[0].Series)
	assert.Equal(t, int64(100), entries[0].Ts)
	assert.Equal(t, models.IntValue(1), entries[0].Value())
	assert.Equal(t, models.FloatValue(2.5), entries[1].Value())
	assert.Equal(t, "mem", entries[2].Series)
	assert.Equal(t, models.RawValue([]byte("up")), entries[2].Value())
}

func TestReplayStopsAtTornTail(t *testing.T) {
	w, dir := newTestWriter(t)
	require.NoError(t, w.Append("cpu", 1, models.IntValue(1)))
	require.NoError(t, w.Append("cpu", 2, models.IntValue(2)))
	require.NoError(t, w.Close())

	// truncate into the last entry
	paths, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	require.Len(t, paths, 1)
	st, err := os.Stat(paths[0])
	require.NoError(t, err)
	require.NoError(t, os.Truncate(paths[0], st.Size()-3))

	count := 0
	require.NoError(t, Replay(dir, zerolog.Nop(), func(e *Entry) error {
		count++
		return nil
	}))
	assert.Equal(t, 1, count)
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(WriterConfig{
		Dir:          dir,
		SyncMode:     SyncModeFsync,
		MaxSizeBytes: 64, // force a rotation on nearly every append
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append("cpu", int64(i), models.IntValue(int64(i))))
	}
	require.NoError(t, w.Close())

	paths, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	assert.Greater(t, len(paths), 1)

	// entries survive across segments
	count := 0
	require.NoError(t, Replay(dir, zerolog.Nop(), func(e *Entry) error {
		count++
		return nil
	}))
	assert.Equal(t, 5, count)
}

func TestRemove(t *testing.T) {
	w, dir := newTestWriter(t)
	require.NoError(t, w.Append("cpu", 1, models.IntValue(1)))
	require.NoError(t, w.Close())

	require.NoError(t, Remove(dir))
	paths, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	require.NoError(t, err)
	assert.Empty(t, paths)
}
