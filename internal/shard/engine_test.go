package shard

import (
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/wal"
	"github.com/stratumdb/stratum/pkg/models"
)

func newTestEngine(t *testing.T, duration int64) *Engine {
	t.Helper()
	dir := t.TempDir()
	e, err := NewEngine(Config{
		Dir:            filepath.Join(dir, "shards"),
		Duration:       duration,
		FlushThreshold: 4,
		WAL: wal.WriterConfig{
			Dir:    filepath.Join(dir, "wal"),
			Logger: zerolog.Nop(),
		},
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestAddPointBucketsByTime(t *testing.T) {
	e := newTestEngine(t, 100)
	s := &series.Series{ID: 1, Name: "cpu", Type: models.TypeInteger}

	require.NoError(t, e.AddPoint(s, 10, models.IntValue(1)))
	require.NoError(t, e.AddPoint(s, 110, models.IntValue(2)))
	require.NoError(t, e.AddPoint(s, 250, models.IntValue(3)))

	assert.Equal(t, int64(3), e.PointsWritten())
	assert.Equal(t, uint64(3), s.Length)
	assert.Len(t, e.shards, 3)
}

func TestFlushThreshold(t *testing.T) {
	e := newTestEngine(t, 1000)
	s := &series.Series{ID: 1, Name: "cpu", Type: models.TypeInteger}

	for i := 0; i < 4; i++ {
		require.NoError(t, e.AddPoint(s, int64(i), models.IntValue(int64(i))))
	}
	assert.Equal(t, int64(1), e.Flushes())

	paths, err := filepath.Glob(filepath.Join(e.cfg.Dir, "shard_*.srd"))
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}

func TestExpire(t *testing.T) {
	e := newTestEngine(t, 100)
	s := &series.Series{ID: 1, Name: "cpu", Type: models.TypeInteger}

	require.NoError(t, e.AddPoint(s, 50, models.IntValue(1)))  // shard 0
	require.NoError(t, e.AddPoint(s, 150, models.IntValue(2))) // shard 1
	require.NoError(t, e.Flush())

	removed, err := e.Expire(100) // everything before ts 100
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	paths, err := filepath.Glob(filepath.Join(e.cfg.Dir, "shard_*.srd"))
	require.NoError(t, err)
	assert.Len(t, paths, 1)
}
