// Package shard implements the storage engine behind the write path. Points
// are appended to the WAL and to in-memory shard buffers bucketed by time;
// buffers flush to one file per shard and expired shards are
// swept on a schedule.
//
// The engine performs no locking of its own: AddPoint is only reached while
// the caller holds the database apply locks.
package shard

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/tbf"
	"github.com/stratumdb/stratum/internal/wal"
	"github.com/stratumdb/stratum/pkg/models"
)

// Config holds storage engine configuration.
type Config struct {
	Dir string

	// Duration is the width of one shard in timestamps of the database's
	// precision. Every point with ts in [n*Duration, (n+1)*Duration) lands in
	// shard n.
	Duration int64

	// FlushThreshold flushes a shard buffer once it holds this many points.
	FlushThreshold int

	WAL    wal.WriterConfig
	Logger zerolog.Logger
}

// Engine is the on-disk shard store.
type Engine struct {
	cfg    Config
	wal    *wal.Writer
	shards map[int64]*Shard
	logger zerolog.Logger

	points  atomic.Int64
	flushes atomic.Int64
}

// Shard is one time bucket holding buffered points per series.
type Shard struct {
	ID     int64
	buffer map[uint32][]models.Point
	size   int
}

// NewEngine opens the shard directory and its WAL.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Duration <= 0 {
		return nil, fmt.Errorf("shard duration must be positive, got %d", cfg.Duration)
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = 4096
	}
	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create shard directory: %w", err)
	}

	w, err := wal.NewWriter(cfg.WAL)
	if err != nil {
		return nil, err
	}

	return &Engine{
		cfg:    cfg,
		wal:    w,
		shards: make(map[int64]*Shard),
		logger: cfg.Logger.With().Str("component", "shard-engine").Logger(),
	}, nil
}

// AddPoint accepts one point for s. An error from this method is critical:
// the caller raises the error bus and stops feeding the series.
func (e *Engine) AddPoint(s *series.Series, ts int64, v models.Value) error {
	if err := e.wal.Append(s.Name, ts, v); err != nil {
		return fmt.Errorf("wal append for %q: %w", s.Name, err)
	}

	id := ts / e.cfg.Duration
	sh, ok := e.shards[id]
	if !ok {
		sh = &Shard{ID: id, buffer: make(map[uint32][]models.Point)}
		e.shards[id] = sh
	}
	sh.buffer[s.ID] = append(sh.buffer[s.ID], models.Point{Ts: ts, Value: v})
	sh.size++
	s.Length++
	e.points.Add(1)

	if sh.size >= e.cfg.FlushThreshold {
		if err := e.flush(sh); err != nil {
			return fmt.Errorf("flush shard %d: %w", sh.ID, err)
		}
	}
	return nil
}

// flush appends the shard's buffered points to its data file. The file is a
// sequence of framed records: [series id u32][count u32][TBF points body].
func (e *Engine) flush(sh *Shard) error {
	path := filepath.Join(e.cfg.Dir, fmt.Sprintf("shard_%011d.srd", sh.ID))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	hdr := make([]byte, 8)
	for sid, points := range sh.buffer {
		p := tbf.NewPacker(len(points) * 12)
		for _, pt := range points {
			p.Array2()
			p.Int64(pt.Ts)
			switch pt.Value.Type {
			case models.TypeInteger:
				p.Int64(pt.Value.Int)
			case models.TypeFloat:
				p.Double(pt.Value.Float)
			default:
				p.Raw(pt.Value.Raw)
			}
		}
		binary.BigEndian.PutUint32(hdr[0:4], sid)
		binary.BigEndian.PutUint32(hdr[4:8], uint32(len(points)))
		if _, err := f.Write(hdr); err != nil {
			return err
		}
		if _, err := f.Write(p.Bytes()); err != nil {
			return err
		}
	}

	e.flushes.Add(1)
	e.shards[sh.ID] = &Shard{ID: sh.ID, buffer: make(map[uint32][]models.Point)}
	return nil
}

// Flush writes out every buffered shard.
func (e *Engine) Flush() error {
	for _, sh := range e.shards {
		if sh.size == 0 {
			continue
		}
		if err := e.flush(sh); err != nil {
			return err
		}
	}
	return nil
}

// Expire removes shard files whose bucket ends before horizon. Returns the
// number of files removed.
func (e *Engine) Expire(horizon int64) (int, error) {
	paths, err := filepath.Glob(filepath.Join(e.cfg.Dir, "shard_*.srd"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, path := range paths {
		var id int64
		if _, err := fmt.Sscanf(filepath.Base(path), "shard_%011d.srd", &id); err != nil {
			continue
		}
		if (id+1)*e.cfg.Duration <= horizon {
			if err := os.Remove(path); err != nil {
				return removed, err
			}
			delete(e.shards, id)
			removed++
		}
	}
	if removed > 0 {
		e.logger.Info().Int("removed", removed).Int64("horizon", horizon).Msg("Expired shards")
	}
	return removed, nil
}

// PointsWritten returns the number of points accepted since start.
func (e *Engine) PointsWritten() int64 {
	return e.points.Load()
}

// Flushes returns the number of shard buffer flushes since start.
func (e *Engine) Flushes() int64 {
	return e.flushes.Load()
}

// Close flushes buffers and closes the WAL.
func (e *Engine) Close() error {
	if err := e.Flush(); err != nil {
		e.logger.Error().Err(err).Msg("Final shard flush failed")
	}
	return e.wal.Close()
}
