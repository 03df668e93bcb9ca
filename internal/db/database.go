// Package db ties one database's series index, storage engine, pool registry
// and replica together, and owns the two apply locks the write path runs
// under.
package db

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/internal/errbus"
	"github.com/stratumdb/stratum/internal/pool"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/replica"
	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/transport"
	"github.com/stratumdb/stratum/pkg/models"
)

// Precision is the timestamp unit a database is created with.
type Precision string

const (
	PrecisionSecond      Precision = "s"
	PrecisionMillisecond Precision = "ms"
	PrecisionMicrosecond Precision = "us"
	PrecisionNanosecond  Precision = "ns"
)

// Factor returns the number of timestamp units per second.
func (p Precision) Factor() int64 {
	switch p {
	case PrecisionMillisecond:
		return 1e3
	case PrecisionMicrosecond:
		return 1e6
	case PrecisionNanosecond:
		return 1e9
	default:
		return 1
	}
}

// Valid reports whether p names a supported precision.
func (p Precision) Valid() bool {
	switch p {
	case PrecisionSecond, PrecisionMillisecond, PrecisionMicrosecond, PrecisionNanosecond:
		return true
	}
	return false
}

// Storage accepts (series, timestamp, value) triples. An error is critical
// and raises the database error bus.
type Storage interface {
	AddPoint(s *series.Series, ts int64, v models.Value) error
}

// Transport ships packets to peer pools.
type Transport interface {
	SendToPool(n uint16, pkt *protocol.Packet, sink transport.Sink) error
}

// DB is one database on this node.
type DB struct {
	Name      string
	Precision Precision

	Series    *series.Index
	Storage   Storage
	Pools     *pool.Registry
	Replica   *replica.Replica // nil without a pool-mate
	Transport Transport
	Bus       *errbus.Bus

	logger zerolog.Logger

	// seriesMu protects the series index; shardsMu the storage engine's
	// shards. Both are only taken through WithApplyLock.
	seriesMu sync.Mutex
	shardsMu sync.Mutex

	// maxTs is the exclusive upper bound of a valid timestamp.
	maxTs int64

	receivedPoints atomic.Int64
}

// Config holds what New needs beyond the collaborators.
type Config struct {
	Name      string
	Precision Precision
	Logger    zerolog.Logger
}

// New builds the database aggregate.
func New(cfg Config, ix *series.Index, st Storage, reg *pool.Registry, tr Transport) (*DB, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("database name must not be empty")
	}
	if !cfg.Precision.Valid() {
		return nil, fmt.Errorf("unsupported precision %q", cfg.Precision)
	}
	return &DB{
		Name:      cfg.Name,
		Precision: cfg.Precision,
		Series:    ix,
		Storage:   st,
		Pools:     reg,
		Transport: tr,
		Bus:       errbus.New(),
		logger:    cfg.Logger.With().Str("component", "db").Str("database", cfg.Name).Logger(),
		// Timestamps are unsigned 32-bit seconds scaled to the precision,
		// matching the shard id range.
		maxTs: (int64(1) << 32) * cfg.Precision.Factor(),
	}, nil
}

// Logger returns the database's component logger.
func (d *DB) Logger() zerolog.Logger {
	return d.logger
}

// WithApplyLock runs fn while holding the series and shards locks in their
// required order. This is the only way the pair is ever taken; components
// never acquire them separately.
func (d *DB) WithApplyLock(fn func()) {
	d.seriesMu.Lock()
	d.shardsMu.Lock()
	defer func() {
		d.shardsMu.Unlock()
		d.seriesMu.Unlock()
	}()
	fn()
}

// ValidTimestamp reports whether ts is inside the database's range.
func (d *DB) ValidTimestamp(ts int64) bool {
	return ts >= 0 && ts < d.maxTs
}

// RoutePool returns the pool responsible for name. During a re-index a
// series this node still holds stays local; an unknown series follows the
// previous table unless that table points here, in which case the new owner
// is authoritative. The containment check runs under the apply locks so a
// concurrent creation cannot route one series twice.
func (d *DB) RoutePool(name []byte) uint16 {
	if !d.Pools.Reindexing() {
		return d.Pools.Lookup(name)
	}

	var have bool
	d.WithApplyLock(func() {
		have = d.Series.Contains(name)
	})
	if have {
		return d.Pools.OwnPool()
	}

	p := d.Pools.PrevLookup(name)
	if p == d.Pools.OwnPool() {
		return d.Pools.Lookup(name)
	}
	return p
}

// AddReceivedPoints bumps the cumulative insert counter.
func (d *DB) AddReceivedPoints(n int64) {
	d.receivedPoints.Add(n)
}

// ReceivedPoints returns the cumulative insert counter.
func (d *DB) ReceivedPoints() int64 {
	return d.receivedPoints.Load()
}
