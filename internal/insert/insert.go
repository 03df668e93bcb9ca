// Package insert implements the write path: decoding a client batch,
// assigning every series to its pool, repacking per-pool buffers, the
// asynchronous fan-out to peers and the local apply under the database
// locks.
package insert

import (
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/tbf"
)

// suggestedSize is the initial capacity of a pool buffer. With many pools
// each buffer starts smaller, mirroring the expected per-pool share.
const suggestedSize = 8192

// Client is the connection a response is sent back on. The handle is
// reference-locked for the lifetime of the insert job.
type Client interface {
	Send(pkt *protocol.Packet) error
	Lock()
	Unlock()
}

// Insert is one in-flight insert job. The pool buffer slice is sized to the
// pool count at creation time and never changes length, even when the live
// pool count grows under a concurrent re-index.
type Insert struct {
	d      *db.DB
	pid    uint32
	client Client
	flags  protocol.InsertFlags

	// npoints is bound after decoding: the count of pairs repacked across
	// all pools.
	npoints int

	packers []*tbf.Packer

	// ref keeps the job alive across the async boundary; the final drop
	// unlocks the client.
	ref atomic.Int32

	logger zerolog.Logger
}

// New allocates an insert job for a client request. While the database is
// re-indexing every insert starts in test mode.
func New(d *db.DB, pid uint32, client Client) *Insert {
	var flags protocol.InsertFlags
	if d.Pools.Reindexing() {
		flags = protocol.FlagTest
	}

	n := d.Pools.Len()
	psize := suggestedSize / (n/4 + 1)
	packers := make([]*tbf.Packer, n)
	for i := range packers {
		packers[i] = protocol.NewInsertPacker(psize)
	}

	ins := &Insert{
		d:       d,
		pid:     pid,
		client:  client,
		flags:   flags,
		packers: packers,
		logger:  d.Logger().With().Str("component", "insert").Logger(),
	}
	ins.ref.Store(1)
	return ins
}

// Flags returns the job's insert flags.
func (ins *Insert) Flags() protocol.InsertFlags {
	return ins.flags
}

// NPoints returns the bound point count.
func (ins *Insert) NPoints() int {
	return ins.npoints
}

// PoolCount returns the frozen buffer count.
func (ins *Insert) PoolCount() int {
	return len(ins.packers)
}

// Release drops one reference; the final drop unlocks the client.
func (ins *Insert) Release() {
	if ins.ref.Add(-1) == 0 {
		ins.client.Unlock()
		for i := range ins.packers {
			ins.packers[i] = nil
		}
	}
}

// routePool resolves the pool for name, clamped to the job's frozen buffer
// count. A pool added after this job froze its buffers cannot receive a
// sub-batch here; routing it to the own pool is safe because the test apply
// re-routes and forwards unknown series while the cluster re-indexes.
func (ins *Insert) routePool(name []byte) uint16 {
	p := ins.d.RoutePool(name)
	if int(p) >= len(ins.packers) {
		p = ins.d.Pools.OwnPool()
	}
	return p
}

// AssignPools walks the TBF batch, routing every series to a pool and
// repacking its points into that pool's buffer. The top level is either a
// map of series or an array of {name, points} records; both yield identical
// buffers. Returns the total point count or a decode Error.
func (ins *Insert) AssignPools(u *tbf.Unpacker) (int, error) {
	var obj tbf.Obj

	switch tp := u.Next(nil); {
	case tbf.IsMap(tp):
		return ins.assignByMap(u, &obj)
	case tp == tbf.TypeArrayOpen:
		return ins.assignByArray(u, &obj, tbf.NewPacker(suggestedSize))
	default:
		return 0, ErrExpectingMapOrArray
	}
}

// assignByMap handles the map form: name after name until the map closes or
// the buffer ends.
func (ins *Insert) assignByMap(u *tbf.Unpacker, obj *tbf.Obj) (int, error) {
	count := 0

	tp := u.Next(obj)
	for tp == tbf.TypeRaw && len(obj.Raw) > 0 && len(obj.Raw) < series.NameMax {
		p := ins.routePool(obj.Raw)
		ins.packers[p].Raw(obj.Raw)

		var err error
		tp, err = ins.readPoints(ins.packers[p], u, obj, &count)
		if err != nil {
			return 0, err
		}
	}

	if tp != tbf.TypeEnd && tp != tbf.TypeMapClose {
		return 0, ErrExpectingSeriesName
	}
	return count, nil
}

// assignByArray handles the array form: each element is a two-entry map with
// keys "name" and "points" in either order. When points precede the name
// they are repacked into tmp first and flushed into the right pool buffer
// once the name resolves.
func (ins *Insert) assignByArray(u *tbf.Unpacker, obj *tbf.Obj, tmp *tbf.Packer) (int, error) {
	count := 0

	tp := u.Next(obj)
	for tp == tbf.TypeMapOpen {
		if u.Next(obj) != tbf.TypeRaw {
			return 0, ErrExpectingNameAndPoints
		}

		var p uint16
		switch string(obj.Raw) {
		case "points":
			next, err := ins.readPoints(tmp, u, obj, &count)
			if err != nil {
				return 0, err
			}
			if next != tbf.TypeRaw || string(obj.Raw) != "name" {
				return 0, ErrExpectingNameAndPoints
			}
			if u.Next(obj) != tbf.TypeRaw || len(obj.Raw) == 0 || len(obj.Raw) >= series.NameMax {
				return 0, ErrExpectingNameAndPoints
			}
			p = ins.routePool(obj.Raw)
			ins.packers[p].Raw(obj.Raw)
			ins.packers[p].Extend(tmp)
			tmp.Truncate(0)

		case "name":
			if u.Next(obj) != tbf.TypeRaw || len(obj.Raw) == 0 || len(obj.Raw) >= series.NameMax {
				return 0, ErrExpectingNameAndPoints
			}
			p = ins.routePool(obj.Raw)
			ins.packers[p].Raw(obj.Raw)

			if u.Next(obj) != tbf.TypeRaw || string(obj.Raw) != "points" {
				return 0, ErrExpectingNameAndPoints
			}
			next, err := ins.readPoints(ins.packers[p], u, obj, &count)
			if err != nil {
				return 0, err
			}
			if next != tbf.TypeMapClose {
				return 0, ErrExpectingNameAndPoints
			}
			tp = u.Next(obj)
			continue

		default:
			return 0, ErrExpectingNameAndPoints
		}

		// points-first element: consume the element's map close.
		if u.Next(obj) != tbf.TypeMapClose {
			return 0, ErrExpectingNameAndPoints
		}
		tp = u.Next(obj)
	}

	if tp != tbf.TypeEnd && tp != tbf.TypeArrayClose {
		return 0, ErrExpectingSeriesName
	}
	return count, nil
}

// readPoints validates one points array and streams it into packer. On
// success the token after the array has been read into obj and its type is
// returned. Never allocates per point.
func (ins *Insert) readPoints(packer *tbf.Packer, u *tbf.Unpacker, obj *tbf.Obj, count *int) (tbf.Type, error) {
	if u.Next(nil) != tbf.TypeArrayOpen {
		return tbf.TypeErr, ErrExpectingArray
	}

	packer.ArrayOpen()

	tp := u.Next(nil)
	if tp != tbf.TypeArray2 {
		return tbf.TypeErr, ErrExpectingAtLeastOnePoint
	}

	for ; tp == tbf.TypeArray2; *count, tp = *count+1, u.Next(obj) {
		packer.Array2()

		if u.Next(obj) != tbf.TypeInt64 {
			return tbf.TypeErr, ErrExpectingIntegerTs
		}
		if !ins.d.ValidTimestamp(obj.Int64) {
			return tbf.TypeErr, ErrTimestampOutOfRange
		}
		packer.Int64(obj.Int64)

		switch u.Next(obj) {
		case tbf.TypeRaw:
			packer.Raw(obj.Raw)
		case tbf.TypeInt64:
			packer.Int64(obj.Int64)
		case tbf.TypeDouble:
			packer.Double(obj.Double)
		default:
			return tbf.TypeErr, ErrUnsupportedValue
		}
	}

	if tp == tbf.TypeArrayClose {
		tp = u.Next(obj)
	}

	packer.ArrayClose()
	return tp, nil
}
