package insert

import (
	"fmt"

	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/tbf"
	"github.com/stratumdb/stratum/pkg/models"
)

// ApplyLocal feeds one pool buffer into the storage engine under the apply
// locks. While the database is re-indexing, a body that was not already
// re-routed upstream goes through the test variant, which re-routes every
// unknown series instead of creating it.
func ApplyLocal(d *db.DB, u *tbf.Unpacker, flags protocol.InsertFlags) error {
	if flags&protocol.FlagTest != 0 ||
		(d.Pools.Reindexing() && flags&protocol.FlagTested == 0) {
		return applyTest(d, u)
	}
	return applyPlain(d, u)
}

// applyPlain iterates the buffer's map entries, creating unknown series with
// the type of their first value. The bus is checked before every step so a
// critical failure stops the scan without touching the index again.
func applyPlain(d *db.DB, u *tbf.Unpacker) error {
	var nameObj, tsObj, valObj tbf.Obj

	d.WithApplyLock(func() {
		u.Next(nil)         // map open
		tp := u.Next(&nameObj) // first series or end

		for !d.Bus.Raised() && tp == tbf.TypeRaw {
			s := d.Series.GetOrCreate(nameObj.Raw)

			u.Next(nil) // array open
			u.Next(nil) // first point pair
			u.Next(&tsObj)
			u.Next(&valObj)

			if s.Empty() {
				// The record was reserved by the lookup; allocate it now that
				// the first value fixes the series type.
				s.Type = valueTypeOf(valObj.Type)
			}

			if err := addPoint(d, s, &tsObj, &valObj); err != nil {
				d.Bus.Raise(err)
				break
			}

			for tp = u.Next(&nameObj); tp == tbf.TypeArray2 && !d.Bus.Raised(); tp = u.Next(&nameObj) {
				u.Next(&tsObj)
				u.Next(&valObj)
				if err := addPoint(d, s, &tsObj, &valObj); err != nil {
					d.Bus.Raise(err)
					break
				}
			}
			if tp == tbf.TypeArrayClose {
				tp = u.Next(&nameObj)
			}
		}
	})

	return d.Bus.Err()
}

// applyTest is the re-indexing variant: a series this node holds is applied
// as usual; an unknown series is re-routed and either created here, skipped
// for the replica to forward, or copied verbatim into a forward job bound
// for its owning pool.
func applyTest(d *db.DB, u *tbf.Unpacker) error {
	var nameObj, valObj tbf.Obj

	fwd := NewForward(d)
	doForward := false

	d.WithApplyLock(func() {
		own := d.Pools.OwnPool()
		ownServer := d.Pools.OwnServerIndex()

		u.Next(nil)            // map open
		tp := u.Next(&nameObj) // first series or end

		for !d.Bus.Raised() && tp == tbf.TypeRaw {
			s := d.Series.Get(nameObj.Raw)
			if s == nil {
				p := d.Pools.Lookup(nameObj.Raw)

				switch {
				case p == own:
					// Correct pool: create the series, peeking at the first
					// value for its type.
					mark := u.Mark()
					u.Next(nil) // array open
					u.Next(nil) // first point pair
					u.Next(nil) // first ts
					u.Next(&valObj)
					u.Rewind(mark)

					s = &series.Series{Name: string(nameObj.Raw), Type: valueTypeOf(valObj.Type)}
					if !d.Series.Add(s) {
						d.Bus.Raise(fmt.Errorf("error creating series %q", s.Name))
						return
					}

				case d.Replica == nil || series.ServerID(nameObj.Raw) == ownServer:
					// This server is responsible: copy name and points
					// byte-for-byte into the forward job.
					doForward = true
					fwd.packers[p].Raw(nameObj.Raw)
					if !fwd.packers[p].ExtendFromUnpacker(u) {
						d.Bus.Raise(fmt.Errorf("malformed points for series %q", nameObj.Raw))
						return
					}
					tp = u.Next(&nameObj)
					continue

				default:
					// The replica server forwards this series.
					u.Skip()
					tp = u.Next(&nameObj)
					continue
				}
			}

			u.Next(nil) // array open
			u.Next(nil) // first point pair
			var tsObj tbf.Obj
			u.Next(&tsObj)
			u.Next(&valObj)
			if err := addPoint(d, s, &tsObj, &valObj); err != nil {
				d.Bus.Raise(err)
				break
			}

			for tp = u.Next(&nameObj); tp == tbf.TypeArray2 && !d.Bus.Raised(); tp = u.Next(&nameObj) {
				u.Next(&tsObj)
				u.Next(&valObj)
				if err := addPoint(d, s, &tsObj, &valObj); err != nil {
					d.Bus.Raise(err)
					break
				}
			}
			if tp == tbf.TypeArrayClose {
				tp = u.Next(&nameObj)
			}
		}
	})

	if doForward && !d.Bus.Raised() {
		fwd.Ship()
	}
	return d.Bus.Err()
}

// addPoint hands one decoded pair to the storage engine.
func addPoint(d *db.DB, s *series.Series, tsObj, valObj *tbf.Obj) error {
	var v models.Value
	switch valObj.Type {
	case tbf.TypeInt64:
		v = models.IntValue(valObj.Int64)
	case tbf.TypeDouble:
		v = models.FloatValue(valObj.Double)
	case tbf.TypeRaw:
		v = models.RawValue(valObj.Raw)
	default:
		return fmt.Errorf("unexpected value type in pool buffer for series %q", s.Name)
	}
	return d.Storage.AddPoint(s, tsObj.Int64, v)
}

// valueTypeOf maps a TBF value type onto the series value type.
func valueTypeOf(tp tbf.Type) models.ValueType {
	switch tp {
	case tbf.TypeInt64:
		return models.TypeInteger
	case tbf.TypeDouble:
		return models.TypeFloat
	default:
		return models.TypeString
	}
}
