package insert

import (
	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/tbf"
	"github.com/stratumdb/stratum/internal/transport"
)

// Forward accumulates verbatim series fragments that the test variant of the
// local apply re-routed to other pools, one buffer per live pool.
type Forward struct {
	d       *db.DB
	packers []*tbf.Packer
}

// NewForward allocates forward buffers for the live pool count.
func NewForward(d *db.DB) *Forward {
	n := d.Pools.Len()
	psize := suggestedSize / (n/4 + 1)
	packers := make([]*tbf.Packer, n)
	for i := range packers {
		packers[i] = protocol.NewInsertPacker(psize)
	}
	return &Forward{d: d, packers: packers}
}

// Ship posts the forward task: every non-empty buffer goes to its pool
// through the peer transport. Responses are only logged; the client already
// gets its answer from the originating insert.
func (f *Forward) Ship() {
	go f.pointsToPools()
}

func (f *Forward) pointsToPools() {
	d := f.d
	log := d.Logger().With().Str("component", "forward").Logger()

	promises := transport.NewPromises(len(f.packers), func(results []*transport.Result) {
		for _, r := range results {
			if r == nil || r.Err != nil || r.Pkt == nil || r.Pkt.Tp() != protocol.AckInsert {
				server := "unknown"
				if r != nil {
					server = r.Server
				}
				log.Error().Str("server", server).Msg("Forwarded points were not acknowledged")
			}
		}
	})

	sent := 0
	for n, packer := range f.packers {
		f.packers[n] = nil
		if packer.Len() == protocol.EmptyInsertSize {
			continue
		}

		pkt := protocol.PackerToPacket(packer, 0, protocol.InsertPool)
		if err := d.Transport.SendToPool(uint16(n), pkt, promises); err != nil {
			log.Error().Err(err).Int("pool", n).Msg("Failed to forward points to pool")
			continue
		}
		sent++
	}

	promises.Arm(sent)
}
