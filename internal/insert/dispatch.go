package insert

import (
	"fmt"

	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/replica"
	"github.com/stratumdb/stratum/internal/tbf"
	"github.com/stratumdb/stratum/internal/transport"
)

// Dispatch binds the decoded point count, locks the client for the job's
// lifetime and posts the fan-out task.
func (ins *Insert) Dispatch(npoints int) {
	ins.npoints = npoints
	ins.client.Lock()
	go ins.pointsToPools()
}

// pointsToPools drives the fan-out: remote buffers go to the peer transport
// with the promise aggregator as response sink, the own-pool buffer is
// applied in process (mirrored to the replica first when one exists). The
// aggregator is armed with the number of sends that actually left the node.
func (ins *Insert) pointsToPools() {
	d := ins.d
	own := d.Pools.OwnPool()
	promises := transport.NewPromises(len(ins.packers)-1, ins.onResponse)

	sent := 0
	for n, packer := range ins.packers {
		if packer == nil {
			continue
		}
		ins.packers[n] = nil

		if packer.Len() == protocol.EmptyInsertSize {
			// Empty buffer: only the framing header and the open map.
			continue
		}

		if uint16(n) == own {
			ins.applyOwn(packer)
			continue
		}

		tag := protocol.InsertPool
		if ins.flags&protocol.FlagTest != 0 {
			tag = protocol.InsertTestPool
		}
		pkt := protocol.PackerToPacket(packer, 0, tag)
		if err := d.Transport.SendToPool(uint16(n), pkt, promises); err != nil {
			ins.logger.Error().
				Err(err).
				Int("pool", n).
				Msg("Although each pool had at least one server available when the " +
					"insert was accepted, sending points to this pool failed")
			continue
		}
		sent++
	}

	promises.Arm(sent)
}

// applyOwn handles the own-pool buffer: enqueue a durable copy with the
// replica when one exists (filtered while its initial sync is running), then
// apply locally.
func (ins *Insert) applyOwn(packer *tbf.Packer) {
	d := ins.d

	if rep := d.Replica; rep != nil {
		var pkt *protocol.Packet
		if rep.InitSyncIdle() {
			pkt = protocol.PackerToPacket(packer, 0, replica.ServerTag(ins.flags))
		} else {
			pkt = rep.Filter(packer.Bytes()[protocol.HeaderSize:], ins.flags)
		}
		if pkt == nil {
			return
		}
		if err := rep.Enqueue(pkt); err != nil {
			d.Bus.Raise(err)
			ins.logger.Error().Err(err).Msg("Replica enqueue failed")
		}
		if err := ApplyLocal(d, tbf.NewUnpacker(pkt.Body()), ins.flags); err != nil {
			ins.logger.Error().Err(err).Msg("Local apply failed")
		}
		return
	}

	if err := ApplyLocal(d, tbf.NewUnpacker(packer.Bytes()[protocol.HeaderSize:]), ins.flags); err != nil {
		ins.logger.Error().Err(err).Msg("Local apply failed")
	}
}

// onResponse runs once every peer promise resolved. It collapses the
// collected results into one client response and drops the job's reference.
func (ins *Insert) onResponse(results []*transport.Result) {
	d := ins.d

	tp := protocol.ResInsert
	var msg string

	if d.Bus.Raised() {
		tp = protocol.ErrInsert
		msg = fmt.Sprintf("Critical error occurred on '%s'", d.Pools.OwnServer().Name)
	}

	for _, r := range results {
		if r == nil {
			tp = protocol.ErrInsert
			msg = fmt.Sprintf("Critical error occurred on '%s'", d.Pools.OwnServer().Name)
			continue
		}
		if r.Err != nil || r.Pkt == nil || r.Pkt.Tp() != protocol.AckInsert {
			tp = protocol.ErrInsert
			msg = fmt.Sprintf("Error occurred while sending points to at least '%s'", r.Server)
		}
	}

	if tp == protocol.ResInsert {
		msg = fmt.Sprintf("Inserted %d point(s) successfully.", ins.npoints)
		ins.logger.Info().Int("points", ins.npoints).Msg(msg)
		d.AddReceivedPoints(int64(ins.npoints))
	}

	key := "success_msg"
	if tp == protocol.ErrInsert {
		key = "error_msg"
	}

	p := tbf.NewPacker(len(msg) + 32)
	p.Reserve(protocol.HeaderSize)
	p.MapOpen()
	p.String(key)
	p.String(msg)
	p.MapClose()

	if err := ins.client.Send(protocol.PackerToPacket(p, ins.pid, tp)); err != nil {
		ins.logger.Warn().Err(err).Uint32("pid", ins.pid).Msg("Failed to send insert response")
	}

	ins.Release()
}
