// Package replica mirrors local writes to the pool-mate server. Writes are
// queued on a durable FIFO and drained in the background; while the replica
// is still running its initial sync, insert bodies are filtered down to the
// series the sync has already carried over.
package replica

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/tbf"
)

// SendFunc ships one packet to the replica server and reports delivery.
type SendFunc func(pkt *protocol.Packet) error

// Config holds replica subsystem configuration.
type Config struct {
	Dir string

	// DrainInterval is how often the FIFO is polled when the last attempt
	// failed or found nothing.
	DrainInterval time.Duration

	Logger zerolog.Logger
}

// Replica is the handle the dispatcher consults on the own-pool branch.
type Replica struct {
	fifo   *Fifo
	send   SendFunc
	logger zerolog.Logger

	// initsync is true while the initial sync walks the series index. Synced
	// guards which series already exist on the replica during that window.
	initsync atomic.Bool
	synced   atomic.Pointer[func(name []byte) bool]

	done chan struct{}

	enqueued  atomic.Int64
	delivered atomic.Int64
}

// New opens the replica queue and starts the drain loop.
func New(cfg Config, send SendFunc) (*Replica, error) {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = 200 * time.Millisecond
	}
	fifo, err := OpenFifo(cfg.Dir)
	if err != nil {
		return nil, err
	}
	r := &Replica{
		fifo:   fifo,
		send:   send,
		logger: cfg.Logger.With().Str("component", "replica").Logger(),
		done:   make(chan struct{}),
	}
	go r.drainLoop(cfg.DrainInterval)
	return r, nil
}

// InitSyncIdle reports whether no initial sync is running. When idle, every
// local insert body is mirrored unfiltered.
func (r *Replica) InitSyncIdle() bool {
	return !r.initsync.Load()
}

// BeginInitSync enters the initial-sync window. synced reports whether a
// series has already been carried over; series outside it are skipped by
// Filter because the sync itself will deliver them.
func (r *Replica) BeginInitSync(synced func(name []byte) bool) {
	r.synced.Store(&synced)
	r.initsync.Store(true)
}

// EndInitSync leaves the initial-sync window.
func (r *Replica) EndInitSync() {
	r.initsync.Store(false)
	r.synced.Store(nil)
}

// Enqueue queues pkt for durable delivery to the replica.
func (r *Replica) Enqueue(pkt *protocol.Packet) error {
	if err := r.fifo.Push(pkt.Pid(), uint8(pkt.Tp()), pkt.Body()); err != nil {
		return fmt.Errorf("enqueue replica packet: %w", err)
	}
	r.enqueued.Add(1)
	return nil
}

// Filter rebuilds an insert body keeping only the series the initial sync
// has already carried over, and wraps it into a server packet tagged for
// flags. Returns nil when nothing is left to mirror.
func (r *Replica) Filter(body []byte, flags protocol.InsertFlags) *protocol.Packet {
	syncedPtr := r.synced.Load()
	if syncedPtr == nil {
		return nil
	}
	synced := *syncedPtr

	u := tbf.NewUnpacker(body)
	out := protocol.NewInsertPacker(len(body))

	var obj tbf.Obj
	u.Next(nil) // map open
	tp := u.Next(&obj)
	for tp == tbf.TypeRaw {
		if synced(obj.Raw) {
			out.Raw(obj.Raw)
			if !out.ExtendFromUnpacker(u) {
				r.logger.Error().Msg("Malformed insert body during replica filter")
				return nil
			}
		} else if !u.Skip() {
			r.logger.Error().Msg("Malformed insert body during replica filter")
			return nil
		}
		tp = u.Next(&obj)
	}

	if out.Len() == protocol.EmptyInsertSize {
		return nil
	}
	return protocol.PackerToPacket(out, 0, ServerTag(flags))
}

// ServerTag maps insert flags onto the within-pool packet type.
func ServerTag(flags protocol.InsertFlags) protocol.Type {
	switch {
	case flags&protocol.FlagTest != 0:
		return protocol.InsertTestServer
	case flags&protocol.FlagTested != 0:
		return protocol.InsertTestedServer
	default:
		return protocol.InsertServer
	}
}

// drainLoop ships queued packets in order. An entry is only consumed after
// the replica acknowledged it, so delivery is at-least-once.
func (r *Replica) drainLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			for {
				e, err := r.fifo.Pop()
				if err != nil {
					r.logger.Error().Err(err).Msg("Replica FIFO read failed")
					break
				}
				if e == nil {
					break
				}
				pkt := protocol.NewPacket(e.Pid, protocol.Type(e.Tp), e.Body)
				if err := r.send(pkt); err != nil {
					r.logger.Warn().Err(err).Msg("Replica delivery failed, will retry")
					break
				}
				if err := r.fifo.Commit(e); err != nil {
					r.logger.Error().Err(err).Msg("Replica FIFO commit failed")
					break
				}
				r.delivered.Add(1)
			}
		}
	}
}

// QueueDepth returns the unread bytes in the FIFO.
func (r *Replica) QueueDepth() int64 {
	return r.fifo.Depth()
}

// Close stops the drain loop and closes the queue.
func (r *Replica) Close() error {
	select {
	case <-r.done:
		return errors.New("replica already closed")
	default:
		close(r.done)
	}
	return r.fifo.Close()
}
