// Package server owns the binary TCP port: client inserts arrive here, and
// so do the pool-to-pool insert packets from peers.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/insert"
	"github.com/stratumdb/stratum/internal/metrics"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/tbf"
)

// Config holds listener configuration.
type Config struct {
	Host           string
	Port           int
	MaxPayloadSize int64
	Logger         zerolog.Logger
}

// Listener accepts connections and dispatches packets.
type Listener struct {
	cfg      Config
	database *db.DB
	logger   zerolog.Logger

	ln     net.Listener
	cancel context.CancelFunc
	group  *errgroup.Group

	mu    sync.Mutex
	conns map[*Conn]struct{}
	wg    sync.WaitGroup
}

// NewListener builds the listener for one database.
func NewListener(cfg Config, database *db.DB) *Listener {
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = 100 * 1024 * 1024
	}
	return &Listener{
		cfg:      cfg,
		database: database,
		logger:   cfg.Logger.With().Str("component", "listener").Logger(),
		conns:    make(map[*Conn]struct{}),
	}
}

// Start binds the port and serves until Close.
func (l *Listener) Start() error {
	addr := fmt.Sprintf("%s:%d", l.cfg.Host, l.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	l.ln = ln

	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.group, ctx = errgroup.WithContext(ctx)

	l.group.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	l.group.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			c := newConn(conn)
			l.mu.Lock()
			l.conns[c] = struct{}{}
			l.mu.Unlock()

			l.wg.Add(1)
			go func() {
				defer l.wg.Done()
				l.serve(c)
				l.mu.Lock()
				delete(l.conns, c)
				l.mu.Unlock()
			}()
		}
	})

	l.logger.Info().Str("addr", addr).Msg("Binary port listening")
	return nil
}

// Addr returns the bound address, once Start succeeded.
func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// serve reads packets from one connection until it closes.
func (l *Listener) serve(c *Conn) {
	defer c.shutdown()

	log := l.logger.With().Str("remote", c.RemoteAddr().String()).Logger()

	for {
		pkt, err := protocol.Read(c.conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Debug().Err(err).Msg("Connection closed")
			}
			return
		}

		switch pkt.Tp() {
		case protocol.ReqPing:
			if err := c.Send(protocol.NewPacket(pkt.Pid(), protocol.ResPing, nil)); err != nil {
				return
			}

		case protocol.ReqInsert:
			l.handleInsert(c, pkt, log)

		case protocol.InsertPool, protocol.InsertTestPool,
			protocol.InsertServer, protocol.InsertTestServer, protocol.InsertTestedServer:
			l.handlePeerInsert(c, pkt, log)

		default:
			log.Warn().Uint8("type", uint8(pkt.Tp())).Msg("Unknown packet type")
			if err := c.Send(protocol.NewPacket(pkt.Pid(), protocol.ErrServer, nil)); err != nil {
				return
			}
		}
	}
}

// handleInsert runs the decode and repack phase inline and posts the
// dispatcher on success. A decode failure answers immediately without
// touching storage.
func (l *Listener) handleInsert(c *Conn, pkt *protocol.Packet, log zerolog.Logger) {
	m := metrics.Get()
	m.IncInsertsReceived()

	body := pkt.Body()
	if int64(len(body)) > l.cfg.MaxPayloadSize {
		log.Error().Int("size", len(body)).Msg("Insert payload too large")
		m.IncInsertsFailed()
		l.sendInsertError(c, pkt.Pid(), "Insert payload too large.")
		return
	}

	var release func()
	if isGzip(body) {
		var err error
		body, release, err = gunzip(body, l.cfg.MaxPayloadSize)
		if err != nil {
			log.Error().Err(err).Msg("Failed to decompress insert payload")
			m.IncInsertsFailed()
			l.sendInsertError(c, pkt.Pid(), "Invalid gzip compression.")
			return
		}
	}

	ins := insert.New(l.database, pkt.Pid(), c)
	npoints, err := ins.AssignPools(tbf.NewUnpacker(body))
	if release != nil {
		release()
	}
	if err != nil {
		m.IncInsertsFailed()
		l.sendInsertError(c, pkt.Pid(), err.Error())
		return
	}

	m.AddPointsReceived(int64(npoints))
	ins.Dispatch(npoints)
}

// handlePeerInsert applies a pool or server packet locally and acknowledges.
func (l *Listener) handlePeerInsert(c *Conn, pkt *protocol.Packet, log zerolog.Logger) {
	var flags protocol.InsertFlags
	switch pkt.Tp() {
	case protocol.InsertTestPool, protocol.InsertTestServer:
		flags = protocol.FlagTest
	case protocol.InsertTestedServer:
		flags = protocol.FlagTested
	}

	if err := insert.ApplyLocal(l.database, tbf.NewUnpacker(pkt.Body()), flags); err != nil {
		log.Error().Err(err).Msg("Peer insert apply failed")
		if err := c.Send(protocol.NewPacket(pkt.Pid(), protocol.ErrInsertPool, nil)); err != nil {
			log.Warn().Err(err).Msg("Failed to send peer insert error")
		}
		return
	}

	if err := c.Send(protocol.NewPacket(pkt.Pid(), protocol.AckInsert, nil)); err != nil {
		log.Warn().Err(err).Msg("Failed to acknowledge peer insert")
	}
}

// sendInsertError answers a client insert with an error_msg body.
func (l *Listener) sendInsertError(c *Conn, pid uint32, msg string) {
	p := tbf.NewPacker(len(msg) + 32)
	p.Reserve(protocol.HeaderSize)
	p.MapOpen()
	p.String("error_msg")
	p.String(msg)
	p.MapClose()
	if err := c.Send(protocol.PackerToPacket(p, pid, protocol.ErrInsert)); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to send insert error response")
	}
}

// Close stops accepting, drops open connections and waits for their
// handlers. Connections pinned by an in-flight insert close once the job
// releases them.
func (l *Listener) Close() error {
	if l.cancel != nil {
		l.cancel()
	}

	l.mu.Lock()
	for c := range l.conns {
		c.shutdown()
	}
	l.mu.Unlock()

	var err error
	if l.group != nil {
		err = l.group.Wait()
	}
	l.wg.Wait()
	return err
}
