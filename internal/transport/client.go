package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stratumdb/stratum/internal/pool"
	"github.com/stratumdb/stratum/internal/protocol"
)

// Client errors.
var (
	ErrNoServer  = errors.New("no server available in pool")
	ErrQueueFull = errors.New("peer send queue full")
	ErrClosed    = errors.New("transport closed")
)

// ClientConfig holds configuration for the peer transport.
type ClientConfig struct {
	// DialTimeout bounds connection establishment to a peer.
	DialTimeout time.Duration

	// ResponseTimeout is the per-peer promise timeout. A peer that does not
	// acknowledge within it contributes a missing response.
	ResponseTimeout time.Duration

	// QueueSize is the per-peer outbound queue capacity. A full queue
	// rejects the send.
	QueueSize int

	Logger zerolog.Logger
}

// Client maintains one connection per peer server and matches responses to
// outstanding sends by request id.
type Client struct {
	cfg      ClientConfig
	registry *pool.Registry
	logger   zerolog.Logger

	mu     sync.Mutex
	peers  map[string]*peerConn // addr -> connection
	closed bool

	pidSeq atomic.Uint32
}

type peerConn struct {
	client *Client
	server *pool.Server

	sendCh chan *outbound
	done   chan struct{}

	mu      sync.Mutex
	conn    net.Conn
	pending map[uint32]*outbound
}

type outbound struct {
	pkt   *protocol.Packet
	sink  Sink
	timer *time.Timer
}

// NewClient returns a transport over the registry's pools.
func NewClient(cfg ClientConfig, registry *pool.Registry) *Client {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.ResponseTimeout <= 0 {
		cfg.ResponseTimeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	return &Client{
		cfg:      cfg,
		registry: registry,
		logger:   cfg.Logger.With().Str("component", "pool-transport").Logger(),
		peers:    make(map[string]*peerConn),
	}
}

// ServerName returns a display name for pool n's first server.
func (c *Client) ServerName(n uint16) string {
	return c.registry.ServerName(n)
}

// SendToPool hands pkt to the first server of pool n. The send is
// non-blocking: a response, timeout or transport failure reaches sink as a
// callback. An error return means the send was rejected outright and sink
// will never hear about it.
func (c *Client) SendToPool(n uint16, pkt *protocol.Packet, sink Sink) error {
	p := c.registry.Pool(n)
	if p == nil || len(p.Servers) == 0 {
		return fmt.Errorf("pool %d: %w", n, ErrNoServer)
	}
	return c.sendToServer(p.Servers[0], pkt, sink)
}

func (c *Client) sendToServer(srv *pool.Server, pkt *protocol.Packet, sink Sink) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	pc, ok := c.peers[srv.Addr]
	if !ok {
		pc = &peerConn{
			client:  c,
			server:  srv,
			sendCh:  make(chan *outbound, c.cfg.QueueSize),
			done:    make(chan struct{}),
			pending: make(map[uint32]*outbound),
		}
		c.peers[srv.Addr] = pc
		go pc.run()
	}
	c.mu.Unlock()

	pkt.SetPid(c.pidSeq.Add(1))
	ob := &outbound{pkt: pkt, sink: sink}

	select {
	case pc.sendCh <- ob:
		return nil
	default:
		return fmt.Errorf("server %s: %w", srv.Name, ErrQueueFull)
	}
}

// run owns one peer connection: it dials lazily, writes queued packets and
// reads acknowledgements until the transport closes or the peer fails.
func (pc *peerConn) run() {
	log := pc.client.logger.With().Str("server", pc.server.Name).Str("addr", pc.server.Addr).Logger()

	for {
		select {
		case <-pc.done:
			return
		case ob := <-pc.sendCh:
			conn, err := pc.dial()
			if err != nil {
				log.Error().Err(err).Msg("Peer dial failed")
				pc.fulfill(ob, &Result{Server: pc.server.Name, Err: err})
				continue
			}

			pid := ob.pkt.Pid()
			pc.track(pid, ob)

			if _, err := ob.pkt.WriteTo(conn); err != nil {
				log.Error().Err(err).Msg("Peer write failed")
				pc.failConn(conn, err)
				continue
			}
		}
	}
}

func (pc *peerConn) dial() (net.Conn, error) {
	pc.mu.Lock()
	conn := pc.conn
	pc.mu.Unlock()
	if conn != nil {
		return conn, nil
	}

	conn, err := net.DialTimeout("tcp", pc.server.Addr, pc.client.cfg.DialTimeout)
	if err != nil {
		return nil, err
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.mu.Unlock()

	go pc.readLoop(conn)
	return conn, nil
}

func (pc *peerConn) track(pid uint32, ob *outbound) {
	timeout := pc.client.cfg.ResponseTimeout
	ob.timer = time.AfterFunc(timeout, func() {
		pc.mu.Lock()
		_, live := pc.pending[pid]
		delete(pc.pending, pid)
		pc.mu.Unlock()
		if live {
			ob.sink.Fulfill(&Result{Server: pc.server.Name, Err: ErrTimeout})
		}
	})

	pc.mu.Lock()
	pc.pending[pid] = ob
	pc.mu.Unlock()
}

func (pc *peerConn) fulfill(ob *outbound, r *Result) {
	if ob.timer != nil {
		ob.timer.Stop()
	}
	ob.sink.Fulfill(r)
}

// readLoop delivers responses to their pending sends by request id.
func (pc *peerConn) readLoop(conn net.Conn) {
	for {
		pkt, err := protocol.Read(conn)
		if err != nil {
			pc.failConn(conn, err)
			return
		}

		pc.mu.Lock()
		ob, ok := pc.pending[pkt.Pid()]
		delete(pc.pending, pkt.Pid())
		pc.mu.Unlock()

		if !ok {
			pc.client.logger.Warn().
				Str("server", pc.server.Name).
				Uint32("pid", pkt.Pid()).
				Msg("Response for unknown request id")
			continue
		}
		pc.fulfill(ob, &Result{Server: pc.server.Name, Pkt: pkt})
	}
}

// failConn drops the connection and fails every pending send on it.
func (pc *peerConn) failConn(conn net.Conn, err error) {
	conn.Close()

	pc.mu.Lock()
	if pc.conn == conn {
		pc.conn = nil
	}
	pending := pc.pending
	pc.pending = make(map[uint32]*outbound)
	pc.mu.Unlock()

	for _, ob := range pending {
		pc.fulfill(ob, &Result{Server: pc.server.Name, Err: err})
	}
}

// syncSink adapts a channel to the Sink interface.
type syncSink chan *Result

func (s syncSink) Fulfill(r *Result) {
	select {
	case s <- r:
	default:
	}
}

// SendToServerSync ships pkt to srv and blocks until the peer acknowledged,
// failed or timed out. Used by the replica drain loop, which must not
// consume a queue entry before delivery is confirmed.
func (c *Client) SendToServerSync(srv *pool.Server, pkt *protocol.Packet) (*protocol.Packet, error) {
	sink := make(syncSink, 1)
	if err := c.sendToServer(srv, pkt, sink); err != nil {
		return nil, err
	}
	r := <-sink
	if r.Err != nil {
		return nil, r.Err
	}
	return r.Pkt, nil
}

// Close shuts down every peer connection.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	peers := c.peers
	c.peers = make(map[string]*peerConn)
	c.mu.Unlock()

	for _, pc := range peers {
		close(pc.done)
		pc.mu.Lock()
		if pc.conn != nil {
			pc.conn.Close()
		}
		pc.mu.Unlock()
	}
	return nil
}
