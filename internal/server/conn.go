package server

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/stratumdb/stratum/internal/protocol"
)

// Conn wraps one accepted connection. Writes are serialized; the lock count
// keeps the connection from closing under an in-flight insert job, mirroring
// the client-handle lock the job holds until it is freed.
type Conn struct {
	conn    net.Conn
	writeMu sync.Mutex

	locks   atomic.Int32
	closing atomic.Bool
}

func newConn(c net.Conn) *Conn {
	return &Conn{conn: c}
}

// Send writes one packet to the client.
func (c *Conn) Send(pkt *protocol.Packet) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := pkt.WriteTo(c.conn)
	return err
}

// Lock pins the connection for an in-flight job.
func (c *Conn) Lock() {
	c.locks.Add(1)
}

// Unlock releases one pin; the last release of a closing connection closes
// the socket.
func (c *Conn) Unlock() {
	if c.locks.Add(-1) == 0 && c.closing.Load() {
		c.conn.Close()
	}
}

// shutdown defers the close until every pin is released.
func (c *Conn) shutdown() {
	c.closing.Store(true)
	if c.locks.Load() == 0 {
		c.conn.Close()
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}
