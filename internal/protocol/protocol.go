// Package protocol defines the framed packet layer shared by the client port
// and the pool-to-pool transport.
//
// Wire format: [4-byte body length (big-endian)][4-byte request id][1-byte type][body]
// The body of insert-related packets is a TBF document.
package protocol

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/stratumdb/stratum/internal/tbf"
)

const (
	// HeaderSize is the packet header size: length + request id + type.
	HeaderSize = 9

	// MaxPacketSize bounds a single packet body (100MB).
	MaxPacketSize = 100 * 1024 * 1024
)

// Type is a packet type tag.
type Type uint8

// Client-facing packet types.
const (
	ReqInsert Type = 1
	ReqPing   Type = 2

	ResInsert Type = 32
	ResPing   Type = 33
	ErrInsert Type = 48
	ErrServer Type = 49
)

// Pool-to-pool packet types.
const (
	InsertPool         Type = 64
	InsertTestPool     Type = 65
	InsertServer       Type = 66
	InsertTestServer   Type = 67
	InsertTestedServer Type = 68
	AckInsert          Type = 80
	ErrInsertPool      Type = 81
)

// InsertFlags qualify how a receiver applies an insert body.
type InsertFlags uint8

const (
	// FlagTest makes the receiver re-route every unknown series instead of
	// creating it unconditionally. Set while the database is re-indexing.
	FlagTest InsertFlags = 1 << iota

	// FlagTested marks a body whose series were already re-routed upstream;
	// the receiver applies it plainly even while re-indexing.
	FlagTested
)

// Packet is one framed message. Raw holds header plus body so a packet built
// in place from a packer is shipped without copying.
type Packet struct {
	raw []byte
}

// NewPacket builds a packet from a request id, type and body.
func NewPacket(pid uint32, tp Type, body []byte) *Packet {
	raw := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(raw[0:4], uint32(len(body)))
	binary.BigEndian.PutUint32(raw[4:8], pid)
	raw[8] = byte(tp)
	copy(raw[HeaderSize:], body)
	return &Packet{raw: raw}
}

// Pid returns the request id the packet carries.
func (p *Packet) Pid() uint32 {
	return binary.BigEndian.Uint32(p.raw[4:8])
}

// SetPid rewrites the request id in place.
func (p *Packet) SetPid(pid uint32) {
	binary.BigEndian.PutUint32(p.raw[4:8], pid)
}

// Tp returns the packet type.
func (p *Packet) Tp() Type {
	return Type(p.raw[8])
}

// Body returns the packet body without the header.
func (p *Packet) Body() []byte {
	return p.raw[HeaderSize:]
}

// Size returns the full encoded size including the header.
func (p *Packet) Size() int {
	return len(p.raw)
}

// WriteTo writes the framed packet to w.
func (p *Packet) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(p.raw)
	return int64(n), err
}

// Read reads one framed packet from r.
func Read(r io.Reader) (*Packet, error) {
	hdr := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n > MaxPacketSize {
		return nil, fmt.Errorf("packet too large: %d > %d", n, MaxPacketSize)
	}
	raw := make([]byte, HeaderSize+int(n))
	copy(raw, hdr)
	if _, err := io.ReadFull(r, raw[HeaderSize:]); err != nil {
		return nil, fmt.Errorf("read packet body: %w", err)
	}
	return &Packet{raw: raw}, nil
}

// NewInsertPacker returns a packer with the packet header reserved and an
// open map appended, ready for the repacker to stream series into. A packer
// still at EmptyInsertSize never left this state and carries no series.
func NewInsertPacker(hint int) *tbf.Packer {
	p := tbf.NewPacker(HeaderSize + hint)
	p.Reserve(HeaderSize)
	p.MapOpen()
	return p
}

// EmptyInsertSize is the size of an insert packer that carries no series:
// the reserved header plus the single MAP_OPEN marker.
const EmptyInsertSize = HeaderSize + 1

// PackerToPacket finalizes a packer created with a reserved header into a
// packet, filling the header in place. The packer must not be reused.
func PackerToPacket(p *tbf.Packer, pid uint32, tp Type) *Packet {
	raw := p.Bytes()
	binary.BigEndian.PutUint32(raw[0:4], uint32(len(raw)-HeaderSize))
	binary.BigEndian.PutUint32(raw[4:8], pid)
	raw[8] = byte(tp)
	return &Packet{raw: raw}
}
