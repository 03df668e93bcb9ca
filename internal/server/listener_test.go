package server

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/pool"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/tbf"
	"github.com/stratumdb/stratum/pkg/models"
)

type recordingStorage struct {
	mu     sync.Mutex
	points int
}

func (r *recordingStorage) AddPoint(*series.Series, int64, models.Value) error {
	r.mu.Lock()
	r.points++
	r.mu.Unlock()
	return nil
}

func (r *recordingStorage) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.points
}

func startTestListener(t *testing.T) (*Listener, *recordingStorage) {
	t.Helper()

	srv := &pool.Server{Name: "server-0", Pool: 0}
	reg, err := pool.NewRegistry([]*pool.Pool{{ID: 0, Servers: []*pool.Server{srv}}}, 0, srv)
	require.NoError(t, err)

	st := &recordingStorage{}
	d, err := db.New(db.Config{Name: "testdb", Precision: db.PrecisionSecond},
		series.NewIndex(), st, reg, nil)
	require.NoError(t, err)

	l := NewListener(Config{Host: "127.0.0.1", Port: 0, Logger: zerolog.Nop()}, d)
	require.NoError(t, l.Start())
	t.Cleanup(func() { l.Close() })
	return l, st
}

func dialTest(t *testing.T, l *Listener) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", l.Addr(), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func insertBody() []byte {
	p := tbf.NewPacker(64)
	p.MapOpen()
	p.String("cpu")
	p.ArrayOpen()
	p.Array2()
	p.Int64(100)
	p.Int64(1)
	p.Array2()
	p.Int64(200)
	p.Int64(2)
	p.ArrayClose()
	p.MapClose()
	return p.Bytes()
}

func readResponse(t *testing.T, conn net.Conn) *protocol.Packet {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := protocol.Read(conn)
	require.NoError(t, err)
	return pkt
}

func TestPingPong(t *testing.T) {
	l, _ := startTestListener(t)
	conn := dialTest(t, l)

	_, err := protocol.NewPacket(11, protocol.ReqPing, nil).WriteTo(conn)
	require.NoError(t, err)

	pkt := readResponse(t, conn)
	assert.Equal(t, protocol.ResPing, pkt.Tp())
	assert.Equal(t, uint32(11), pkt.Pid())
}

func TestInsertOverWire(t *testing.T) {
	l, st := startTestListener(t)
	conn := dialTest(t, l)

	_, err := protocol.NewPacket(21, protocol.ReqInsert, insertBody()).WriteTo(conn)
	require.NoError(t, err)

	pkt := readResponse(t, conn)
	assert.Equal(t, protocol.ResInsert, pkt.Tp())
	assert.Equal(t, uint32(21), pkt.Pid())
	assert.Equal(t, 2, st.count())
}

func TestGzippedInsertOverWire(t *testing.T) {
	l, st := startTestListener(t)
	conn := dialTest(t, l)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(insertBody())
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	_, err = protocol.NewPacket(31, protocol.ReqInsert, buf.Bytes()).WriteTo(conn)
	require.NoError(t, err)

	pkt := readResponse(t, conn)
	assert.Equal(t, protocol.ResInsert, pkt.Tp())
	assert.Equal(t, 2, st.count())
}

func TestDecodeErrorAnswersWithoutStorage(t *testing.T) {
	l, st := startTestListener(t)
	conn := dialTest(t, l)

	p := tbf.NewPacker(16)
	p.Int64(1) // neither map nor array

	_, err := protocol.NewPacket(41, protocol.ReqInsert, p.Bytes()).WriteTo(conn)
	require.NoError(t, err)

	pkt := readResponse(t, conn)
	assert.Equal(t, protocol.ErrInsert, pkt.Tp())
	assert.Equal(t, 0, st.count())
}

func TestPeerInsertAcked(t *testing.T) {
	l, st := startTestListener(t)
	conn := dialTest(t, l)

	p := tbf.NewPacker(64)
	p.MapOpen()
	p.String("mem")
	p.ArrayOpen()
	p.Array2()
	p.Int64(5)
	p.Double(0.5)
	p.ArrayClose()

	_, err := protocol.NewPacket(51, protocol.InsertPool, p.Bytes()).WriteTo(conn)
	require.NoError(t, err)

	pkt := readResponse(t, conn)
	assert.Equal(t, protocol.AckInsert, pkt.Tp())
	assert.Equal(t, uint32(51), pkt.Pid())
	assert.Equal(t, 1, st.count())
}
