package insert

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/internal/db"
	"github.com/stratumdb/stratum/internal/pool"
	"github.com/stratumdb/stratum/internal/protocol"
	"github.com/stratumdb/stratum/internal/series"
	"github.com/stratumdb/stratum/internal/tbf"
	"github.com/stratumdb/stratum/internal/transport"
	"github.com/stratumdb/stratum/pkg/models"
)

// storedPoint is one recorded storage engine call.
type storedPoint struct {
	name string
	ts   int64
	v    models.Value
}

// storageRecorder is a db.Storage that records every call in order.
type storageRecorder struct {
	mu     sync.Mutex
	points []storedPoint
	fail   error
}

func (r *storageRecorder) AddPoint(s *series.Series, ts int64, v models.Value) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.points = append(r.points, storedPoint{name: s.Name, ts: ts, v: v})
	return nil
}

func (r *storageRecorder) recorded() []storedPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]storedPoint, len(r.points))
	copy(out, r.points)
	return out
}

const (
	modeAck = iota
	modeNoAck
	modeReject
)

// fakeTransport captures peer sends and answers per its mode.
type fakeTransport struct {
	reg  *pool.Registry
	mode int

	mu   sync.Mutex
	sent []struct {
		pool uint16
		pkt  *protocol.Packet
	}
}

func (f *fakeTransport) SendToPool(n uint16, pkt *protocol.Packet, sink transport.Sink) error {
	if f.mode == modeReject {
		return errors.New("no server available")
	}

	f.mu.Lock()
	f.sent = append(f.sent, struct {
		pool uint16
		pkt  *protocol.Packet
	}{n, pkt})
	f.mu.Unlock()

	server := f.reg.ServerName(n)
	switch f.mode {
	case modeAck:
		go sink.Fulfill(&transport.Result{Server: server, Pkt: protocol.NewPacket(pkt.Pid(), protocol.AckInsert, nil)})
	case modeNoAck:
		go sink.Fulfill(&transport.Result{Server: server, Err: transport.ErrTimeout})
	}
	return nil
}

func (f *fakeTransport) sends() []struct {
	pool uint16
	pkt  *protocol.Packet
} {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]struct {
		pool uint16
		pkt  *protocol.Packet
	}, len(f.sent))
	copy(out, f.sent)
	return out
}

// fakeClient captures the response packet.
type fakeClient struct {
	ch    chan *protocol.Packet
	locks atomic.Int32
}

func newFakeClient() *fakeClient {
	return &fakeClient{ch: make(chan *protocol.Packet, 1)}
}

func (c *fakeClient) Send(pkt *protocol.Packet) error {
	c.ch <- pkt
	return nil
}

func (c *fakeClient) Lock()   { c.locks.Add(1) }
func (c *fakeClient) Unlock() { c.locks.Add(-1) }

func (c *fakeClient) await(t *testing.T) *protocol.Packet {
	t.Helper()
	select {
	case pkt := <-c.ch:
		return pkt
	case <-time.After(2 * time.Second):
		t.Fatal("no response packet")
		return nil
	}
}

func newTestDB(t *testing.T, npools int) (*db.DB, *storageRecorder, *fakeTransport) {
	t.Helper()

	pools := make([]*pool.Pool, npools)
	var own *pool.Server
	for i := range pools {
		srv := &pool.Server{Name: fmt.Sprintf("server-%d", i), Pool: uint16(i)}
		pools[i] = &pool.Pool{ID: uint16(i), Servers: []*pool.Server{srv}}
		if i == 0 {
			own = srv
		}
	}
	reg, err := pool.NewRegistry(pools, 0, own)
	require.NoError(t, err)

	st := &storageRecorder{}
	tr := &fakeTransport{reg: reg}

	d, err := db.New(db.Config{Name: "testdb", Precision: db.PrecisionSecond}, series.NewIndex(), st, reg, tr)
	require.NoError(t, err)
	return d, st, tr
}

// nameForPool finds a series name the registry's current table routes to the
// wanted pool.
func nameForPool(t *testing.T, reg *pool.Registry, want uint16, prefix string) []byte {
	t.Helper()
	for i := 0; i < 100000; i++ {
		name := []byte(fmt.Sprintf("%s%d", prefix, i))
		if reg.Lookup(name) == want {
			return name
		}
	}
	t.Fatalf("no name found for pool %d", want)
	return nil
}

// parseResponse unpacks the single-key response map.
func parseResponse(t *testing.T, pkt *protocol.Packet) (key, msg string) {
	t.Helper()
	u := tbf.NewUnpacker(pkt.Body())
	var obj tbf.Obj
	require.Equal(t, tbf.TypeMapOpen, u.Next(nil))
	require.Equal(t, tbf.TypeRaw, u.Next(&obj))
	key = string(obj.Raw)
	require.Equal(t, tbf.TypeRaw, u.Next(&obj))
	msg = string(obj.Raw)
	return key, msg
}

// seriesBatch is one series with its points, as packed into a request.
type seriesBatch struct {
	name   string
	points []models.Point
}

func packPoints(p *tbf.Packer, points []models.Point) {
	p.ArrayOpen()
	for _, pt := range points {
		p.Array2()
		p.Int64(pt.Ts)
		switch pt.Value.Type {
		case models.TypeInteger:
			p.Int64(pt.Value.Int)
		case models.TypeFloat:
			p.Double(pt.Value.Float)
		default:
			p.Raw(pt.Value.Raw)
		}
	}
	p.ArrayClose()
}

// packMap builds the map-form request {name: [[ts, value], ...], ...}.
func packMap(batches ...seriesBatch) []byte {
	p := tbf.NewPacker(256)
	p.MapOpen()
	for _, b := range batches {
		p.String(b.name)
		packPoints(p, b.points)
	}
	p.MapClose()
	return p.Bytes()
}

// packArray builds the array form; nameFirst controls the key order.
func packArray(nameFirst bool, batches ...seriesBatch) []byte {
	p := tbf.NewPacker(256)
	p.ArrayOpen()
	for _, b := range batches {
		p.MapOpen()
		if nameFirst {
			p.String("name")
			p.String(b.name)
			p.String("points")
			packPoints(p, b.points)
		} else {
			p.String("points")
			packPoints(p, b.points)
			p.String("name")
			p.String(b.name)
		}
		p.MapClose()
	}
	p.ArrayClose()
	return p.Bytes()
}

// S1: a single local series lands in storage in order and the client gets a
// success response.
func TestInsertSingleLocalSeries(t *testing.T) {
	d, st, tr := newTestDB(t, 1)
	client := newFakeClient()

	body := packMap(seriesBatch{name: "cpu", points: []models.Point{
		{Ts: 100, Value: models.IntValue(1)},
		{Ts: 200, Value: models.IntValue(2)},
	}})

	ins := New(d, 1, client)
	npoints, err := ins.AssignPools(tbf.NewUnpacker(body))
	require.NoError(t, err)
	require.Equal(t, 2, npoints)

	ins.Dispatch(npoints)
	pkt := client.await(t)

	assert.Equal(t, protocol.ResInsert, pkt.Tp())
	assert.Equal(t, uint32(1), pkt.Pid())
	key, msg := parseResponse(t, pkt)
	assert.Equal(t, "success_msg", key)
	assert.Equal(t, "Inserted 2 point(s) successfully.", msg)

	points := st.recorded()
	require.Len(t, points, 2)
	assert.Equal(t, storedPoint{name: "cpu", ts: 100, v: models.IntValue(1)}, points[0])
	assert.Equal(t, storedPoint{name: "cpu", ts: 200, v: models.IntValue(2)}, points[1])

	assert.Equal(t, int64(2), d.ReceivedPoints())
	assert.Empty(t, tr.sends())
}

// S2: a batch split across two pools sends one peer packet and applies the
// local half.
func TestInsertSplitAcrossPools(t *testing.T) {
	d, st, tr := newTestDB(t, 2)
	tr.mode = modeAck
	client := newFakeClient()

	local := nameForPool(t, d.Pools, 0, "a")
	remote := nameForPool(t, d.Pools, 1, "b")

	body := packMap(
		seriesBatch{name: string(local), points: []models.Point{{Ts: 1, Value: models.FloatValue(1.0)}}},
		seriesBatch{name: string(remote), points: []models.Point{{Ts: 2, Value: models.RawValue([]byte("x"))}}},
	)

	ins := New(d, 7, client)
	npoints, err := ins.AssignPools(tbf.NewUnpacker(body))
	require.NoError(t, err)
	require.Equal(t, 2, npoints)

	ins.Dispatch(npoints)
	pkt := client.await(t)

	key, msg := parseResponse(t, pkt)
	assert.Equal(t, "success_msg", key)
	assert.Equal(t, "Inserted 2 point(s) successfully.", msg)

	sends := tr.sends()
	require.Len(t, sends, 1)
	assert.Equal(t, uint16(1), sends[0].pool)
	assert.Equal(t, protocol.InsertPool, sends[0].pkt.Tp())

	// the peer body carries exactly the remote series
	want := protocol.NewInsertPacker(64)
	want.Raw(remote)
	packPoints(want, []models.Point{{Ts: 2, Value: models.RawValue([]byte("x"))}})
	assert.Equal(t, want.Bytes()[protocol.HeaderSize:], sends[0].pkt.Body())

	points := st.recorded()
	require.Len(t, points, 1)
	assert.Equal(t, string(local), points[0].name)
}

// S3 and property 1: the array form yields buffers byte-equal to the map
// form, in both key orders.
func TestArrayFormEquivalence(t *testing.T) {
	batches := []seriesBatch{
		{name: "a", points: []models.Point{{Ts: 1, Value: models.IntValue(1)}}},
		{name: "b", points: []models.Point{
			{Ts: 2, Value: models.FloatValue(2.5)},
			{Ts: 3, Value: models.RawValue([]byte("v"))},
		}},
	}

	assign := func(body []byte) ([]*tbf.Packer, int) {
		d, _, _ := newTestDB(t, 2)
		ins := New(d, 1, newFakeClient())
		n, err := ins.AssignPools(tbf.NewUnpacker(body))
		require.NoError(t, err)
		return ins.packers, n
	}

	mapPackers, mapN := assign(packMap(batches...))
	arrPackers, arrN := assign(packArray(true, batches...))
	revPackers, revN := assign(packArray(false, batches...))

	require.Equal(t, mapN, arrN)
	require.Equal(t, mapN, revN)
	for i := range mapPackers {
		assert.Equal(t, mapPackers[i].Bytes(), arrPackers[i].Bytes(), "pool %d", i)
		assert.Equal(t, mapPackers[i].Bytes(), revPackers[i].Bytes(), "pool %d", i)
	}
}

// S4: a non-integer timestamp is rejected before anything reaches storage.
func TestInvalidTimestampRejected(t *testing.T) {
	d, st, _ := newTestDB(t, 1)

	p := tbf.NewPacker(64)
	p.MapOpen()
	p.String("a")
	p.ArrayOpen()
	p.Array2()
	p.String("not-an-int")
	p.Int64(1)
	p.ArrayClose()
	p.MapClose()

	ins := New(d, 1, newFakeClient())
	_, err := ins.AssignPools(tbf.NewUnpacker(p.Bytes()))
	require.ErrorIs(t, err, ErrExpectingIntegerTs)
	assert.Empty(t, st.recorded())
}

func TestTimestampOutOfRange(t *testing.T) {
	d, _, _ := newTestDB(t, 1)

	body := packMap(seriesBatch{name: "a", points: []models.Point{{Ts: -5, Value: models.IntValue(1)}}})
	ins := New(d, 1, newFakeClient())
	_, err := ins.AssignPools(tbf.NewUnpacker(body))
	require.ErrorIs(t, err, ErrTimestampOutOfRange)
}

func TestEmptyPointsRejected(t *testing.T) {
	d, _, _ := newTestDB(t, 1)

	p := tbf.NewPacker(32)
	p.MapOpen()
	p.String("a")
	p.ArrayOpen()
	p.ArrayClose()
	p.MapClose()

	ins := New(d, 1, newFakeClient())
	_, err := ins.AssignPools(tbf.NewUnpacker(p.Bytes()))
	require.ErrorIs(t, err, ErrExpectingAtLeastOnePoint)
}

func TestTopLevelScalarRejected(t *testing.T) {
	d, _, _ := newTestDB(t, 1)

	p := tbf.NewPacker(16)
	p.Int64(1)

	ins := New(d, 1, newFakeClient())
	_, err := ins.AssignPools(tbf.NewUnpacker(p.Bytes()))
	require.ErrorIs(t, err, ErrExpectingMapOrArray)
}

// S5: a peer that never acknowledges turns the response into an error naming
// that peer, while the local half is still applied.
func TestPeerFailureNamedInResponse(t *testing.T) {
	d, st, tr := newTestDB(t, 2)
	tr.mode = modeNoAck
	client := newFakeClient()

	local := nameForPool(t, d.Pools, 0, "a")
	remote := nameForPool(t, d.Pools, 1, "b")

	body := packMap(
		seriesBatch{name: string(local), points: []models.Point{{Ts: 1, Value: models.FloatValue(1.0)}}},
		seriesBatch{name: string(remote), points: []models.Point{{Ts: 2, Value: models.RawValue([]byte("x"))}}},
	)

	ins := New(d, 3, client)
	npoints, err := ins.AssignPools(tbf.NewUnpacker(body))
	require.NoError(t, err)

	ins.Dispatch(npoints)
	pkt := client.await(t)

	assert.Equal(t, protocol.ErrInsert, pkt.Tp())
	key, msg := parseResponse(t, pkt)
	assert.Equal(t, "error_msg", key)
	assert.Contains(t, msg, "server-1")

	require.Len(t, st.recorded(), 1)
	assert.Equal(t, int64(0), d.ReceivedPoints())
}

// Property 5: an empty batch produces no peer sends and a success response
// with zero points.
func TestEmptyBatch(t *testing.T) {
	d, st, tr := newTestDB(t, 2)
	client := newFakeClient()

	p := tbf.NewPacker(8)
	p.MapOpen()
	p.MapClose()

	ins := New(d, 5, client)
	npoints, err := ins.AssignPools(tbf.NewUnpacker(p.Bytes()))
	require.NoError(t, err)
	require.Equal(t, 0, npoints)

	ins.Dispatch(npoints)
	pkt := client.await(t)

	assert.Equal(t, protocol.ResInsert, pkt.Tp())
	_, msg := parseResponse(t, pkt)
	assert.Equal(t, "Inserted 0 point(s) successfully.", msg)
	assert.Empty(t, tr.sends())
	assert.Empty(t, st.recorded())

	// the final reference drop releases the client lock
	require.Eventually(t, func() bool {
		return client.locks.Load() == 0
	}, time.Second, 10*time.Millisecond)
}

// Property 2: points of one series reach storage in client order.
func TestOrderPreservedPerSeries(t *testing.T) {
	d, st, _ := newTestDB(t, 1)
	client := newFakeClient()

	points := make([]models.Point, 16)
	for i := range points {
		points[i] = models.Point{Ts: int64(i + 1), Value: models.IntValue(int64(i * 10))}
	}
	body := packMap(seriesBatch{name: "seq", points: points})

	ins := New(d, 1, client)
	npoints, err := ins.AssignPools(tbf.NewUnpacker(body))
	require.NoError(t, err)
	require.Equal(t, len(points), npoints)

	ins.Dispatch(npoints)
	client.await(t)

	recorded := st.recorded()
	require.Len(t, recorded, len(points))
	for i, pt := range recorded {
		assert.Equal(t, int64(i+1), pt.ts)
		assert.Equal(t, int64(i*10), pt.v.Int)
	}
}

// Property 6: growing the pool count mid-flight changes neither the buffer
// count nor the outcome.
func TestFrozenPoolCount(t *testing.T) {
	d, _, _ := newTestDB(t, 2)
	client := newFakeClient()

	ins := New(d, 1, client)
	require.Equal(t, 2, ins.PoolCount())

	d.Pools.StartReindex(&pool.Pool{ID: 2, Servers: []*pool.Server{{Name: "server-2", Pool: 2}}})

	body := packMap(seriesBatch{name: "grow", points: []models.Point{{Ts: 1, Value: models.IntValue(1)}}})
	require.NotPanics(t, func() {
		_, err := ins.AssignPools(tbf.NewUnpacker(body))
		require.NoError(t, err)
	})
	assert.Equal(t, 2, ins.PoolCount())
}

// Critical failure in the storage engine raises the bus and reaches the
// client as a critical error naming this node.
func TestStorageFailureRaisesBus(t *testing.T) {
	d, st, _ := newTestDB(t, 1)
	st.fail = errors.New("allocation failure")
	client := newFakeClient()

	body := packMap(seriesBatch{name: "cpu", points: []models.Point{{Ts: 1, Value: models.IntValue(1)}}})

	ins := New(d, 1, client)
	npoints, err := ins.AssignPools(tbf.NewUnpacker(body))
	require.NoError(t, err)

	ins.Dispatch(npoints)
	pkt := client.await(t)

	assert.Equal(t, protocol.ErrInsert, pkt.Tp())
	key, msg := parseResponse(t, pkt)
	assert.Equal(t, "error_msg", key)
	assert.Contains(t, msg, "server-0")
	assert.True(t, d.Bus.Raised())
}
