package replica

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

// fifo entry format: [Length: 4 bytes][Checksum: 4 bytes][msgpack envelope]
const fifoEntryHeaderSize = 8

// envelope wraps a queued packet for the on-disk FIFO.
type envelope struct {
	Pid  uint32 `msgpack:"p"`
	Tp   uint8  `msgpack:"t"`
	Body []byte `msgpack:"b"`

	wire int64 `msgpack:"-"` // on-disk size, set by Pop
}

// Fifo is the durable queue of packets awaiting delivery to the replica. It
// is a single append file with a persisted read offset so a restart resumes
// where delivery left off.
type Fifo struct {
	mu      sync.Mutex
	path    string
	offPath string
	file    *os.File
	readOff int64
	size    int64
}

// OpenFifo opens or creates the queue under dir.
func OpenFifo(dir string) (*Fifo, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create fifo directory: %w", err)
	}
	path := filepath.Join(dir, "replica.fifo")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open fifo: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	q := &Fifo{
		path:    path,
		offPath: filepath.Join(dir, "replica.offset"),
		file:    f,
		size:    st.Size(),
	}
	if b, err := os.ReadFile(q.offPath); err == nil && len(b) == 8 {
		q.readOff = int64(binary.BigEndian.Uint64(b))
	}
	if q.readOff > q.size {
		q.readOff = q.size
	}
	return q, nil
}

// Push appends one envelope and syncs. The queued packet survives a crash.
func (q *Fifo) Push(pid uint32, tp uint8, body []byte) error {
	payload, err := msgpack.Marshal(&envelope{Pid: pid, Tp: tp, Body: body})
	if err != nil {
		return fmt.Errorf("encode fifo entry: %w", err)
	}

	buf := make([]byte, fifoEntryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[fifoEntryHeaderSize:], payload)

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, err := q.file.WriteAt(buf, q.size); err != nil {
		return fmt.Errorf("append fifo entry: %w", err)
	}
	q.size += int64(len(buf))
	return q.file.Sync()
}

// Pop reads the entry at the read offset without consuming it. Returns nil
// when the queue is drained.
func (q *Fifo) Pop() (*envelope, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.readOff >= q.size {
		return nil, nil
	}

	hdr := make([]byte, fifoEntryHeaderSize)
	if _, err := q.file.ReadAt(hdr, q.readOff); err != nil {
		return nil, fmt.Errorf("read fifo header: %w", err)
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	sum := binary.BigEndian.Uint32(hdr[4:8])

	payload := make([]byte, n)
	if _, err := q.file.ReadAt(payload, q.readOff+fifoEntryHeaderSize); err != nil {
		if err == io.EOF {
			return nil, nil // torn tail
		}
		return nil, fmt.Errorf("read fifo payload: %w", err)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, fmt.Errorf("fifo entry checksum mismatch at offset %d", q.readOff)
	}

	var e envelope
	if err := msgpack.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode fifo entry: %w", err)
	}
	e.wire = fifoEntryHeaderSize + int64(n)
	return &e, nil
}

// Commit consumes the entry returned by the last Pop and persists the new
// read offset.
func (q *Fifo) Commit(e *envelope) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.readOff += e.wire
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(q.readOff))
	return os.WriteFile(q.offPath, buf, 0600)
}

// Depth returns the number of unread bytes.
func (q *Fifo) Depth() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size - q.readOff
}

// Close closes the backing file.
func (q *Fifo) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.file.Close()
}
