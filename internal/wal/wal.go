// Package wal provides the write-ahead log the storage engine appends every
// accepted point to before it reaches a shard buffer.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/stratumdb/stratum/pkg/models"
)

// WAL file format constants
var (
	Magic   = []byte{'S', 'T', 'R', 'W'}
	Version = uint16(0x0001)
)

const (
	checksumCRC32 = 0x01

	// Entry format: [Length: 4 bytes] [Checksum: 4 bytes] [Payload: N bytes]
	entryHeaderSize = 8
	fileHeaderSize  = 7 // Magic(4) + Version(2) + ChecksumType(1)

	// MaxPayloadSize bounds a single WAL entry payload.
	MaxPayloadSize = 16 * 1024 * 1024
)

// ErrPayloadTooLarge indicates the payload exceeds MaxPayloadSize.
var ErrPayloadTooLarge = errors.New("wal payload exceeds maximum allowed size")

// SyncMode defines how the WAL syncs to disk.
type SyncMode string

const (
	SyncModeFsync SyncMode = "fsync" // sync on every append (safest)
	SyncModeBatch SyncMode = "batch" // sync on interval or byte threshold
	SyncModeNone  SyncMode = "none"  // rely on the OS (fastest)
)

// Entry is one logged point, msgpack-encoded on disk.
type Entry struct {
	Series string  `msgpack:"s"`
	Ts     int64   `msgpack:"t"`
	Type   uint8   `msgpack:"y"`
	Int    int64   `msgpack:"i,omitempty"`
	Float  float64 `msgpack:"f,omitempty"`
	Raw    []byte  `msgpack:"r,omitempty"`
}

// Value converts the entry payload back into a point value.
func (e *Entry) Value() models.Value {
	switch models.ValueType(e.Type) {
	case models.TypeInteger:
		return models.IntValue(e.Int)
	case models.TypeFloat:
		return models.FloatValue(e.Float)
	default:
		return models.RawValue(e.Raw)
	}
}

// WriterConfig holds configuration for the WAL writer.
type WriterConfig struct {
	Dir          string
	SyncMode     SyncMode
	MaxSizeBytes int64         // rotate when the file reaches this size
	SyncInterval time.Duration // batch mode: sync once this long has passed since the last sync
	SyncBytes    int64         // batch mode: sync after this many bytes
	Logger       zerolog.Logger
}

// Writer appends point entries to the current WAL segment.
type Writer struct {
	cfg    WriterConfig
	logger zerolog.Logger

	mu             sync.Mutex
	file           *os.File
	path           string
	size           int64
	bytesSinceSync int64
	lastSync       time.Time
	seq            uint64

	// Metrics
	TotalEntries   int64
	TotalBytes     int64
	TotalSyncs     int64
	TotalRotations int64
}

// NewWriter opens the WAL directory and starts the first segment.
func NewWriter(cfg WriterConfig) (*Writer, error) {
	if cfg.SyncMode == "" {
		cfg.SyncMode = SyncModeBatch
	}
	if cfg.MaxSizeBytes == 0 {
		cfg.MaxSizeBytes = 64 * 1024 * 1024
	}
	if cfg.SyncInterval == 0 {
		cfg.SyncInterval = 100 * time.Millisecond
	}
	if cfg.SyncBytes == 0 {
		cfg.SyncBytes = 1024 * 1024
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create wal directory: %w", err)
	}

	w := &Writer{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "wal-writer").Logger(),
		lastSync: time.Now(),
	}
	if err := w.openSegment(); err != nil {
		return nil, fmt.Errorf("create initial wal segment: %w", err)
	}

	w.logger.Info().
		Str("dir", cfg.Dir).
		Str("sync_mode", string(cfg.SyncMode)).
		Int64("max_size_mb", cfg.MaxSizeBytes/1024/1024).
		Msg("WAL writer initialized")

	return w, nil
}

// Append logs one point. Durability follows the configured sync mode.
func (w *Writer) Append(seriesName string, ts int64, v models.Value) error {
	e := Entry{Series: seriesName, Ts: ts, Type: uint8(v.Type)}
	switch v.Type {
	case models.TypeInteger:
		e.Int = v.Int
	case models.TypeFloat:
		e.Float = v.Float
	case models.TypeString:
		e.Raw = v.Raw
	}

	payload, err := msgpack.Marshal(&e)
	if err != nil {
		return fmt.Errorf("encode wal entry: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return ErrPayloadTooLarge
	}

	buf := make([]byte, entryHeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(buf[4:8], crc32.ChecksumIEEE(payload))
	copy(buf[entryHeaderSize:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()

	n, err := w.file.Write(buf)
	if err != nil {
		return fmt.Errorf("write wal entry: %w", err)
	}
	w.size += int64(n)
	w.bytesSinceSync += int64(n)
	w.TotalEntries++
	w.TotalBytes += int64(n)

	switch w.cfg.SyncMode {
	case SyncModeFsync:
		if err := w.sync(); err != nil {
			return err
		}
	case SyncModeBatch:
		if w.bytesSinceSync >= w.cfg.SyncBytes ||
			time.Since(w.lastSync) >= w.cfg.SyncInterval {
			if err := w.sync(); err != nil {
				return err
			}
		}
	}

	if w.size >= w.cfg.MaxSizeBytes {
		if err := w.rotateLocked(); err != nil {
			w.logger.Error().Err(err).Msg("Failed to rotate WAL")
		}
	}
	return nil
}

func (w *Writer) sync() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync wal: %w", err)
	}
	w.lastSync = time.Now()
	w.bytesSinceSync = 0
	w.TotalSyncs++
	return nil
}

func (w *Writer) rotateLocked() error {
	if w.bytesSinceSync > 0 {
		if err := w.sync(); err != nil {
			w.logger.Error().Err(err).Msg("Sync before rotate failed")
		}
	}
	if err := w.file.Close(); err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("Close WAL segment failed")
	}
	w.TotalRotations++
	return w.openSegment()
}

func (w *Writer) openSegment() error {
	w.seq++
	w.path = filepath.Join(w.cfg.Dir, fmt.Sprintf("%020d.wal", w.seq))
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("open wal segment: %w", err)
	}

	hdr := make([]byte, fileHeaderSize)
	copy(hdr, Magic)
	binary.BigEndian.PutUint16(hdr[4:6], Version)
	hdr[6] = checksumCRC32
	if _, err := f.Write(hdr); err != nil {
		f.Close()
		return fmt.Errorf("write wal header: %w", err)
	}

	w.file = f
	w.size = int64(fileHeaderSize)
	w.bytesSinceSync = 0
	return nil
}

// Close syncs and closes the current segment.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	if w.bytesSinceSync > 0 {
		if err := w.sync(); err != nil {
			w.logger.Error().Err(err).Msg("Final WAL sync failed")
		}
	}
	err := w.file.Close()
	w.file = nil
	return err
}
