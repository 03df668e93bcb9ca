package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"
)

// Replay reads every segment in dir in sequence order and calls fn for each
// intact entry. A torn tail (short header, short payload or checksum
// mismatch) ends that segment's replay without error; anything before it is
// delivered.
func Replay(dir string, logger zerolog.Logger, fn func(*Entry) error) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return fmt.Errorf("list wal segments: %w", err)
	}
	sort.Strings(paths)

	log := logger.With().Str("component", "wal-reader").Logger()

	for _, path := range paths {
		n, err := replaySegment(path, fn)
		if err != nil {
			return fmt.Errorf("replay %s: %w", path, err)
		}
		log.Info().Str("segment", filepath.Base(path)).Int("entries", n).Msg("WAL segment replayed")
	}
	return nil
}

func replaySegment(path string, fn func(*Entry) error) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	hdr := make([]byte, fileHeaderSize)
	if _, err := io.ReadFull(f, hdr); err != nil {
		// An empty or truncated header means the segment never received an
		// entry; skip it.
		return 0, nil
	}
	if !bytes.Equal(hdr[:4], Magic) {
		return 0, fmt.Errorf("bad magic %q", hdr[:4])
	}
	if v := binary.BigEndian.Uint16(hdr[4:6]); v != Version {
		return 0, fmt.Errorf("unsupported wal version %d", v)
	}

	count := 0
	ehdr := make([]byte, entryHeaderSize)
	for {
		if _, err := io.ReadFull(f, ehdr); err != nil {
			return count, nil // torn tail or clean EOF
		}
		n := binary.BigEndian.Uint32(ehdr[0:4])
		sum := binary.BigEndian.Uint32(ehdr[4:8])
		if n > MaxPayloadSize {
			return count, nil
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(f, payload); err != nil {
			return count, nil
		}
		if crc32.ChecksumIEEE(payload) != sum {
			return count, nil
		}

		var e Entry
		if err := msgpack.Unmarshal(payload, &e); err != nil {
			return count, fmt.Errorf("decode entry %d: %w", count, err)
		}
		if err := fn(&e); err != nil {
			return count, err
		}
		count++
	}
}

// Remove deletes every segment in dir.
func Remove(dir string) error {
	paths, err := filepath.Glob(filepath.Join(dir, "*.wal"))
	if err != nil {
		return err
	}
	for _, path := range paths {
		if err := os.Remove(path); err != nil {
			return err
		}
	}
	return nil
}
