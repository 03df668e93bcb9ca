package server

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// Pool for decompression buffers - reduces GC pressure under high load
var decompressBufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 256*1024)
		return &buf
	},
}

// Pool for gzip readers - avoids allocating internal decompression state per
// request. Readers are created on demand since gzip.NewReader requires valid
// data, then recycled via Reset.
var gzipReaderPool = sync.Pool{}

// isGzip reports whether payload starts with the gzip magic bytes.
func isGzip(payload []byte) bool {
	return len(payload) >= 2 && payload[0] == 0x1f && payload[1] == 0x8b
}

// gunzip decompresses payload using pooled readers and buffers. The returned
// release func must be called once the decompressed bytes are no longer
// referenced.
func gunzip(payload []byte, maxSize int64) ([]byte, func(), error) {
	var zr *gzip.Reader
	if pooled := gzipReaderPool.Get(); pooled != nil {
		zr = pooled.(*gzip.Reader)
		if err := zr.Reset(bytes.NewReader(payload)); err != nil {
			gzipReaderPool.Put(zr)
			return nil, nil, fmt.Errorf("reset gzip reader: %w", err)
		}
	} else {
		var err error
		zr, err = gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, nil, fmt.Errorf("new gzip reader: %w", err)
		}
	}

	bufPtr := decompressBufferPool.Get().(*[]byte)
	buf := bytes.NewBuffer((*bufPtr)[:0])

	release := func() {
		*bufPtr = buf.Bytes()[:0]
		decompressBufferPool.Put(bufPtr)
		gzipReaderPool.Put(zr)
	}

	if _, err := io.Copy(buf, io.LimitReader(zr, maxSize+1)); err != nil {
		release()
		return nil, nil, fmt.Errorf("decompress payload: %w", err)
	}
	if int64(buf.Len()) > maxSize {
		release()
		return nil, nil, fmt.Errorf("decompressed payload exceeds %d bytes", maxSize)
	}
	return buf.Bytes(), release, nil
}
