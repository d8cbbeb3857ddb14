package gitstore

import (
	"bufio"
	"compress/zlib"
	"io"
	"sync"
)

// zrPool reuses zlib.Reader instances to reduce allocations when reading
// back objects (own in-progress pack as well as older finalized packs).
// We create a fresh one on demand the first time New() is hit, because
// there is no exported zero-value constructor for zlib.Reader.
var zrPool = sync.Pool{New: func() any { return nil }}

// zwPool reuses zlib.Writer instances across store_object calls.
var zwPool = sync.Pool{New: func() any { return zlib.NewWriter(io.Discard) }}

// brPool reuses bufio.Reader instances to avoid allocating buffers for
// every delta-chain hop.
var brPool = sync.Pool{
	New: func() any { return bufio.NewReaderSize(nil, 8<<10) },
}

// getZlibReader obtains a zlib.Reader from the pool or creates a new one.
func getZlibReader(src io.Reader) (io.ReadCloser, error) {
	if v := zrPool.Get(); v != nil {
		if zr, ok := v.(interface {
			Reset(io.Reader, []byte) error
		}); ok {
			if err := zr.Reset(src, nil); err == nil {
				return zr.(io.ReadCloser), nil
			}
		}
		// Could not reset (corrupt stream) - fall through to fresh alloc.
	}
	return zlib.NewReader(src)
}

// putZlibReader returns a zlib.Reader to the pool for reuse.
func putZlibReader(r io.ReadCloser) {
	_ = r.Close()
	zrPool.Put(r)
}

// getZlibWriter obtains a zlib.Writer from the pool, reset to write to dst.
func getZlibWriter(dst io.Writer) *zlib.Writer {
	zw := zwPool.Get().(*zlib.Writer)
	zw.Reset(dst)
	return zw
}

// putZlibWriter returns a zlib.Writer to the pool for reuse.
func putZlibWriter(zw *zlib.Writer) { zwPool.Put(zw) }

// getBR obtains a bufio.Reader from the pool and resets it to the given reader.
func getBR(r io.Reader) *bufio.Reader {
	br := brPool.Get().(*bufio.Reader)
	br.Reset(r)
	return br
}

// putBR returns a bufio.Reader to the pool for reuse.
func putBR(br *bufio.Reader) { brPool.Put(br) }
