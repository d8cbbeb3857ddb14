package gitstore

import (
	"crypto/sha1"
	"fmt"
	"io"
	"os"

	"github.com/nullbridge/hg2git/internal/ids"
)

// tailOverlap is the number of trailing bytes PackWindow always keeps
// buffered in memory even after a flush: exactly one oid's worth, so a
// base-offset lookup landing on the last bytes written is never split
// across a flush boundary mid-read.
const tailOverlap = ids.Size

// DefaultPackWindow is the buffered tail size PackWindow keeps before
// syncing older bytes to disk.
const DefaultPackWindow = 8 << 20

// PackWindow is a streaming, append-only writer over a single growing
// packfile. Objects already appended but not yet flushed to disk remain
// readable through ReadAt, so the ObjectStore driver can REF_DELTA-encode
// a new object against one it wrote moments ago without forcing a sync for
// every object.
//
// Once a region has been flushed it is addressed straight through the
// backing file: ReadAt and Finish read flushed bytes back from the file,
// and the OS page cache absorbs repeat access.
//
// header is the size in bytes of the pack signature/version/count header
// that precedes the object stream on disk. Offset and ReadAt deal in
// offsets relative to the first object — header-relative, not
// file-relative — so the caller can patch the header's object count in
// place at Finish without the rest of the bookkeeping shifting under it.
type PackWindow struct {
	f      *os.File
	header uint64

	buf     []byte
	flushed uint64
	total   uint64

	window int
}

// NewPackWindow wraps f (opened read/write, positioned at its current
// length) for streamed, windowed writes. window is the approximate number
// of trailing bytes kept buffered before older data is flushed to disk;
// callers needing the stock behavior should pass DefaultPackWindow.
// headerSize bytes at the front of f are reserved for the pack header and
// are never touched by Write/ReadAt/Finish's own bookkeeping — the caller
// writes that header separately via WriteHeader.
func NewPackWindow(f *os.File, window, headerSize int) *PackWindow {
	if window <= 0 {
		window = DefaultPackWindow
	}
	return &PackWindow{f: f, header: uint64(headerSize), window: window}
}

// Offset returns the total number of logical, header-relative bytes
// written so far — equivalently, the offset a subsequently-written
// object's header will start at once the leading pack header is added
// back in.
func (w *PackWindow) Offset() uint64 { return w.total }

// WriteHeader writes the pack file's leading signature/version/count
// header directly to disk, without disturbing Offset's header-relative
// bookkeeping. Safe to call again later (e.g. to patch in the final
// object count at Finish) since it always targets the reserved region at
// the front of the file.
func (w *PackWindow) WriteHeader(header []byte) error {
	if uint64(len(header)) != w.header {
		return fmt.Errorf("pack window: header is %d bytes, want %d", len(header), w.header)
	}
	_, err := w.f.WriteAt(header, 0)
	return err
}

// Write appends p to the pack, and flushes older buffered bytes to disk
// once the window fills.
func (w *PackWindow) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	w.total += uint64(len(p))

	if len(w.buf) > w.window+tailOverlap {
		cut := len(w.buf) - tailOverlap
		if _, err := w.f.WriteAt(w.buf[:cut], int64(w.flushed+w.header)); err != nil {
			return 0, fmt.Errorf("flush pack window: %w", err)
		}
		w.flushed += uint64(cut)

		tail := make([]byte, tailOverlap)
		copy(tail, w.buf[cut:])
		w.buf = tail
	}
	return len(p), nil
}

// ReadAt fills p with the pack bytes at header-relative offset off,
// transparently serving the request from the in-memory tail, the
// underlying file, or a combination of both when the requested range
// straddles the flush boundary.
func (w *PackWindow) ReadAt(p []byte, off uint64) error {
	end := off + uint64(len(p))
	if end <= w.flushed {
		_, err := w.f.ReadAt(p, int64(off+w.header))
		return err
	}
	if off >= w.flushed {
		bufOff := off - w.flushed
		if bufOff+uint64(len(p)) > uint64(len(w.buf)) {
			return fmt.Errorf("pack window: read [%d,%d) past written length %d", off, end, w.total)
		}
		copy(p, w.buf[bufOff:bufOff+uint64(len(p))])
		return nil
	}

	diskPart := w.flushed - off
	if _, err := w.f.ReadAt(p[:diskPart], int64(off+w.header)); err != nil {
		return fmt.Errorf("pack window: read disk part at %d: %w", off, err)
	}
	copy(p[diskPart:], w.buf[:uint64(len(p))-diskPart])
	return nil
}

// Finish flushes any remaining buffered bytes, then computes the pack
// trailer checksum over the whole file — header included — and appends
// it, returning it so the caller can write a matching *.idx file and
// rename the pack into place under that checksum. The caller must patch
// the header's final object count via WriteHeader before calling Finish.
func (w *PackWindow) Finish() ([]byte, error) {
	if len(w.buf) > 0 {
		if _, err := w.f.WriteAt(w.buf, int64(w.flushed+w.header)); err != nil {
			return nil, fmt.Errorf("flush pack window tail: %w", err)
		}
		w.flushed += uint64(len(w.buf))
		w.buf = nil
	}

	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(w.f, 0, int64(w.header+w.flushed))); err != nil {
		return nil, fmt.Errorf("checksum pack: %w", err)
	}
	sum := h.Sum(nil)
	if _, err := w.f.WriteAt(sum, int64(w.header+w.flushed)); err != nil {
		return nil, fmt.Errorf("write pack trailer: %w", err)
	}
	w.flushed += uint64(len(sum))
	return sum, nil
}
