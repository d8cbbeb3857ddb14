package gitstore

import (
	"fmt"
	"unsafe"

	"github.com/nullbridge/hg2git/internal/ids"
)

// deltaContext carries per-lookup state while resolving a delta chain read
// back out of the pack (the ObjectStore driver deltifies new file and
// manifest blobs against their predecessor, then may itself need to read
// that predecessor back through a chain of its own).
//
// A single deltaContext is threaded through the recursive resolution logic
// so that it can detect circular references and enforce the configured
// maximum chain depth. The zero value is not valid; use newDeltaContext.
// offsetKey identifies a pack entry by (pack, byte offset) — plain offsets
// alone would collide between two different finalized packs that happen to
// place an entry at the same byte position.
type offsetKey struct {
	pack any
	off  uint64
}

type deltaContext struct {
	visited  map[ids.GitOid]bool
	offsets  map[offsetKey]bool
	depth    int
	maxDepth int
}

func newDeltaContext(maxDepth int) *deltaContext {
	return &deltaContext{
		visited:  make(map[ids.GitOid]bool),
		offsets:  make(map[offsetKey]bool),
		maxDepth: maxDepth,
	}
}

func (ctx *deltaContext) checkRefDelta(oid ids.GitOid) error {
	if ctx.depth >= ctx.maxDepth {
		return fmt.Errorf("delta chain too deep (max %d)", ctx.maxDepth)
	}
	if ctx.visited[oid] {
		return fmt.Errorf("circular delta reference detected for %x", oid)
	}
	return nil
}

func (ctx *deltaContext) checkOfsDelta(pack any, offset uint64) error {
	if ctx.depth >= ctx.maxDepth {
		return fmt.Errorf("delta chain too deep (max %d)", ctx.maxDepth)
	}
	if ctx.offsets[offsetKey{pack, offset}] {
		return fmt.Errorf("circular delta reference detected at offset %d", offset)
	}
	return nil
}

func (ctx *deltaContext) enterRefDelta(oid ids.GitOid) {
	ctx.visited[oid] = true
	ctx.depth++
}

func (ctx *deltaContext) enterOfsDelta(pack any, offset uint64) {
	ctx.offsets[offsetKey{pack, offset}] = true
	ctx.depth++
}

func (ctx *deltaContext) exit() { ctx.depth-- }

// parseDeltaHeader splits the base reference from the delta instruction
// stream. It returns the base object id (for ref-delta), the base offset
// (for ofs-delta), and the remainder of data holding the copy/insert opcode
// stream.
func parseDeltaHeader(t ObjectType, data []byte) (ids.GitOid, uint64, []byte, error) {
	var h ids.GitOid

	if t == ObjRefDelta {
		if len(data) < ids.Size {
			return h, 0, nil, fmt.Errorf("ref delta too short")
		}
		copy(h[:], data[:ids.Size])
		return h, 0, data[ids.Size:], nil
	}

	if len(data) == 0 {
		return h, 0, nil, fmt.Errorf("ofs delta too short")
	}

	b0 := data[0]
	off := uint64(b0 & 0x7f)
	if b0&0x80 == 0 {
		return h, off, data[1:], nil
	}

	i := 1
	for i < len(data) && i < 10 {
		b := data[i]
		off = (off + 1) << 7
		off |= uint64(b & 0x7f)
		i++
		if b&0x80 == 0 {
			break
		}
	}
	if i >= len(data) {
		return h, 0, nil, fmt.Errorf("invalid ofs delta encoding")
	}
	return h, off, data[i:], nil
}

// decodeVarInt decodes Git's little-endian base-128 varint (used for the
// delta header's pre-image/post-image size fields).
func decodeVarInt(buf []byte) (uint64, int) {
	var res uint64
	var shift uint
	for i, b := range buf {
		res |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return res, i + 1
		}
		shift += 7
		if i == 9 {
			return 0, -1
		}
	}
	return 0, -1
}

// encodeVarInt appends the little-endian base-128 varint encoding of v to
// dst and returns the extended slice.
func encodeVarInt(dst []byte, v uint64) []byte {
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// applyDelta materializes a delta by interpreting Git's copy/insert opcode
// stream against base. A nil return signals a malformed delta.
func applyDelta(base, delta []byte) []byte {
	if len(delta) == 0 {
		return nil
	}

	_, n1 := decodeVarInt(delta)
	if n1 <= 0 || n1 >= len(delta) {
		return nil
	}
	targetSize, n2 := decodeVarInt(delta[n1:])
	if n2 <= 0 || n1+n2 > len(delta) {
		return nil
	}

	out := make([]byte, targetSize)
	deltaLen := len(delta)
	baseLen := len(base)

	opIdx := n1 + n2
	outIdx := 0

	for opIdx < deltaLen {
		op := delta[opIdx]
		opIdx++

		if op&0x80 != 0 { // copy
			var cpOff, cpLen uint32
			for shift, bit := range []byte{0x01, 0x02, 0x04, 0x08} {
				if op&bit != 0 {
					if opIdx >= deltaLen {
						return nil
					}
					cpOff |= uint32(delta[opIdx]) << (8 * shift)
					opIdx++
				}
			}
			for shift, bit := range []byte{0x10, 0x20, 0x40} {
				if op&bit != 0 {
					if opIdx >= deltaLen {
						return nil
					}
					cpLen |= uint32(delta[opIdx]) << (8 * shift)
					opIdx++
				}
			}
			if cpLen == 0 {
				cpLen = 65536
			}
			if int(cpOff)+int(cpLen) > baseLen || outIdx+int(cpLen) > int(targetSize) {
				return nil
			}
			copyMemory(
				unsafe.Pointer(&out[outIdx]),
				unsafe.Pointer(&base[cpOff]),
				int(cpLen),
			)
			outIdx += int(cpLen)

		} else if op != 0 { // insert
			insertLen := int(op)
			if opIdx+insertLen > deltaLen || outIdx+insertLen > int(targetSize) {
				return nil
			}
			copy(out[outIdx:], delta[opIdx:opIdx+insertLen])
			opIdx += insertLen
			outIdx += insertLen
		} else {
			return nil // reserved opcode, invalid
		}
	}

	if outIdx != int(targetSize) {
		return nil
	}
	return out
}

// maxInsertRun is the largest single INSERT opcode payload Git's delta
// format allows (the 7-bit length prefix of an insert opcode tops out at
// 127 bytes).
const maxInsertRun = 0x7f

// maxCopyRun is the largest single COPY opcode length (a zero-length field
// means 64 KiB, per applyDelta above).
const maxCopyRun = 0x10000

// encodeCopyOnlyDelta builds a Git delta instruction stream that
// reconstructs target from base using only two instructions: copy the
// unchanged prefix shared by base and target, then insert whatever in
// target follows it. This is the degenerate but always-correct delta the
// ObjectStore driver falls back to when it has no cheaper representation;
// store_object still benefits from it whenever a new file/manifest
// revision shares a long common prefix with its delta parent, which is the
// common case for incrementally-edited text files.
func encodeCopyOnlyDelta(base, target []byte) []byte {
	shared := 0
	max := len(base)
	if len(target) < max {
		max = len(target)
	}
	for shared < max && base[shared] == target[shared] {
		shared++
	}

	out := encodeVarInt(nil, uint64(len(base)))
	out = encodeVarInt(out, uint64(len(target)))

	remaining, copyOff := shared, 0
	for remaining > 0 {
		run := remaining
		if run > maxCopyRun {
			run = maxCopyRun
		}
		out = append(out, encodeCopyOp(uint32(copyOff), uint32(run))...)
		remaining -= run
		copyOff += run
	}

	tail := target[shared:]
	for len(tail) > 0 {
		run := len(tail)
		if run > maxInsertRun {
			run = maxInsertRun
		}
		out = append(out, byte(run))
		out = append(out, tail[:run]...)
		tail = tail[run:]
	}
	return out
}

// encodeCopyOp encodes a single Git delta COPY instruction for the half-open
// base range [off, off+length).
func encodeCopyOp(off uint32, length uint32) []byte {
	op := byte(0x80)
	var args []byte

	for i := 0; i < 4; i++ {
		b := byte(off >> (8 * i))
		if b != 0 {
			op |= 1 << i
			args = append(args, b)
		}
	}
	if length == maxCopyRun {
		length = 0 // encoded as implicit 64 KiB per the format
	}
	for i := 0; i < 3; i++ {
		b := byte(length >> (8 * i))
		if b != 0 {
			op |= 0x10 << i
			args = append(args, b)
		}
	}

	return append([]byte{op}, args...)
}
