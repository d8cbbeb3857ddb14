package gitstore

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"slices"

	"golang.org/x/exp/mmap"

	"github.com/nullbridge/hg2git/internal/ids"
)

// Parser size constants describing the fixed-width sections of a Git
// pack-index (v2) file.
const (
	fanoutEntries = 256
	fanoutSize    = fanoutEntries * 4

	crcSize      = 4
	offsetSize   = 4
	largeOffSize = 8
	idxHeaderSz  = 8
)

// idxEntry maps one object's byte offset inside the companion *.pack to the
// CRC-32 checksum Git recorded for it at pack-creation time.
type idxEntry struct {
	offset uint64
	crc    uint32
}

// idxFile holds the memory-mapped view and lookup tables for a single,
// already-finalized *.pack / *.idx pair — the ObjectStore driver's
// find_object falls back to these when an oid isn't in the in-progress
// pack's entry map.
type idxFile struct {
	pack *mmap.ReaderAt
	idx  *mmap.ReaderAt

	fanout   [fanoutEntries]uint32
	oidTable []ids.GitOid
	entries  []idxEntry

	entriesByOff  map[uint64]idxEntry
	sortedOffsets []uint64
}

func (f *idxFile) findObject(oid ids.GitOid) (offset uint64, found bool) {
	first := oid[0]
	start := uint32(0)
	if first > 0 {
		start = f.fanout[first-1]
	}
	end := f.fanout[first]
	if start == end {
		return 0, false
	}

	relIdx, ok := slices.BinarySearchFunc(
		f.oidTable[start:end],
		oid,
		func(a, b ids.GitOid) int { return bytes.Compare(a[:], b[:]) },
	)
	if !ok {
		return 0, false
	}
	return f.entries[int(start)+relIdx].offset, true
}

type largeOffsetEntry struct {
	objIdx   uint32
	largeIdx uint32
}

var (
	ErrNonMonotonicFanout = errors.New("idx corrupt: fan-out table not monotonic")
	ErrBadIdxChecksum     = errors.New("idx corrupt: checksum mismatch")
)

// parseIdx reads a Git pack index (v2) file. See the on-disk layout
// comments below; this follows Git's own idx-v2 format.
//
// Layout: 8-byte header (magic + version), 1024-byte fanout table,
// N*20-byte sorted object ids, N*4-byte CRC-32s, N*4-byte offsets, an
// optional large-offset table for packs over 2 GiB, then a 40-byte trailer
// (pack checksum + idx checksum).
func parseIdx(ix *mmap.ReaderAt) (*idxFile, error) {
	header := make([]byte, idxHeaderSz)
	if _, err := ix.ReadAt(header, 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(header[0:4], []byte{0xff, 0x74, 0x4f, 0x63}) {
		return nil, fmt.Errorf("unsupported idx version or v1 not handled")
	}
	if version := binary.BigEndian.Uint32(header[4:]); version != 2 {
		return nil, fmt.Errorf("unsupported idx version %d", version)
	}

	size := int64(ix.Len())
	if size < 8+256*4+ids.Size*2 {
		return nil, ErrBadIdxChecksum
	}

	fanoutData := make([]byte, fanoutSize)
	if _, err := ix.ReadAt(fanoutData, idxHeaderSz); err != nil {
		return nil, err
	}
	var fanout [fanoutEntries]uint32
	for i := range fanout {
		fanout[i] = binary.BigEndian.Uint32(fanoutData[i*4:])
	}
	for i := 1; i < fanoutEntries; i++ {
		if fanout[i] < fanout[i-1] {
			return nil, ErrNonMonotonicFanout
		}
	}

	objCount := fanout[255]
	if objCount == 0 {
		return &idxFile{fanout: fanout}, nil
	}
	if objCount > math.MaxUint32/ids.Size {
		return nil, fmt.Errorf("idx claims %d objects - impl refuses >%d", objCount, math.MaxUint32/ids.Size)
	}

	minSize := int64(idxHeaderSz) + 256*4 + int64(objCount)*(ids.Size+4+4) + ids.Size*2
	if size < minSize {
		return nil, ErrBadIdxChecksum
	}

	oidBase := int64(idxHeaderSz + fanoutSize)
	offBase := oidBase + int64(objCount)*ids.Size + int64(objCount)*crcSize

	allData := make([]byte, int64(objCount)*(ids.Size+crcSize+offsetSize))
	if _, err := ix.ReadAt(allData, oidBase); err != nil {
		return nil, err
	}
	oidData := allData[:int64(objCount)*ids.Size]
	crcData := allData[int64(objCount)*ids.Size : int64(objCount)*(ids.Size+crcSize)]
	offsetData := allData[int64(objCount)*(ids.Size+crcSize):]

	oids := make([]ids.GitOid, objCount)
	for i := range oids {
		copy(oids[i][:], oidData[i*ids.Size:])
	}

	crcs := make([]uint32, objCount)
	for i := range crcs {
		crcs[i] = binary.BigEndian.Uint32(crcData[i*4:])
	}

	entries := make([]idxEntry, objCount)
	var largeOffsetList []largeOffsetEntry
	var maxLargeIdx uint32

	for i := uint32(0); i < objCount; i++ {
		offset := binary.BigEndian.Uint32(offsetData[i*4:])
		entries[i].crc = crcs[i]
		if offset&0x80000000 == 0 {
			entries[i].offset = uint64(offset)
		} else {
			largeIdx := offset & 0x7fffffff
			largeOffsetList = append(largeOffsetList, largeOffsetEntry{i, largeIdx})
			if largeIdx > maxLargeIdx {
				maxLargeIdx = largeIdx
			}
		}
	}

	if len(largeOffsetList) > 0 {
		largeOffsetCount := maxLargeIdx + 1
		largeOffsetData := make([]byte, int64(largeOffsetCount)*largeOffSize)
		if _, err := ix.ReadAt(largeOffsetData, offBase+int64(objCount)*offsetSize); err != nil {
			return nil, err
		}
		largeOffsets := make([]uint64, largeOffsetCount)
		for i := range largeOffsets {
			off := i * largeOffSize
			if off+largeOffSize <= len(largeOffsetData) {
				largeOffsets[i] = binary.BigEndian.Uint64(largeOffsetData[off : off+largeOffSize])
			}
		}
		for _, e := range largeOffsetList {
			idx := e.largeIdx & 0x7fffffff
			if idx >= uint32(len(largeOffsets)) {
				return nil, fmt.Errorf("invalid large offset index %d", idx)
			}
			entries[e.objIdx].offset = largeOffsets[idx]
		}
	}

	byOff := make(map[uint64]idxEntry, objCount)
	offs := make([]uint64, objCount)
	for i, e := range entries {
		byOff[e.offset] = e
		offs[i] = e.offset
	}
	slices.Sort(offs)

	trailer := make([]byte, 2*ids.Size)
	if _, err := ix.ReadAt(trailer, size-2*ids.Size); err != nil {
		return nil, err
	}
	wantIdxSHA := trailer[ids.Size:]

	h := sha1.New()
	if _, err := io.Copy(h, io.NewSectionReader(ix, 0, size-int64(ids.Size))); err != nil {
		return nil, err
	}
	if !bytes.Equal(h.Sum(nil), wantIdxSHA) {
		return nil, ErrBadIdxChecksum
	}

	return &idxFile{
		fanout:        fanout,
		entries:       entries,
		oidTable:      oids,
		entriesByOff:  byOff,
		sortedOffsets: offs,
	}, nil
}

// openIdxFile memory-maps a *.pack/*.idx pair and parses the index, giving
// the ObjectStore driver random-access read-back of a previously finalized
// pack without loading the whole pack into process memory.
func openIdxFile(packPath, idxPath string) (*idxFile, error) {
	packMap, err := mmap.Open(packPath)
	if err != nil {
		return nil, fmt.Errorf("open pack %s: %w", packPath, err)
	}
	idxMap, err := mmap.Open(idxPath)
	if err != nil {
		_ = packMap.Close()
		return nil, fmt.Errorf("open idx %s: %w", idxPath, err)
	}

	f, err := parseIdx(idxMap)
	if err != nil {
		_ = packMap.Close()
		_ = idxMap.Close()
		return nil, fmt.Errorf("parse idx %s: %w", idxPath, err)
	}
	f.pack, f.idx = packMap, idxMap
	return f, nil
}

func (f *idxFile) Close() error {
	var firstErr error
	if f.pack != nil {
		if err := f.pack.Close(); err != nil {
			firstErr = err
		}
	}
	if f.idx != nil {
		if err := f.idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// readEntryAt decodes the object header (type + size varint) located at
// offset within the mapped pack and returns the type, the declared
// (uncompressed) size, and the offset of the first byte of compressed
// payload that follows the header.
func (f *idxFile) readEntryAt(offset uint64) (ObjectType, uint64, uint64, error) {
	const maxHeader = 32
	hdr := make([]byte, maxHeader)
	n, err := f.pack.ReadAt(hdr, int64(offset))
	if err != nil && n == 0 {
		return ObjBad, 0, 0, err
	}
	hdr = hdr[:n]
	if len(hdr) == 0 {
		return ObjBad, 0, 0, fmt.Errorf("truncated pack entry header at offset %d", offset)
	}

	b0 := hdr[0]
	typ := ObjectType((b0 >> 4) & 0x7)
	size := uint64(b0 & 0x0f)
	shift := uint(4)
	i := 1
	for b0&0x80 != 0 {
		if i >= len(hdr) {
			return ObjBad, 0, 0, fmt.Errorf("truncated pack entry header at offset %d", offset)
		}
		b0 = hdr[i]
		size |= uint64(b0&0x7f) << shift
		shift += 7
		i++
	}
	return typ, size, offset + uint64(i), nil
}

// readBaseRefAt reads the uncompressed delta-base reference that, for
// OBJ_OFS_DELTA/OBJ_REF_DELTA entries, sits between the object header and
// the zlib-compressed delta data: a 20-byte oid for ref-delta, or a
// variable-length negative offset for ofs-delta. It returns how many bytes
// the reference occupied so the caller can locate where compression
// begins.
func (f *idxFile) readBaseRefAt(typ ObjectType, offset uint64) (ids.GitOid, uint64, int, error) {
	buf := make([]byte, 20)
	if _, err := f.pack.ReadAt(buf, int64(offset)); err != nil {
		return ids.GitOid{}, 0, 0, fmt.Errorf("read delta base ref at %d: %w", offset, err)
	}
	oid, off, rest, err := parseDeltaHeader(typ, buf)
	if err != nil {
		return ids.GitOid{}, 0, 0, err
	}
	return oid, off, len(buf) - len(rest), nil
}

// readRawAt inflates the zlib-compressed payload starting at payloadOffset,
// returning exactly declaredSize bytes — the uncompressed delta instruction
// stream for a deltified entry, or the full object body otherwise.
func (f *idxFile) readRawAt(payloadOffset, declaredSize uint64) ([]byte, error) {
	sr := io.NewSectionReader(f.pack, int64(payloadOffset), int64(f.pack.Len())-int64(payloadOffset))
	zr, err := getZlibReader(sr)
	if err != nil {
		return nil, fmt.Errorf("inflate pack entry at %d: %w", payloadOffset, err)
	}
	defer putZlibReader(zr)

	out := make([]byte, declaredSize)
	if _, err := io.ReadFull(zr, out); err != nil {
		return nil, fmt.Errorf("inflate pack entry at %d: %w", payloadOffset, err)
	}
	return out, nil
}
