package gitstore

import (
	"bytes"
	"compress/zlib"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/nullbridge/hg2git/internal/ids"
)

// EmptyBlobOID and EmptyTreeOID are the well-known object ids of the empty
// blob and empty tree, present in virtually every Git repository and used
// throughout the importer as sentinels (an empty file revision, a manifest
// with no entries).
var (
	EmptyBlobOID = mustHashObject(ObjBlob, nil)
	EmptyTreeOID = mustHashObject(ObjTree, nil)
)

// packMagic/packVersion are Git's pack-file signature and format version;
// packHeaderSize is the fixed width of the header they make up together
// with the trailing 4-byte object count.
const (
	packMagic      = "PACK"
	packVersion    = 2
	packHeaderSize = 12
)

// encodePackHeader builds the 12-byte signature/version/count header that
// must precede every object in a pack file.
func encodePackHeader(count uint32) []byte {
	buf := make([]byte, packHeaderSize)
	copy(buf, packMagic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(packVersion))
	binary.BigEndian.PutUint32(buf[8:12], count)
	return buf
}

func mustHashObject(t ObjectType, data []byte) ids.GitOid {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", t.String(), len(data))
	h.Write(data)
	var oid ids.GitOid
	copy(oid[:], h.Sum(nil))
	return oid
}

// packEntry records where one object lives inside the pack currently being
// written: its header offset, its type, and — for ref-deltified entries —
// the base it was encoded against.
type packEntry struct {
	offset uint64
	typ    ObjectType
	crc    uint32

	baseOID ids.GitOid // set when the entry was written as a ref-delta; typ stays the object's own type
}

// Store is the ObjectStore driver: it writes newly-minted objects into one
// growing packfile via PackWindow, and reads back objects from that pack
// or from any number of older, already-finalized packs discovered at
// start-up.
type Store struct {
	mu sync.RWMutex

	pack   *PackWindow
	packF  *os.File
	outDir string

	byOID    map[ids.GitOid]*packEntry
	older    []*idxFile
	maxDelta int

	trees *TreeCache
	cache *objectCache
}

// Config bundles the knobs the orchestrator exposes for the ObjectStore
// driver.
type Config struct {
	// OutDir is the directory the in-progress pack is written into.
	OutDir string
	// WindowSize is the PackWindow tail-buffer size in bytes.
	WindowSize int
	// MaxDeltaDepth bounds how long a resolved delta chain may be before
	// find_object gives up (circular-reference / corruption guard).
	MaxDeltaDepth int
}

// Open starts a new in-progress pack under cfg.OutDir and indexes any
// existing *.pack/*.idx pairs already present there as the read-only
// fallback layer.
func Open(cfg Config) (*Store, error) {
	if cfg.MaxDeltaDepth <= 0 {
		cfg.MaxDeltaDepth = 50
	}
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return nil, fmt.Errorf("gitstore: create out dir: %w", err)
	}

	packPath := filepath.Join(cfg.OutDir, "in-progress.pack")
	f, err := os.OpenFile(packPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("gitstore: create pack: %w", err)
	}

	s := &Store{
		packF:    f,
		outDir:   cfg.OutDir,
		byOID:    make(map[ids.GitOid]*packEntry),
		maxDelta: cfg.MaxDeltaDepth,
	}
	s.pack = NewPackWindow(f, cfg.WindowSize, packHeaderSize)
	if err := s.pack.WriteHeader(encodePackHeader(0)); err != nil {
		return nil, fmt.Errorf("gitstore: write pack header: %w", err)
	}
	s.trees = NewTreeCache(s)
	s.cache = newObjectCache(defaultObjectCacheSize)

	entries, err := os.ReadDir(cfg.OutDir)
	if err != nil {
		return nil, fmt.Errorf("gitstore: scan out dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".idx" {
			continue
		}
		base := e.Name()[:len(e.Name())-len(".idx")]
		idxPath := filepath.Join(cfg.OutDir, e.Name())
		packPath := filepath.Join(cfg.OutDir, base+".pack")
		idx, err := openIdxFile(packPath, idxPath)
		if err != nil {
			return nil, fmt.Errorf("gitstore: open finalized pack %s: %w", base, err)
		}
		s.older = append(s.older, idx)
	}

	return s, nil
}

// Trees returns the store's shared tree-object cache.
func (s *Store) Trees() *TreeCache { return s.trees }

// EnsureEmptyBlob guarantees the empty blob is present in the object
// store, storing it on first call. Nearly every hg file revision's initial
// delta is "insert everything into the empty file", so this sentinel is
// touched constantly.
func (s *Store) EnsureEmptyBlob() (ids.GitOid, error) {
	if _, _, err := s.Get(EmptyBlobOID); err == nil {
		return EmptyBlobOID, nil
	}
	return s.StoreObject(ObjBlob, nil, ids.GitOid{})
}

// StoreObject writes data (of the given type) into the pack. If ref is
// non-zero and already present in the store, data is encoded as an
// OBJ_REF_DELTA against it; otherwise it is stored as a full object. The
// returned oid is data's canonical Git object id regardless of which
// on-disk representation was chosen.
func (s *Store) StoreObject(t ObjectType, data []byte, ref ids.GitOid) (ids.GitOid, error) {
	oid := mustHashObject(t, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byOID[oid]; ok {
		return oid, nil
	}

	payloadType := t
	payload := data
	var baseOID ids.GitOid

	if !ref.IsZero() {
		if base, baseType, err := s.getLocked(ref, newDeltaContext(s.maxDelta)); err == nil && baseType == t {
			payload = encodeCopyOnlyDelta(base, data)
			payloadType = ObjRefDelta
			baseOID = ref
		}
	}

	offset := s.pack.Offset()
	header := encodeObjectHeader(payloadType, uint64(len(payload)))

	crc := crc32.NewIEEE()
	crc.Write(header)
	if _, err := s.pack.Write(header); err != nil {
		return ids.GitOid{}, fmt.Errorf("gitstore: write object header: %w", err)
	}
	if payloadType == ObjRefDelta {
		crc.Write(baseOID[:])
		if _, err := s.pack.Write(baseOID[:]); err != nil {
			return ids.GitOid{}, fmt.Errorf("gitstore: write delta base: %w", err)
		}
	}

	var buf bytes.Buffer
	zw := getZlibWriter(&buf)
	if _, err := zw.Write(payload); err != nil {
		putZlibWriter(zw)
		return ids.GitOid{}, fmt.Errorf("gitstore: compress object %s: %w", oid, err)
	}
	if err := zw.Close(); err != nil {
		putZlibWriter(zw)
		return ids.GitOid{}, fmt.Errorf("gitstore: finalize compressed object %s: %w", oid, err)
	}
	putZlibWriter(zw)

	crc.Write(buf.Bytes())
	if _, err := s.pack.Write(buf.Bytes()); err != nil {
		return ids.GitOid{}, fmt.Errorf("gitstore: write object body: %w", err)
	}

	s.byOID[oid] = &packEntry{
		offset:  offset,
		typ:     t,
		baseOID: baseOID,
		crc:     crc.Sum32(),
	}
	s.cache.put(oid, t, data)
	return oid, nil
}

// Get resolves oid to its materialized object bytes and type, checking the
// in-progress pack first (new objects take priority over anything an
// older pack might also claim to hold) and falling back to the finalized
// packs discovered at Open.
func (s *Store) Get(oid ids.GitOid) ([]byte, ObjectType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(oid, newDeltaContext(s.maxDelta))
}

// getLocked resolves oid under the given delta-resolution context, so a
// ref-delta hop that crosses from one pack into another still shares the
// same depth counter and visited set as the chain it's continuing.
func (s *Store) getLocked(oid ids.GitOid, ctx *deltaContext) ([]byte, ObjectType, error) {
	if oid == EmptyTreeOID {
		return nil, ObjTree, nil
	}
	if data, typ, ok := s.cache.get(oid); ok {
		return data, typ, nil
	}

	if e, ok := s.byOID[oid]; ok {
		data, typ, err := s.readInProgress(e, ctx)
		if err == nil {
			s.cache.put(oid, typ, data)
		}
		return data, typ, err
	}

	for _, idx := range s.older {
		if off, found := idx.findObject(oid); found {
			data, typ, err := s.readFinalized(idx, off, ctx)
			if err == nil {
				s.cache.put(oid, typ, data)
			}
			return data, typ, err
		}
	}
	return nil, ObjBad, fmt.Errorf("gitstore: object %s not found", oid)
}

// readInProgress re-reads an entry's header to find the exact byte where
// its compressed payload starts — the header length isn't cached because
// it varies with the (possibly delta-adjusted) size that got written —
// then materializes it, resolving one level of ref-delta if present.
func (s *Store) readInProgress(e *packEntry, ctx *deltaContext) ([]byte, ObjectType, error) {
	hdrBuf := make([]byte, 32)
	if rerr := s.pack.ReadAt(hdrBuf, e.offset); rerr != nil {
		return nil, ObjBad, fmt.Errorf("gitstore: read header at %d: %w", e.offset, rerr)
	}
	wireType, _, hdrLen := decodeObjectHeader(hdrBuf)
	bodyOffset := e.offset + uint64(hdrLen)

	if wireType == ObjRefDelta {
		baseBuf := make([]byte, ids.Size)
		if rerr := s.pack.ReadAt(baseBuf, bodyOffset); rerr != nil {
			return nil, ObjBad, fmt.Errorf("gitstore: read delta base at %d: %w", bodyOffset, rerr)
		}
		var base ids.GitOid
		copy(base[:], baseBuf)
		bodyOffset += ids.Size

		if err := ctx.checkRefDelta(base); err != nil {
			return nil, ObjBad, err
		}
		ctx.enterRefDelta(base)
		defer ctx.exit()

		baseData, baseType, err := s.getLocked(base, ctx)
		if err != nil {
			return nil, ObjBad, err
		}
		delta, err := s.inflateTail(bodyOffset)
		if err != nil {
			return nil, ObjBad, err
		}
		out := applyDelta(baseData, delta)
		if out == nil {
			return nil, ObjBad, fmt.Errorf("gitstore: malformed delta for object at %d", e.offset)
		}
		return out, baseType, nil
	}

	raw, err := s.inflateTail(bodyOffset)
	if err != nil {
		return nil, ObjBad, err
	}
	return raw, e.typ, nil
}

// inflateTail decompresses a zlib stream that starts at offset within the
// pack window, reading through PackWindow.ReadAt so still-buffered bytes
// are visible.
func (s *Store) inflateTail(offset uint64) ([]byte, error) {
	r := &packWindowReader{w: s.pack, off: offset}
	zr, err := zlib.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("gitstore: inflate at %d: %w", offset, err)
	}
	defer zr.Close()

	var out bytes.Buffer
	buf := make([]byte, 32<<10)
	for {
		n, rerr := zr.Read(buf)
		if n > 0 {
			out.Write(buf[:n])
		}
		if rerr != nil {
			break
		}
	}
	return out.Bytes(), nil
}

// packWindowReader adapts PackWindow's random-access ReadAt into a
// sequential io.Reader starting at a fixed offset, for zlib.NewReader.
type packWindowReader struct {
	w   *PackWindow
	off uint64
}

func (r *packWindowReader) Read(p []byte) (int, error) {
	avail := r.w.Offset() - r.off
	if avail == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > avail {
		p = p[:avail]
	}
	if err := r.w.ReadAt(p, r.off); err != nil {
		return 0, err
	}
	r.off += uint64(len(p))
	return len(p), nil
}

func (s *Store) readFinalized(idx *idxFile, offset uint64, ctx *deltaContext) ([]byte, ObjectType, error) {
	typ, size, bodyOffset, err := idx.readEntryAt(offset)
	if err != nil {
		return nil, ObjBad, err
	}

	switch typ {
	case ObjOfsDelta, ObjRefDelta:
		if err := ctx.checkOfsDelta(idx, offset); err != nil {
			return nil, ObjBad, err
		}
		ctx.enterOfsDelta(idx, offset)
		defer ctx.exit()

		baseOID, baseOff, refLen, err := idx.readBaseRefAt(typ, bodyOffset)
		if err != nil {
			return nil, ObjBad, err
		}
		instr, err := idx.readRawAt(bodyOffset+uint64(refLen), size)
		if err != nil {
			return nil, ObjBad, err
		}

		var baseData []byte
		var baseType ObjectType
		if typ == ObjOfsDelta {
			baseData, baseType, err = s.readFinalized(idx, offset-baseOff, ctx)
		} else {
			baseData, baseType, err = s.getLocked(baseOID, ctx)
		}
		if err != nil {
			return nil, ObjBad, err
		}

		out := applyDelta(baseData, instr)
		if out == nil {
			return nil, ObjBad, fmt.Errorf("gitstore: malformed delta at offset %d", offset)
		}
		return out, baseType, nil
	default:
		raw, err := idx.readRawAt(bodyOffset, size)
		if err != nil {
			return nil, ObjBad, err
		}
		return raw, typ, nil
	}
}

// Finish flushes the in-progress pack, writes its matching pack-index,
// and renames both into place under the pack's own sha1 checksum — Git's
// usual pack-<sha1>.pack / pack-<sha1>.idx naming — returning that
// checksum.
func (s *Store) Finish() (ids.GitOid, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pack.WriteHeader(encodePackHeader(uint32(len(s.byOID)))); err != nil {
		return ids.GitOid{}, fmt.Errorf("gitstore: patch pack header: %w", err)
	}

	sum, err := s.pack.Finish()
	if err != nil {
		return ids.GitOid{}, err
	}
	var oid ids.GitOid
	copy(oid[:], sum)

	if len(s.byOID) == 0 {
		return oid, nil
	}

	if err := s.writeIdx(oid); err != nil {
		return ids.GitOid{}, err
	}

	stem := "pack-" + hex.EncodeToString(oid[:])
	oldPack := filepath.Join(s.outDir, "in-progress.pack")
	newPack := filepath.Join(s.outDir, stem+".pack")
	if err := os.Rename(oldPack, newPack); err != nil {
		return ids.GitOid{}, fmt.Errorf("gitstore: rename pack into place: %w", err)
	}
	return oid, nil
}

// writeIdx builds a v2 pack-index for the objects just written into the
// in-progress pack and writes it to pack-<packSHA>.idx.
func (s *Store) writeIdx(packSHA ids.GitOid) error {
	oids := make([]ids.GitOid, 0, len(s.byOID))
	for oid := range s.byOID {
		oids = append(oids, oid)
	}
	slices.SortFunc(oids, func(a, b ids.GitOid) int { return bytes.Compare(a[:], b[:]) })

	var fanout [fanoutEntries]uint32
	for _, oid := range oids {
		for b := int(oid[0]); b < fanoutEntries; b++ {
			fanout[b]++
		}
	}

	var body bytes.Buffer
	body.Write([]byte{0xff, 0x74, 0x4f, 0x63})
	binary.Write(&body, binary.BigEndian, uint32(2))
	for _, c := range fanout {
		binary.Write(&body, binary.BigEndian, c)
	}
	for _, oid := range oids {
		body.Write(oid[:])
	}
	for _, oid := range oids {
		binary.Write(&body, binary.BigEndian, s.byOID[oid].crc)
	}

	var largeOffsets []uint64
	for _, oid := range oids {
		// s.byOID stores header-relative offsets (PackWindow.Offset's
		// coordinate space); the idx must record real file offsets, which
		// start packHeaderSize bytes further in.
		off := s.byOID[oid].offset + packHeaderSize
		if off <= 0x7fffffff {
			binary.Write(&body, binary.BigEndian, uint32(off))
		} else {
			binary.Write(&body, binary.BigEndian, uint32(0x80000000|uint32(len(largeOffsets))))
			largeOffsets = append(largeOffsets, off)
		}
	}
	for _, off := range largeOffsets {
		binary.Write(&body, binary.BigEndian, off)
	}

	body.Write(packSHA[:])

	h := sha1.New()
	h.Write(body.Bytes())
	body.Write(h.Sum(nil))

	stem := "pack-" + hex.EncodeToString(packSHA[:])
	idxPath := filepath.Join(s.outDir, stem+".idx")
	if err := os.WriteFile(idxPath, body.Bytes(), 0o644); err != nil {
		return fmt.Errorf("gitstore: write idx: %w", err)
	}
	return nil
}

// Close releases the finalized packs' memory mappings.
func (s *Store) Close() error {
	var firstErr error
	for _, idx := range s.older {
		if err := idx.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.packF.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// encodeObjectHeader builds the variable-length "type + size" header that
// precedes every pack entry's compressed payload.
func encodeObjectHeader(t ObjectType, size uint64) []byte {
	b0 := byte(t&0x7) << 4
	b0 |= byte(size & 0x0f)
	size >>= 4

	out := []byte{}
	for size > 0 {
		out = append(out, b0|0x80)
		b0 = byte(size & 0x7f)
		size >>= 7
	}
	out = append(out, b0)
	return out
}

// decodeObjectHeader is the inverse of encodeObjectHeader, also returning
// the number of header bytes consumed.
func decodeObjectHeader(buf []byte) (ObjectType, uint64, int) {
	if len(buf) == 0 {
		return ObjBad, 0, 0
	}
	b0 := buf[0]
	typ := ObjectType((b0 >> 4) & 0x7)
	size := uint64(b0 & 0x0f)
	shift := uint(4)
	i := 1
	for b0&0x80 != 0 {
		if i >= len(buf) {
			return ObjBad, 0, i
		}
		b0 = buf[i]
		size |= uint64(b0&0x7f) << shift
		shift += 7
		i++
	}
	return typ, size, i
}
