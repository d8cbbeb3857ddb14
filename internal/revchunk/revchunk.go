// Package revchunk decodes Mercurial revision chunks: one revision's
// header plus its sequence of byte-range diffs, as they appear inside a
// changegroup stream.
package revchunk

import (
	"encoding/binary"
	"fmt"

	"github.com/nullbridge/hg2git/internal/ids"
)

// Diff is one byte-range replacement: cached[start:end] is replaced by
// Data.
type Diff struct {
	Start, End uint32
	Data       []byte
}

// Chunk is a single decoded revision header plus its diff sequence, before
// the changegroup-version-specific delta parent has been resolved.
type Chunk struct {
	Node    ids.HgOid
	Parent1 ids.HgOid
	Parent2 ids.HgOid

	// field4 holds the fourth 20-byte header slot, whose meaning depends
	// on the changegroup version: a changeset/manifest linknode in v1, or
	// the explicit delta parent in v2. Sequence.Next resolves it.
	field4 ids.HgOid

	Diffs []Diff
}

const headerSize = ids.Size * 4
const diffPartHeaderSize = 4 + 4 + 4

// decode parses one chunk's raw bytes: the fixed 80-byte header followed
// by a back-to-back sequence of diff parts filling the rest of buf.
func decode(buf []byte) (*Chunk, error) {
	if len(buf) < headerSize {
		return nil, fmt.Errorf("revchunk: truncated header (%d bytes)", len(buf))
	}
	c := &Chunk{}
	copy(c.Node[:], buf[0:20])
	copy(c.Parent1[:], buf[20:40])
	copy(c.Parent2[:], buf[40:60])
	copy(c.field4[:], buf[60:80])

	rest := buf[headerSize:]
	for len(rest) > 0 {
		if len(rest) < diffPartHeaderSize {
			return nil, fmt.Errorf("revchunk: truncated diff part header")
		}
		start := binary.BigEndian.Uint32(rest[0:4])
		end := binary.BigEndian.Uint32(rest[4:8])
		length := binary.BigEndian.Uint32(rest[8:12])
		rest = rest[diffPartHeaderSize:]

		if uint64(length) > uint64(len(rest)) {
			return nil, fmt.Errorf("revchunk: diff part length %d exceeds remaining %d bytes", length, len(rest))
		}
		data := rest[:length]
		rest = rest[length:]

		c.Diffs = append(c.Diffs, Diff{Start: start, End: end, Data: data})
	}
	return c, nil
}

// Version selects a changegroup format, which changes how the delta
// parent of each revision is determined.
type Version int

const (
	// V1 chunks carry an implicit delta parent: the previous chunk's node
	// within the same section, or Parent1 for the section's first chunk.
	V1 Version = 1

	// V2 chunks carry the delta parent explicitly in the header's fourth
	// slot.
	V2 Version = 2
)

// RevChunk is one fully-resolved revision: a decoded Chunk plus its
// changegroup-version-resolved delta parent, ready for FileStore or
// ManifestStore to apply.
type RevChunk struct {
	Node      ids.HgOid
	Parent1   ids.HgOid
	Parent2   ids.HgOid
	DeltaNode ids.HgOid
	Diffs     []Diff
}

// Sequence decodes the successive revision chunks of one changegroup
// section (changesets, manifests, or one file's revisions), resolving
// each chunk's delta parent against the version's rules.
type Sequence struct {
	version  Version
	prevNode ids.HgOid
	started  bool
}

// NewSequence starts a fresh decode sequence for one section of a
// changegroup of the given version.
func NewSequence(version Version) *Sequence {
	return &Sequence{version: version}
}

// Next decodes the next chunk's raw bytes and resolves its delta parent.
func (s *Sequence) Next(buf []byte) (*RevChunk, error) {
	c, err := decode(buf)
	if err != nil {
		return nil, err
	}

	var deltaNode ids.HgOid
	switch s.version {
	case V2:
		deltaNode = c.field4
	case V1:
		if !s.started {
			deltaNode = c.Parent1
		} else {
			deltaNode = s.prevNode
		}
	default:
		return nil, fmt.Errorf("revchunk: unsupported changegroup version %d", s.version)
	}

	s.prevNode = c.Node
	s.started = true

	return &RevChunk{
		Node:      c.Node,
		Parent1:   c.Parent1,
		Parent2:   c.Parent2,
		DeltaNode: deltaNode,
		Diffs:     c.Diffs,
	}, nil
}

// DecodeStandalone decodes a single chunk outside of any changegroup
// section, with its delta parent given directly rather than derived from
// the chunk header — the `store file <delta-node-sha> <length>` / `store
// manifest <delta-node-sha> <length>` single-object commands use this in
// place of the v2 header field or the v1 previous-chunk rule.
func DecodeStandalone(buf []byte, deltaNode ids.HgOid) (*RevChunk, error) {
	c, err := decode(buf)
	if err != nil {
		return nil, err
	}
	return &RevChunk{
		Node:      c.Node,
		Parent1:   c.Parent1,
		Parent2:   c.Parent2,
		DeltaNode: deltaNode,
		Diffs:     c.Diffs,
	}, nil
}

// DecodeCG2 decodes a single cg2-framed chunk outside of any changegroup
// section, resolving the delta parent from the header's explicit fourth
// slot exactly as Sequence does for V2.
func DecodeCG2(buf []byte) (*RevChunk, error) {
	c, err := decode(buf)
	if err != nil {
		return nil, err
	}
	return &RevChunk{
		Node:      c.Node,
		Parent1:   c.Parent1,
		Parent2:   c.Parent2,
		DeltaNode: c.field4,
		Diffs:     c.Diffs,
	}, nil
}
