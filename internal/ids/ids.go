// Package ids defines the two 20-byte identifier spaces the ingestion core
// operates on: Mercurial node ids and Git object ids. They are never
// interchangeable, even though both happen to be 20-byte hashes — every
// conversion between them is an explicit lookup through the hg2git notes
// tree (see package notes).
package ids

import (
	"encoding/hex"
	"fmt"
	"unsafe"
)

// Size is the byte width of both identifier spaces.
const Size = 20

// HgOid is a Mercurial revlog node id: the content hash of a changeset,
// manifest, or file revision entry.
type HgOid [Size]byte

// GitOid is a Git object hash (SHA-1).
type GitOid [Size]byte

// IsZero reports whether h is the all-zero sentinel, used throughout the
// Mercurial wire format to mean "no parent"/"no delta base".
func (h HgOid) IsZero() bool { return h == HgOid{} }

// IsZero reports whether g is the all-zero sentinel, used as the canonical
// empty-tree/empty-parent marker.
func (g GitOid) IsZero() bool { return g == GitOid{} }

func (h HgOid) String() string { return hex.EncodeToString(h[:]) }
func (g GitOid) String() string { return hex.EncodeToString(g[:]) }

// Uint64 returns the first eight bytes of h reinterpreted as a
// implementation-native uint64, for use as a fast map-shortcut key. The
// value must never be persisted or treated as a portable identifier.
func (h HgOid) Uint64() uint64 { return *(*uint64)(unsafe.Pointer(&h[0])) }

// Uint64 returns the first eight bytes of g reinterpreted as a
// implementation-native uint64. See HgOid.Uint64 for the same caveat.
func (g GitOid) Uint64() uint64 { return *(*uint64)(unsafe.Pointer(&g[0])) }

// ParseHgOid decodes a 40-character hex string into a HgOid.
func ParseHgOid(s string) (HgOid, error) {
	var h HgOid
	if err := parseInto(h[:], s); err != nil {
		return HgOid{}, err
	}
	return h, nil
}

// ParseGitOid decodes a 40-character hex string into a GitOid.
func ParseGitOid(s string) (GitOid, error) {
	var g GitOid
	if err := parseInto(g[:], s); err != nil {
		return GitOid{}, err
	}
	return g, nil
}

func parseInto(dst []byte, s string) error {
	if len(s) != 2*Size {
		return fmt.Errorf("invalid sha: want %d hex chars, got %d", 2*Size, len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid sha %q: %w", s, err)
	}
	copy(dst, b)
	return nil
}
