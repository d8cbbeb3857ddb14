// tree.go – parse and build Git tree objects.
package gitstore

import (
	"bytes"
	"errors"
	"sort"
	"strconv"

	"github.com/nullbridge/hg2git/internal/ids"
)

var (
	ErrCorruptTree  = errors.New("corrupt tree object")
	ErrTypeMismatch = errors.New("unexpected object type")
	ErrTreeNotFound = errors.New("tree object not found")
)

// TreeEntry represents a single "<mode> <name>\0<sha1>" record inside a Git
// tree object.
type TreeEntry struct {
	// OID is the raw object id the entry points to. For gitlink-mode
	// entries this need not be a real Git object.
	OID ids.GitOid

	// Name is the entry's single path component.
	Name string

	// Mode is the Unix file mode in Git's canonical octal form
	// (e.g. 0100644 for a regular file, 040000 for a directory,
	// 0160000 for a gitlink).
	Mode uint32
}

const dirMode = 040000

// indexThreshold: above this many entries, Tree also builds a name→entry
// map for O(1) look-ups.
const indexThreshold = 256

// Tree is an immutable, in-memory view of a Git tree object's entries, kept
// in the ascending Git sort order (directories compare as though a trailing
// "/" were appended to their name; gitlink entries do not).
type Tree struct {
	sortedEntries []TreeEntry
	index         map[string]uint32
}

// ParseTree decodes a raw Git tree object payload.
func ParseTree(raw []byte) (*Tree, error) {
	var out []TreeEntry
	prevKey := ""

	for len(raw) > 0 {
		sp := bytes.IndexByte(raw, ' ')
		if sp < 0 {
			return nil, ErrCorruptTree
		}
		var mode uint32
		for _, b := range raw[:sp] {
			if b < '0' || b > '7' {
				return nil, ErrCorruptTree
			}
			mode = mode<<3 | uint32(b-'0')
		}
		raw = raw[sp+1:]

		nul := bytes.IndexByte(raw, 0)
		if nul < 0 {
			return nil, ErrCorruptTree
		}
		name := string(raw[:nul])
		raw = raw[nul+1:]

		key := sortKey(name, mode)
		if key <= prevKey {
			return nil, ErrCorruptTree
		}
		prevKey = key

		if len(raw) < ids.Size {
			return nil, ErrCorruptTree
		}
		var h ids.GitOid
		copy(h[:], raw[:ids.Size])
		raw = raw[ids.Size:]

		out = append(out, TreeEntry{OID: h, Name: name, Mode: mode})
	}

	t := &Tree{sortedEntries: out}
	if len(out) > indexThreshold {
		m := make(map[string]uint32, len(out))
		for i, e := range out {
			m[e.Name] = uint32(i)
		}
		t.index = m
	}
	return t, nil
}

// Entries returns the tree's entries in canonical sort order. Callers must
// not mutate the returned slice.
func (t *Tree) Entries() []TreeEntry { return t.sortedEntries }

// Get returns the entry with the given name, if present.
func (t *Tree) Get(name string) (TreeEntry, bool) {
	if t.index != nil {
		if i, ok := t.index[name]; ok {
			return t.sortedEntries[i], true
		}
		return TreeEntry{}, false
	}
	for _, e := range t.sortedEntries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

// sortKey returns the byte sequence Git actually sorts tree entries by:
// directory entries compare as though their name carried a trailing "/".
// Gitlink entries (mode 0160000) are excluded from that rule — Git only
// applies it to real (040000) subtrees.
func sortKey(name string, mode uint32) string {
	if mode&^0007 == dirMode {
		return name + "/"
	}
	return name
}

// BuildTree serializes entries into the canonical Git tree object payload,
// sorting them into Git's tree order first. entries is not mutated.
func BuildTree(entries []TreeEntry) []byte {
	sorted := make([]TreeEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		return sortKey(sorted[i].Name, sorted[i].Mode) < sortKey(sorted[j].Name, sorted[j].Mode)
	})

	var buf bytes.Buffer
	for _, e := range sorted {
		buf.WriteString(strconv.FormatUint(uint64(e.Mode), 8))
		buf.WriteByte(' ')
		buf.WriteString(e.Name)
		buf.WriteByte(0)
		buf.Write(e.OID[:])
	}
	return buf.Bytes()
}
