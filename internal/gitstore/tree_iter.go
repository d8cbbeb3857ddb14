// tree_iter.go
//
// Forward iterator over a raw Git tree object, for a caller that wants to
// stream entries without materializing a *Tree. Next allocates each
// entry's name string.
package gitstore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/nullbridge/hg2git/internal/ids"
)

// TreeIter iterates the entries of a raw Git tree object in place.
type TreeIter struct {
	rest []byte
}

// NewTreeIter wraps raw tree-object bytes for iteration.
func NewTreeIter(raw []byte) *TreeIter { return &TreeIter{rest: raw} }

// Next parses and returns the next entry. When ok is false the iterator is
// exhausted and err is io.EOF; any other error indicates a malformed tree.
func (it *TreeIter) Next() (name string, oid ids.GitOid, mode uint32, ok bool, err error) {
	if len(it.rest) == 0 {
		return "", ids.GitOid{}, 0, false, io.EOF
	}
	if len(it.rest) < 24 {
		return "", ids.GitOid{}, 0, false, fmt.Errorf(
			"%w: insufficient data for tree entry (%d bytes)", ErrCorruptTree, len(it.rest))
	}

	sp := bytes.IndexByte(it.rest, ' ')
	if sp < 0 {
		return "", ids.GitOid{}, 0, false, fmt.Errorf("%w: no space after mode", ErrCorruptTree)
	}
	for _, b := range it.rest[:sp] {
		if b < '0' || b > '7' {
			return "", ids.GitOid{}, 0, false, fmt.Errorf(
				"%w: invalid octal digit %q in mode", ErrCorruptTree, b)
		}
		mode = mode<<3 | uint32(b-'0')
	}
	it.rest = it.rest[sp+1:]

	nul := bytes.IndexByte(it.rest, 0)
	if nul < 0 {
		return "", ids.GitOid{}, 0, false, fmt.Errorf("%w: no null terminator after filename", ErrCorruptTree)
	}
	name = string(it.rest[:nul])
	it.rest = it.rest[nul+1:]

	if len(it.rest) < ids.Size {
		return "", ids.GitOid{}, 0, false, fmt.Errorf(
			"%w: insufficient bytes for oid (%d < %d), name=%q", ErrCorruptTree, len(it.rest), ids.Size, name)
	}
	copy(oid[:], it.rest[:ids.Size])
	it.rest = it.rest[ids.Size:]

	return name, oid, mode, true, nil
}
