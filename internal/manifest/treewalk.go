package manifest

import (
	"sort"

	"github.com/nullbridge/hg2git/internal/ids"
)

// lineLength returns the number of bytes path's manifest text line would
// occupy: "<path>\0<40-hex node><attr?>\n". It is expressed directly
// against the real path length rather than the underscore-prefixed
// tree-entry names buildTree derives from it — the two are equivalent
// since every underscore adds exactly the byte that the corresponding NUL
// or '/' separator would otherwise cost.
func lineLength(path string, mode uint32) int {
	attrLen := 0
	switch mode {
	case modeExec, modeSymlink:
		attrLen = 1
	}
	return len(path) + 1 + ids.Size*2 + attrLen + 1
}

// walkOffsets is the tree-walk strategy's (§4.6.b) substitute for slicing
// stored manifest text: it visits mirror's entries in the same
// name-sorted, depth-first order the flat manifest text was originally
// written in, and returns the byte offset each entry starts at. A caller
// can then translate a diff's [start, end) byte range into the set of
// paths it covers without ever holding the manifest's full text.
func walkOffsets(mirror map[string]entry) map[string]int {
	paths := make([]string, 0, len(mirror))
	for p := range mirror {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	offsets := make(map[string]int, len(paths))
	pos := 0
	for _, p := range paths {
		offsets[p] = pos
		pos += lineLength(p, mirror[p].mode)
	}
	return offsets
}

// pathsInRange returns the paths whose manifest text line falls entirely
// within [start, end), using the byte offsets computed by walkOffsets.
// The tree-walk strategy uses this in place of parsing a sliced-out chunk
// of stored text to decide which mirror entries a removal-diff deletes.
func pathsInRange(mirror map[string]entry, offsets map[string]int, start, end uint32) []string {
	var out []string
	for p, off := range offsets {
		lineEnd := off + lineLength(p, mirror[p].mode)
		if uint32(off) >= start && uint32(lineEnd) <= end {
			out = append(out, p)
		}
	}
	return out
}
