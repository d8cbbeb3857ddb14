// Package manifest reconstructs a Mercurial manifest revision into a Git
// tree and emits a commit that mirrors the manifest's own delta-parent
// structure.
package manifest

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"

	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
	"github.com/nullbridge/hg2git/internal/notes"
	"github.com/nullbridge/hg2git/internal/revchunk"
)

// ErrMalformedChunk signals a diff that doesn't land on manifest line
// boundaries.
var ErrMalformedChunk = fmt.Errorf("manifest: malformed manifest chunk")

// entry is one manifest mirror tree leaf: a file revision oid and its
// gitlink mode.
type entry struct {
	oid  ids.GitOid
	mode uint32
}

const (
	modeRegular = 0160644
	modeExec    = 0160755
	modeSymlink = 0160000
)

// Store implements ManifestStore. It holds the full previous manifest
// text in memory (the default text-rebuild strategy, §4.6.a) alongside an
// in-memory mirror of path → file entry used to build the Git tree.
type Store struct {
	objects *gitstore.Store
	hg2git  *notes.Tree
	check   bool

	prevText []byte
	prevTree ids.GitOid
	mirror   map[string]entry
}

// New creates a ManifestStore against the shared object store and the
// hg2git notes tree (also used by FileStore; a manifest node and a file
// node never collide because a driver never requests one kind for a key
// produced by the other). When check is true (CHECK_MANIFESTS), every
// Store call independently re-derives manifest text from the rebuilt
// mirror and diffs it against the text-rebuild strategy's own output.
func New(objects *gitstore.Store, hg2git *notes.Tree, check bool) *Store {
	return &Store{objects: objects, hg2git: hg2git, check: check, mirror: make(map[string]entry)}
}

// Store reconstructs the manifest revision described by rc and emits the
// corresponding Git commit, returning its oid.
func (s *Store) Store(rc *revchunk.RevChunk) (ids.GitOid, error) {
	newText, err := s.applyDiffs(rc.Diffs)
	if err != nil {
		return ids.GitOid{}, err
	}

	for _, d := range rc.Diffs {
		removeManifestLines(s.mirror, s.prevText[d.Start:d.End])
	}
	for _, d := range rc.Diffs {
		if err := addManifestLines(s.mirror, d.Data); err != nil {
			return ids.GitOid{}, err
		}
	}
	s.prevText = newText

	if s.check {
		if err := s.verifyRoundTrip(rc.Node, newText); err != nil {
			return ids.GitOid{}, err
		}
	}

	treeOID, err := s.buildTree()
	if err != nil {
		return ids.GitOid{}, fmt.Errorf("manifest: build tree: %w", err)
	}

	if s.check {
		if err := s.verifyTreeShape(rc.Node, treeOID); err != nil {
			return ids.GitOid{}, err
		}
	}
	s.prevTree = treeOID

	var parents []ids.GitOid
	for _, p := range []ids.HgOid{rc.Parent1, rc.Parent2} {
		if p.IsZero() {
			continue
		}
		oid, ok, err := s.hg2git.Get(notes.Key(p))
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("manifest: resolve parent %s: %w", p, err)
		}
		if !ok {
			return ids.GitOid{}, fmt.Errorf("manifest: parent %s not found in hg2git", p)
		}
		parents = append(parents, oid)
	}

	body := []byte(rc.Node.String())
	raw := gitstore.BuildCommit(treeOID, parents, " <cinnabar@git> 0 +0000", " <cinnabar@git> 0 +0000", body)
	commitOID, err := s.objects.StoreObject(gitstore.ObjCommit, raw, ids.GitOid{})
	if err != nil {
		return ids.GitOid{}, fmt.Errorf("manifest: store commit: %w", err)
	}
	s.hg2git.Put(notes.Key(rc.Node), commitOID)
	return commitOID, nil
}

// applyDiffs builds the new manifest text, validating that every diff
// boundary falls on a line boundary.
func (s *Store) applyDiffs(diffs []revchunk.Diff) ([]byte, error) {
	var out bytes.Buffer
	lastEnd := uint32(0)

	for _, d := range diffs {
		if d.End > uint32(len(s.prevText)) || d.Start < lastEnd || d.Start > d.End {
			return nil, ErrMalformedChunk
		}
		if !onLineBoundary(s.prevText, d.Start) || !onLineBoundary(s.prevText, d.End) {
			return nil, ErrMalformedChunk
		}
		out.Write(s.prevText[lastEnd:d.Start])
		out.Write(d.Data)
		lastEnd = d.End
	}
	out.Write(s.prevText[lastEnd:])
	return out.Bytes(), nil
}

func onLineBoundary(text []byte, offset uint32) bool {
	if offset == 0 {
		return true
	}
	if int(offset) > len(text) {
		return false
	}
	return text[offset-1] == '\n'
}

// removeManifestLines deletes every entry named in removed (a slice of
// complete "<path>\0<40hex><attr?>\n" lines) from mirror.
func removeManifestLines(mirror map[string]entry, removed []byte) {
	for _, line := range splitLines(removed) {
		path, _, _, err := parseManifestLine(line)
		if err != nil {
			continue
		}
		delete(mirror, path)
	}
}

// addManifestLines inserts or updates every entry named in added into
// mirror.
func addManifestLines(mirror map[string]entry, added []byte) error {
	for _, line := range splitLines(added) {
		path, oid, mode, err := parseManifestLine(line)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformedChunk, err)
		}
		mirror[path] = entry{oid: ids.GitOid(oid), mode: mode}
	}
	return nil
}

func splitLines(text []byte) [][]byte {
	if len(text) == 0 {
		return nil
	}
	lines := bytes.Split(bytes.TrimSuffix(text, []byte{'\n'}), []byte{'\n'})
	return lines
}

// parseManifestLine decodes one manifest text line: "<path>\0<40hex
// node><attr?>". attr is absent for a regular file, 'x' for executable,
// 'l' for a symlink.
func parseManifestLine(line []byte) (path string, oid ids.HgOid, mode uint32, err error) {
	nul := bytes.IndexByte(line, 0)
	if nul < 0 {
		return "", ids.HgOid{}, 0, fmt.Errorf("missing NUL separator")
	}
	path = string(line[:nul])
	rest := line[nul+1:]
	if len(rest) < ids.Size*2 {
		return "", ids.HgOid{}, 0, fmt.Errorf("truncated node hex")
	}
	oid, err = ids.ParseHgOid(string(rest[:ids.Size*2]))
	if err != nil {
		return "", ids.HgOid{}, 0, err
	}

	switch attr := rest[ids.Size*2:]; string(attr) {
	case "":
		mode = modeRegular
	case "x":
		mode = modeExec
	case "l":
		mode = modeSymlink
	default:
		return "", ids.HgOid{}, 0, fmt.Errorf("unknown manifest attr %q", attr)
	}
	return path, oid, mode, nil
}

// verifyRoundTrip independently re-renders manifest text from the current
// mirror (sorted by path, mirroring Mercurial's own on-disk manifest
// ordering) and diffs it against want, the text-rebuild strategy's own
// output for this revision. A mismatch means the diff-apply step and the
// mirror it feeds disagree about the revision's shape.
func (s *Store) verifyRoundTrip(node ids.HgOid, want []byte) error {
	got := renderManifestText(s.mirror)
	if bytes.Equal(got, want) {
		return nil
	}
	edits := myers.ComputeEdits(span.URIFromPath(""), string(want), string(got))
	unified := gotextdiff.ToUnified("text-rebuild", "tree-mirror", string(want), edits)
	return fmt.Errorf("manifest: round-trip mismatch for %s:\n%s", node, unified)
}

// verifyTreeShape cross-checks the text-rebuild strategy's tree output
// against gitstore.WalkTreeDiff's independent walk between the previous
// and the newly built tree: every path WalkTreeDiff reports as added or
// changed must also appear in the mirror with the oid/mode the new tree
// actually stored it under.
func (s *Store) verifyTreeShape(node ids.HgOid, treeOID ids.GitOid) error {
	return gitstore.WalkTreeDiff(s.objects.Trees(), s.prevTree, treeOID, "", func(path string, old, new ids.GitOid, mode uint32) error {
		want := strings.ReplaceAll(strings.TrimPrefix(path, "_"), "/_", "/")
		e, ok := s.mirror[want]
		if !ok {
			return fmt.Errorf("manifest: tree-shape mismatch for %s: %q changed in tree but absent from mirror", node, want)
		}
		if e.oid != new || e.mode != mode {
			return fmt.Errorf("manifest: tree-shape mismatch for %s: %q is %s/%o in tree, %s/%o in mirror", node, want, new, mode, e.oid, e.mode)
		}
		return nil
	})
}

// renderManifestText reconstructs the flat manifest text format from
// mirror, in the same name-sorted order Mercurial itself writes.
func renderManifestText(mirror map[string]entry) []byte {
	paths := make([]string, 0, len(mirror))
	for p := range mirror {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out bytes.Buffer
	for _, p := range paths {
		e := mirror[p]
		out.WriteString(p)
		out.WriteByte(0)
		out.WriteString(ids.HgOid(e.oid).String())
		switch e.mode {
		case modeExec:
			out.WriteByte('x')
		case modeSymlink:
			out.WriteByte('l')
		}
		out.WriteByte('\n')
	}
	return out.Bytes()
}

// buildTree serializes the current mirror into a nested Git tree, with
// every path component stored under an underscore-prefixed name — this
// keeps gitlink-mode manifest entries from colliding with real directory
// entries of the same name at any level of the tree.
func (s *Store) buildTree() (ids.GitOid, error) {
	type node struct {
		children map[string]*node
		leaf     *entry
	}
	root := &node{children: make(map[string]*node)}

	for path, e := range s.mirror {
		parts := strings.Split(path, "/")
		cur := root
		for i, p := range parts {
			name := "_" + p
			if i == len(parts)-1 {
				cur.children[name] = &node{leaf: &entry{oid: e.oid, mode: e.mode}}
				continue
			}
			child, ok := cur.children[name]
			if !ok {
				child = &node{children: make(map[string]*node)}
				cur.children[name] = child
			}
			cur = child
		}
	}

	var build func(n *node) (ids.GitOid, error)
	build = func(n *node) (ids.GitOid, error) {
		if len(n.children) == 0 {
			return gitstore.EmptyTreeOID, nil
		}
		entries := make([]gitstore.TreeEntry, 0, len(n.children))
		for name, child := range n.children {
			if child.leaf != nil {
				entries = append(entries, gitstore.TreeEntry{Name: name, OID: child.leaf.oid, Mode: child.leaf.mode})
				continue
			}
			childOID, err := build(child)
			if err != nil {
				return ids.GitOid{}, err
			}
			entries = append(entries, gitstore.TreeEntry{Name: name, OID: childOID, Mode: 040000})
		}
		return s.objects.StoreObject(gitstore.ObjTree, gitstore.BuildTree(entries), ids.GitOid{})
	}

	return build(root)
}
