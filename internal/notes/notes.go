// Package notes implements the NotesTree pair: two persistent key→oid
// maps, hg2git and git2hg, each stored as a fanned-out Git tree of trees
// keyed by the leading hex digits of a 20-byte key.
package notes

import (
	"encoding/hex"
	"fmt"
	"sort"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
)

// Key is a 20-byte notes-tree key — an HgOid for hg2git/files_meta, a
// GitOid for git2hg. Both id types convert directly to Key since they
// share the same underlying array shape.
type Key [ids.Size]byte

func (k Key) String() string { return hex.EncodeToString(k[:]) }

// fanoutWidth is the number of leading hex digits used as the first-level
// directory name; the remaining 38 hex digits of the key become the leaf
// entry's name within that directory.
const fanoutWidth = 2

// dirCacheSize bounds the number of decoded fanout directories kept
// around across Get calls within one changegroup — small because a
// session typically hammers a handful of hot prefixes (recent nodes
// cluster in a few leading bytes) rather than sweeping the whole keyspace.
const dirCacheSize = 64

// ValueMode is the Git tree-entry mode notes values are stored under.
// hg2git uses GitlinkMode so that a Mercurial node can map to a value
// that isn't a real Git object; git2hg and files_meta use RegularMode
// because their values are always oids of real metadata blobs.
type ValueMode uint32

const (
	RegularMode ValueMode = 0100644
	GitlinkMode ValueMode = 0160000
)

// dirContents is one fanout directory's decoded leaf map (38-hex suffix →
// value oid), plus the oid it was last read from. Flush decides which
// directories to rewrite from dirtyDirs and does not read baseOID.
type dirContents struct {
	baseOID ids.GitOid
	leaves  map[string]ids.GitOid
}

// Tree is one notes-tree instance: lazily loaded per fanout directory on
// first access, with writes buffered in an overlay until Flush rebuilds
// only the directories that actually changed.
type Tree struct {
	store *gitstore.Store
	mode  ValueMode

	root ids.GitOid
	dirs *lru.Cache[string, *dirContents]

	overlayPut map[Key]ids.GitOid
	overlayDel map[Key]bool
	dirtyDirs  map[string]bool
}

// New creates an unloaded notes tree backed by store, with values recorded
// under the given Git tree-entry mode.
func New(store *gitstore.Store, mode ValueMode) *Tree {
	c, _ := lru.New[string, *dirContents](dirCacheSize)
	return &Tree{
		store:      store,
		mode:       mode,
		dirs:       c,
		overlayPut: make(map[Key]ids.GitOid),
		overlayDel: make(map[Key]bool),
		dirtyDirs:  make(map[string]bool),
	}
}

// Reset reinitializes the tree to mirror root — called when the driver
// issues a reset+commit against one of the sentinel metadata refs to
// import preexisting state.
func (t *Tree) Reset(root ids.GitOid) {
	t.root = root
	t.dirs.Purge()
	t.overlayPut = make(map[Key]ids.GitOid)
	t.overlayDel = make(map[Key]bool)
	t.dirtyDirs = make(map[string]bool)
}

func (t *Tree) loadDir(dirHex string) (*dirContents, error) {
	if dc, ok := t.dirs.Get(dirHex); ok {
		return dc, nil
	}

	dc := &dirContents{leaves: make(map[string]ids.GitOid)}
	if !t.root.IsZero() {
		rootTree, err := t.store.Trees().Get(t.root)
		if err != nil {
			return nil, fmt.Errorf("notes: load root %s: %w", t.root, err)
		}
		if entry, ok := rootTree.Get(dirHex); ok {
			dc.baseOID = entry.OID
			dirTree, err := t.store.Trees().Get(entry.OID)
			if err != nil {
				return nil, fmt.Errorf("notes: load fanout dir %s: %w", dirHex, err)
			}
			for _, leaf := range dirTree.Entries() {
				dc.leaves[leaf.Name] = leaf.OID
			}
		}
	}
	t.dirs.Add(dirHex, dc)
	return dc, nil
}

func splitKey(key Key) (dirHex, leafHex string) {
	full := key.String()
	return full[:fanoutWidth], full[fanoutWidth:]
}

// Get returns the oid stored under key, if any.
func (t *Tree) Get(key Key) (ids.GitOid, bool, error) {
	if t.overlayDel[key] {
		return ids.GitOid{}, false, nil
	}
	if v, ok := t.overlayPut[key]; ok {
		return v, true, nil
	}

	dirHex, leafHex := splitKey(key)
	dc, err := t.loadDir(dirHex)
	if err != nil {
		return ids.GitOid{}, false, err
	}
	v, ok := dc.leaves[leafHex]
	return v, ok, nil
}

// Put records value under key, marking its fanout directory dirty so the
// next Flush rebuilds it.
func (t *Tree) Put(key Key, value ids.GitOid) {
	delete(t.overlayDel, key)
	t.overlayPut[key] = value
	dirHex, _ := splitKey(key)
	t.dirtyDirs[dirHex] = true
}

// Remove deletes key, if present.
func (t *Tree) Remove(key Key) {
	delete(t.overlayPut, key)
	t.overlayDel[key] = true
	dirHex, _ := splitKey(key)
	t.dirtyDirs[dirHex] = true
}

// Dirty reports whether the tree has pending writes not yet flushed.
func (t *Tree) Dirty() bool { return len(t.dirtyDirs) > 0 }

// Flush rebuilds every fanout directory touched since the last Flush (or
// Reset) and writes a new root tree, reusing untouched directories' entries
// unchanged. It returns the new root oid, which is the canonical empty
// tree if the notes tree has never held an entry.
func (t *Tree) Flush() (ids.GitOid, error) {
	if !t.Dirty() && !t.root.IsZero() {
		return t.root, nil
	}

	rootEntries := make(map[string]gitstore.TreeEntry)
	if !t.root.IsZero() {
		rootTree, err := t.store.Trees().Get(t.root)
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("notes: load root %s: %w", t.root, err)
		}
		for _, e := range rootTree.Entries() {
			rootEntries[e.Name] = e
		}
	}

	for dirHex := range t.dirtyDirs {
		dc, err := t.loadDir(dirHex)
		if err != nil {
			return ids.GitOid{}, err
		}
		for key, val := range t.overlayPut {
			if kd, kl := splitKey(key); kd == dirHex {
				dc.leaves[kl] = val
			}
		}
		for key := range t.overlayDel {
			if kd, kl := splitKey(key); kd == dirHex {
				delete(dc.leaves, kl)
			}
		}

		if len(dc.leaves) == 0 {
			delete(rootEntries, dirHex)
			continue
		}

		leafNames := make([]string, 0, len(dc.leaves))
		for name := range dc.leaves {
			leafNames = append(leafNames, name)
		}
		sort.Strings(leafNames)

		leafEntries := make([]gitstore.TreeEntry, 0, len(leafNames))
		for _, name := range leafNames {
			leafEntries = append(leafEntries, gitstore.TreeEntry{
				Name: name,
				OID:  dc.leaves[name],
				Mode: uint32(t.mode),
			})
		}
		dirOID, err := t.store.StoreObject(gitstore.ObjTree, gitstore.BuildTree(leafEntries), ids.GitOid{})
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("notes: write fanout dir %s: %w", dirHex, err)
		}
		dc.baseOID = dirOID
		rootEntries[dirHex] = gitstore.TreeEntry{Name: dirHex, OID: dirOID, Mode: 040000}
	}

	if len(rootEntries) == 0 {
		t.root = gitstore.EmptyTreeOID
	} else {
		names := make([]string, 0, len(rootEntries))
		for name := range rootEntries {
			names = append(names, name)
		}
		sort.Strings(names)
		entries := make([]gitstore.TreeEntry, 0, len(names))
		for _, name := range names {
			entries = append(entries, rootEntries[name])
		}
		rootOID, err := t.store.StoreObject(gitstore.ObjTree, gitstore.BuildTree(entries), ids.GitOid{})
		if err != nil {
			return ids.GitOid{}, fmt.Errorf("notes: write root: %w", err)
		}
		t.root = rootOID
	}

	t.overlayPut = make(map[Key]ids.GitOid)
	t.overlayDel = make(map[Key]bool)
	t.dirtyDirs = make(map[string]bool)
	return t.root, nil
}
