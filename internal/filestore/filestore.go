// Package filestore implements FileStore: reconstructing one Mercurial
// file revision from a delta chunk and storing it as a Git blob.
package filestore

import (
	"bytes"
	"fmt"

	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
	"github.com/nullbridge/hg2git/internal/notes"
	"github.com/nullbridge/hg2git/internal/revchunk"
)

// emptyFileNode is Mercurial's well-known node id for the empty file
// revision: the revlog hash of zero-length content against the null
// parent pair. Files that hash to it are never stored — every reader
// already knows they resolve to the empty blob.
var emptyFileNode = mustHgOid("b80de5d138758541c5f05265ad144ab9fa86d1db")

func mustHgOid(hexStr string) ids.HgOid {
	h, err := ids.ParseHgOid(hexStr)
	if err != nil {
		panic(err)
	}
	return h
}

// metaMarker delimits Mercurial's inline file-metadata block: content
// beginning with this two-byte marker carries copy/rename metadata before
// a second occurrence of the marker, followed by the real file body.
const metaMarker = "\x01\n"

// ErrMalformedChunk signals a diff whose byte range doesn't fit inside the
// cached delta parent content.
var ErrMalformedChunk = fmt.Errorf("filestore: malformed file chunk")

// Store implements FileStore against a shared object store and the
// hg2git/files_meta notes trees.
type Store struct {
	objects   *gitstore.Store
	hg2git    *notes.Tree
	filesMeta *notes.Tree

	haveLast    bool
	lastNode    ids.HgOid
	lastContent []byte
	lastBlobOID ids.GitOid
	lastPrint   uint64
}

// New creates a FileStore. hg2git and filesMeta are the shared notes trees
// the orchestrator also flushes and resets.
func New(objects *gitstore.Store, hg2git, filesMeta *notes.Tree) *Store {
	return &Store{objects: objects, hg2git: hg2git, filesMeta: filesMeta}
}

// Store reconstructs and stores the file revision described by rc:
// resolving its delta parent, replaying the diffs, splitting off any
// inline copy/rename metadata, and recording the result in hg2git.
func (s *Store) Store(rc *revchunk.RevChunk) error {
	if rc.Node == emptyFileNode {
		return nil
	}

	cached, err := s.loadDeltaParent(rc.DeltaNode)
	if err != nil {
		return err
	}

	content, err := applyDiffs(cached, rc.Diffs)
	if err != nil {
		return err
	}

	if meta, body, ok := splitMetadata(content); ok {
		metaOID, err := s.objects.StoreObject(gitstore.ObjBlob, meta, ids.GitOid{})
		if err != nil {
			return fmt.Errorf("filestore: store metadata for %s: %w", rc.Node, err)
		}
		s.filesMeta.Put(notes.Key(rc.Node), metaOID)
		content = body
	}

	blobOID, err := s.storeContent(content)
	if err != nil {
		return err
	}
	s.hg2git.Put(notes.Key(rc.Node), blobOID)

	s.haveLast = true
	s.lastNode = rc.Node
	s.lastContent = content
	s.lastBlobOID = blobOID
	s.lastPrint = gitstore.FarmFingerprint(content)
	return nil
}

// storeContent dedupes content against the previously stored file's
// content via a fast fingerprint pre-check before falling back to the
// real store_object call, then deltifies against that same predecessor
// blob when a full store is needed.
func (s *Store) storeContent(content []byte) (ids.GitOid, error) {
	if s.haveLast && gitstore.FarmFingerprint(content) == s.lastPrint && bytes.Equal(content, s.lastContent) {
		return s.lastBlobOID, nil
	}

	ref := ids.GitOid{}
	if s.haveLast {
		ref = s.lastBlobOID
	}
	return s.objects.StoreObject(gitstore.ObjBlob, content, ref)
}

// loadDeltaParent returns the content deltas in this revision are applied
// against: the empty string for a null delta parent, the cached
// most-recently-stored content when it matches, or a fresh load through
// hg2git otherwise.
func (s *Store) loadDeltaParent(deltaNode ids.HgOid) ([]byte, error) {
	if deltaNode.IsZero() {
		return nil, nil
	}
	if s.haveLast && s.lastNode == deltaNode {
		return s.lastContent, nil
	}

	blobOID, ok, err := s.hg2git.Get(notes.Key(deltaNode))
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve delta parent %s: %w", deltaNode, err)
	}
	if !ok {
		if deltaNode == emptyFileNode {
			return nil, nil
		}
		return nil, fmt.Errorf("filestore: delta parent %s not found in hg2git", deltaNode)
	}

	data, typ, err := s.objects.Get(blobOID)
	if err != nil {
		return nil, fmt.Errorf("filestore: load delta parent blob %s: %w", blobOID, err)
	}
	if typ != gitstore.ObjBlob {
		return nil, fmt.Errorf("filestore: delta parent %s is not a blob", deltaNode)
	}
	return data, nil
}

// applyDiffs replays rc.Diffs against cached in encounter order, rejecting
// any diff whose range doesn't fit the cached content.
func applyDiffs(cached []byte, diffs []revchunk.Diff) ([]byte, error) {
	var out bytes.Buffer
	lastEnd := uint32(0)

	for _, d := range diffs {
		if d.Start > uint32(len(cached)) || d.Start < lastEnd || d.End > uint32(len(cached)) {
			return nil, ErrMalformedChunk
		}
		out.Write(cached[lastEnd:d.Start])
		out.Write(d.Data)
		lastEnd = d.End
	}
	out.Write(cached[lastEnd:])
	return out.Bytes(), nil
}

// splitMetadata splits off a leading Mercurial inline-metadata block, if
// present.
func splitMetadata(content []byte) (meta, body []byte, ok bool) {
	if !bytes.HasPrefix(content, []byte(metaMarker)) {
		return nil, content, false
	}
	end := bytes.Index(content[len(metaMarker):], []byte(metaMarker))
	if end < 0 {
		return nil, content, false
	}
	metaEnd := len(metaMarker) + end
	return content[len(metaMarker):metaEnd], content[metaEnd+len(metaMarker):], true
}
