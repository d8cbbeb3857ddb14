package orchestrator

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullbridge/hg2git/internal/config"
	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
	"github.com/nullbridge/hg2git/internal/notes"
)

// fakeBackend is a minimal in-memory stand-in for the external
// fast-import-compatible object database, sufficient to exercise the
// Orchestrator's own dispatch and conflict-resolution logic.
type fakeBackend struct {
	refs      map[string]ids.GitOid
	marks     map[int]ids.GitOid
	forwarded []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{refs: map[string]ids.GitOid{}, marks: map[int]ids.GitOid{}}
}

func (f *fakeBackend) Forward(line string, r gitstore.LineReader) error {
	f.forwarded = append(f.forwarded, line)
	return nil
}

func (f *fakeBackend) ResolveRef(ref string) (ids.GitOid, bool, error) {
	oid, ok := f.refs[ref]
	return oid, ok, nil
}

func (f *fakeBackend) SetMark(id int, oid ids.GitOid) { f.marks[id] = oid }

func (f *fakeBackend) ResolveMark(id int) (ids.GitOid, bool) {
	oid, ok := f.marks[id]
	return oid, ok
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *gitstore.Store, *fakeBackend) {
	t.Helper()
	dir := t.TempDir()
	gs, err := gitstore.Open(gitstore.Config{OutDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { gs.Close() })

	backend := newFakeBackend()
	var out bytes.Buffer
	o := New(config.New(), gs, backend, &out)
	return o, gs, backend
}

func mustHgOid(t *testing.T, hexStr string) ids.HgOid {
	t.Helper()
	h, err := ids.ParseHgOid(hexStr)
	require.NoError(t, err)
	return h
}

func TestDispatchSetHg2Git(t *testing.T) {
	o, gs, _ := newTestOrchestrator(t)

	blobOID, err := gs.StoreObject(gitstore.ObjBlob, []byte("hello\n"), ids.GitOid{})
	require.NoError(t, err)

	line := fmt.Sprintf("set hg2git aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa %s\n", blobOID)
	r := bufio.NewReader(strings.NewReader(line))
	require.NoError(t, o.Dispatch(r))

	got, ok, err := o.hg2git.Get(notes.Key(mustHgOid(t, "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, blobOID, got)
}

func TestDispatchStoreFileNoHistory(t *testing.T) {
	o, gs, _ := newTestOrchestrator(t)

	node := mustHgOid(t, "cccccccccccccccccccccccccccccccccccccccc")
	chunk := buildRevChunkBytes(node, ids.HgOid{}, ids.HgOid{}, ids.HgOid{}, []diffPart{
		{start: 0, end: 0, data: []byte("hello\n")},
	})

	cmd := fmt.Sprintf("store file 0000000000000000000000000000000000000000 %d\n", len(chunk))
	stream := append([]byte(cmd), chunk...)
	r := bufio.NewReader(bytes.NewReader(stream))
	require.NoError(t, o.Dispatch(r))

	oid, ok, err := o.hg2git.Get(notes.Key(node))
	require.NoError(t, err)
	require.True(t, ok)

	raw, typ, err := gs.Get(oid)
	require.NoError(t, err)
	require.Equal(t, gitstore.ObjBlob, typ)
	require.Equal(t, "hello\n", string(raw))
}

func TestDispatchStoreMetadataFlushesAndPrints(t *testing.T) {
	o, gs, _ := newTestOrchestrator(t)

	blobOID, err := gs.StoreObject(gitstore.ObjBlob, []byte("x"), ids.GitOid{})
	require.NoError(t, err)
	o.hg2git.Put(notes.Key(mustHgOid(t, "dddddddddddddddddddddddddddddddddddddddd")), blobOID)

	var out bytes.Buffer
	o.out = &out

	r := bufio.NewReader(strings.NewReader("store metadata hg2git\n"))
	require.NoError(t, o.Dispatch(r))
	require.Len(t, strings.TrimSpace(out.String()), 40)
}

func TestDispatchUnknownCommandIsProtocolViolation(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	r := bufio.NewReader(strings.NewReader("bogus wat\n"))
	err := o.Dispatch(r)
	require.ErrorIs(t, err, ErrProtocol)
}

func TestResolveChangesetConflictAppendsNulOnCollision(t *testing.T) {
	o, gs, _ := newTestOrchestrator(t)

	treeOID := gitstore.EmptyTreeOID
	raw := gitstore.BuildCommit(treeOID, nil, "a <a@example.com> 0 +0000", "a <a@example.com> 0 +0000", []byte("msg"))
	commitOID, err := gs.StoreObject(gitstore.ObjCommit, raw, ids.GitOid{})
	require.NoError(t, err)

	hg1 := mustHgOid(t, "1111111111111111111111111111111111111111")
	hg2 := mustHgOid(t, "2222222222222222222222222222222222222222")

	final1, err := o.resolveChangesetConflict(hg1, commitOID)
	require.NoError(t, err)
	require.Equal(t, commitOID, final1)

	final2, err := o.resolveChangesetConflict(hg2, commitOID)
	require.NoError(t, err)
	require.NotEqual(t, commitOID, final2, "colliding changeset must get a different oid")

	entry1, ok, err := o.git2hg.Get(notes.Key(final1))
	require.NoError(t, err)
	require.True(t, ok)
	entry2, ok, err := o.git2hg.Get(notes.Key(final2))
	require.NoError(t, err)
	require.True(t, ok)
	require.NotEqual(t, entry1, entry2)
}

func TestResolveChangesetConflictIdempotentForSameChangeset(t *testing.T) {
	o, gs, _ := newTestOrchestrator(t)

	raw := gitstore.BuildCommit(gitstore.EmptyTreeOID, nil, "a <a@example.com> 0 +0000", "a <a@example.com> 0 +0000", []byte("msg"))
	commitOID, err := gs.StoreObject(gitstore.ObjCommit, raw, ids.GitOid{})
	require.NoError(t, err)

	hg1 := mustHgOid(t, "3333333333333333333333333333333333333333")

	first, err := o.resolveChangesetConflict(hg1, commitOID)
	require.NoError(t, err)
	second, err := o.resolveChangesetConflict(hg1, commitOID)
	require.NoError(t, err)
	require.Equal(t, first, second)
}

func TestResolveHgMarkWithPath(t *testing.T) {
	o, gs, backend := newTestOrchestrator(t)

	fileOID, err := gs.StoreObject(gitstore.ObjBlob, []byte("hi"), ids.GitOid{})
	require.NoError(t, err)
	subtree := gitstore.BuildTree([]gitstore.TreeEntry{{Name: "_file.txt", OID: fileOID, Mode: 0100644}})
	subtreeOID, err := gs.StoreObject(gitstore.ObjTree, subtree, ids.GitOid{})
	require.NoError(t, err)
	rootTree := gitstore.BuildTree([]gitstore.TreeEntry{{Name: "_dir", OID: subtreeOID, Mode: 040000}})
	rootTreeOID, err := gs.StoreObject(gitstore.ObjTree, rootTree, ids.GitOid{})
	require.NoError(t, err)
	raw := gitstore.BuildCommit(rootTreeOID, nil, "a <a@example.com> 0 +0000", "a <a@example.com> 0 +0000", []byte("m"))
	commitOID, err := gs.StoreObject(gitstore.ObjCommit, raw, ids.GitOid{})
	require.NoError(t, err)

	node := mustHgOid(t, "4444444444444444444444444444444444444444")
	o.hg2git.Put(notes.Key(node), commitOID)

	oid, err := o.resolveHgMark(":h" + node.String() + ":dir")
	require.NoError(t, err)
	require.Equal(t, subtreeOID, oid)
	require.Equal(t, subtreeOID, backend.marks[hgMarkSlot])
}


type diffPart struct {
	start, end uint32
	data       []byte
}

func buildRevChunkBytes(node, parent1, parent2, field4 ids.HgOid, diffs []diffPart) []byte {
	var buf bytes.Buffer
	buf.Write(node[:])
	buf.Write(parent1[:])
	buf.Write(parent2[:])
	buf.Write(field4[:])
	for _, d := range diffs {
		var hdr [12]byte
		binary.BigEndian.PutUint32(hdr[0:4], d.start)
		binary.BigEndian.PutUint32(hdr[4:8], d.end)
		binary.BigEndian.PutUint32(hdr[8:12], uint32(len(d.data)))
		buf.Write(hdr[:])
		buf.Write(d.data)
	}
	return buf.Bytes()
}
