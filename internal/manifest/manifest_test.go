package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
	"github.com/nullbridge/hg2git/internal/notes"
	"github.com/nullbridge/hg2git/internal/revchunk"
)

func newTestStore(t *testing.T) (*Store, *gitstore.Store) {
	t.Helper()
	dir := t.TempDir()
	gs, err := gitstore.Open(gitstore.Config{OutDir: dir})
	require.NoError(t, err)
	t.Cleanup(func() { gs.Close() })

	hg2git := notes.New(gs, notes.GitlinkMode)
	return New(gs, hg2git, true), gs
}

func TestManifestSingleFile(t *testing.T) {
	ms, gs := newTestStore(t)

	node := mustHgOid("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	fileNode := "1234567890123456789012345678901234567890"
	line := []byte("a\x00" + fileNode + "\n")

	rc := &revchunk.RevChunk{
		Node:  node,
		Diffs: []revchunk.Diff{{Start: 0, End: 0, Data: line}},
	}

	commitOID, err := ms.Store(rc)
	require.NoError(t, err)

	raw, typ, err := gs.Get(commitOID)
	require.NoError(t, err)
	require.Equal(t, gitstore.ObjCommit, typ)

	c, err := gitstore.ParseCommit(raw)
	require.NoError(t, err)
	require.Equal(t, node.String(), string(c.Body))
	require.Empty(t, c.Parents)

	tree, err := gs.Trees().Get(c.Tree)
	require.NoError(t, err)
	entries := tree.Entries()
	require.Len(t, entries, 1)
	require.Equal(t, "_a", entries[0].Name)
	require.Equal(t, uint32(modeRegular), entries[0].Mode)

	wantGitlink, err := ids.ParseGitOid(fileNode)
	require.NoError(t, err)
	require.Equal(t, wantGitlink, entries[0].OID)
}

func TestManifestNestedPath(t *testing.T) {
	ms, gs := newTestStore(t)

	node := mustHgOid("bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb")
	fileNode := "2222222222222222222222222222222222222222"
	line := []byte("dir/file.txt\x00" + fileNode + "x\n")

	commitOID, err := ms.Store(&revchunk.RevChunk{
		Node:  node,
		Diffs: []revchunk.Diff{{Start: 0, End: 0, Data: line}},
	})
	require.NoError(t, err)

	raw, _, err := gs.Get(commitOID)
	require.NoError(t, err)
	c, err := gitstore.ParseCommit(raw)
	require.NoError(t, err)

	rootTree, err := gs.Trees().Get(c.Tree)
	require.NoError(t, err)
	dirEntry, ok := rootTree.Get("_dir")
	require.True(t, ok)
	require.Equal(t, uint32(040000), dirEntry.Mode)

	dirTree, err := gs.Trees().Get(dirEntry.OID)
	require.NoError(t, err)
	fileEntry, ok := dirTree.Get("_file.txt")
	require.True(t, ok)
	require.Equal(t, uint32(modeExec), fileEntry.Mode)
}

func TestManifestRemovalThenAddition(t *testing.T) {
	ms, gs := newTestStore(t)

	n1 := mustHgOid("cccccccccccccccccccccccccccccccccccccccc")
	line1 := []byte("a\x00" + "1111111111111111111111111111111111111111" + "\n")
	_, err := ms.Store(&revchunk.RevChunk{
		Node:  n1,
		Diffs: []revchunk.Diff{{Start: 0, End: 0, Data: line1}},
	})
	require.NoError(t, err)

	n2 := mustHgOid("dddddddddddddddddddddddddddddddddddddddd")
	line2 := []byte("a\x00" + "3333333333333333333333333333333333333333" + "\n")
	commit2, err := ms.Store(&revchunk.RevChunk{
		Node:      n2,
		Parent1:   n1,
		Diffs:     []revchunk.Diff{{Start: 0, End: uint32(len(line1)), Data: line2}},
	})
	require.NoError(t, err)

	raw, _, err := gs.Get(commit2)
	require.NoError(t, err)
	c, err := gitstore.ParseCommit(raw)
	require.NoError(t, err)
	require.Len(t, c.Parents, 1)

	tree, err := gs.Trees().Get(c.Tree)
	require.NoError(t, err)
	entries := tree.Entries()
	require.Len(t, entries, 1)
	wantOID, err := ids.ParseGitOid("3333333333333333333333333333333333333333")
	require.NoError(t, err)
	require.Equal(t, wantOID, entries[0].OID)
}

func mustHgOid(hexStr string) ids.HgOid {
	h, err := ids.ParseHgOid(hexStr)
	if err != nil {
		panic(err)
	}
	return h
}

func TestVerifyRoundTripCatchesMirrorDivergence(t *testing.T) {
	ms, _ := newTestStore(t)
	ms.mirror["a"] = entry{oid: ids.GitOid(mustHgOid("1111111111111111111111111111111111111111")), mode: modeRegular}

	fileNode := "1234567890123456789012345678901234567890"
	want := []byte("a\x00" + fileNode + "\n")

	err := ms.verifyRoundTrip(mustHgOid("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), want)
	require.Error(t, err)
	require.Contains(t, err.Error(), "round-trip mismatch")
}
