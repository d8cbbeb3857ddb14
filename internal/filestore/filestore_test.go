package filestore

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
	filesMeta := notes.New(gs, notes.RegularMode)
	return New(gs, hg2git, filesMeta), gs
}

func TestFileWithNoHistory(t *testing.T) {
	fs, gs := newTestStore(t)

	node := mustHgOid("ce013625030ba8dba906f756967f9e9ca394464a")
	rc := &revchunk.RevChunk{
		Node:      node,
		DeltaNode: ids.HgOid{},
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: []byte("hello\n")}},
	}
	require.NoError(t, fs.Store(rc))

	blobOID, ok, err := fs.hg2git.Get(notes.Key(node))
	require.NoError(t, err)
	require.True(t, ok)

	wantOID, err := ids.ParseGitOid("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, err)
	require.Equal(t, wantOID, blobOID)

	data, typ, err := gs.Get(blobOID)
	require.NoError(t, err)
	require.Equal(t, gitstore.ObjBlob, typ)
	require.Equal(t, []byte("hello\n"), data)
}

func TestFileDelta(t *testing.T) {
	fs, gs := newTestStore(t)

	n := mustHgOid("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, fs.Store(&revchunk.RevChunk{
		Node:  n,
		Diffs: []revchunk.Diff{{Start: 0, End: 0, Data: []byte("hello\n")}},
	}))

	m := mustHgOid("aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa")
	require.NoError(t, fs.Store(&revchunk.RevChunk{
		Node:      m,
		DeltaNode: n,
		Diffs:     []revchunk.Diff{{Start: 0, End: 6, Data: []byte("HELLO\n")}},
	}))

	blobOID, ok, err := fs.hg2git.Get(notes.Key(m))
	require.NoError(t, err)
	require.True(t, ok)

	data, _, err := gs.Get(blobOID)
	require.NoError(t, err)
	require.Equal(t, []byte("HELLO\n"), data)
}

func TestEmptyFileNodeIsSkipped(t *testing.T) {
	fs, _ := newTestStore(t)

	require.NoError(t, fs.Store(&revchunk.RevChunk{Node: emptyFileNode}))

	_, ok, err := fs.hg2git.Get(notes.Key(emptyFileNode))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMalformedDiffRejected(t *testing.T) {
	fs, _ := newTestStore(t)
	n := mustHgOid("ce013625030ba8dba906f756967f9e9ca394464a")

	err := fs.Store(&revchunk.RevChunk{
		Node:  n,
		Diffs: []revchunk.Diff{{Start: 5, End: 5, Data: []byte("x")}},
	})
	require.ErrorIs(t, err, ErrMalformedChunk)
}

func TestOverlappingDiffsRejected(t *testing.T) {
	fs, _ := newTestStore(t)

	base := mustHgOid("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, fs.Store(&revchunk.RevChunk{
		Node:  base,
		Diffs: []revchunk.Diff{{Start: 0, End: 0, Data: []byte("hello")}},
	}))

	n := mustHgOid("3333333333333333333333333333333333333333")
	err := fs.Store(&revchunk.RevChunk{
		Node:      n,
		DeltaNode: base,
		Diffs: []revchunk.Diff{
			{Start: 0, End: 5, Data: []byte("hello")},
			{Start: 2, End: 5, Data: []byte("x")},
		},
	})
	require.ErrorIs(t, err, ErrMalformedChunk)
}

func TestDedupOnIdenticalContent(t *testing.T) {
	fs, _ := newTestStore(t)

	n1 := mustHgOid("1111111111111111111111111111111111111111")
	n2 := mustHgOid("2222222222222222222222222222222222222222")

	require.NoError(t, fs.Store(&revchunk.RevChunk{
		Node:  n1,
		Diffs: []revchunk.Diff{{Start: 0, End: 0, Data: []byte("same\n")}},
	}))
	require.NoError(t, fs.Store(&revchunk.RevChunk{
		Node:      n2,
		DeltaNode: n1,
		Diffs:     []revchunk.Diff{{Start: 0, End: 0, Data: nil}},
	}))

	b1, _, err := fs.hg2git.Get(notes.Key(n1))
	require.NoError(t, err)
	b2, _, err := fs.hg2git.Get(notes.Key(n2))
	require.NoError(t, err)
	require.Equal(t, b1, b2)
}
