package notes

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullbridge/hg2git/internal/gitstore"
	"github.com/nullbridge/hg2git/internal/ids"
)

func keyFromHg(h ids.HgOid) Key { return Key(h) }

func TestTreeEmptyFlushesToEmptyTree(t *testing.T) {
	dir := t.TempDir()
	s, err := gitstore.Open(gitstore.Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	tr := New(s, RegularMode)
	root, err := tr.Flush()
	require.NoError(t, err)
	require.Equal(t, gitstore.EmptyTreeOID, root)
}

func TestTreePutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := gitstore.Open(gitstore.Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	tr := New(s, RegularMode)

	h, err := ids.ParseHgOid("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, err)
	val, err := s.StoreObject(gitstore.ObjBlob, []byte("metadata\n"), ids.GitOid{})
	require.NoError(t, err)

	tr.Put(keyFromHg(h), val)
	require.True(t, tr.Dirty())

	got, ok, err := tr.Get(keyFromHg(h))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, val, got)

	root, err := tr.Flush()
	require.NoError(t, err)
	require.NotEqual(t, gitstore.EmptyTreeOID, root)
	require.False(t, tr.Dirty())

	// A fresh Tree reset to the flushed root must observe the same mapping
	// purely by walking the persisted tree structure.
	tr2 := New(s, RegularMode)
	tr2.Reset(root)
	got2, ok2, err := tr2.Get(keyFromHg(h))
	require.NoError(t, err)
	require.True(t, ok2)
	require.Equal(t, val, got2)
}

func TestTreeRemove(t *testing.T) {
	dir := t.TempDir()
	s, err := gitstore.Open(gitstore.Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	tr := New(s, RegularMode)
	h, err := ids.ParseHgOid("ce013625030ba8dba906f756967f9e9ca394464a")
	require.NoError(t, err)
	val, err := s.StoreObject(gitstore.ObjBlob, []byte("x\n"), ids.GitOid{})
	require.NoError(t, err)

	tr.Put(keyFromHg(h), val)
	root1, err := tr.Flush()
	require.NoError(t, err)
	require.NotEqual(t, gitstore.EmptyTreeOID, root1)

	tr.Remove(keyFromHg(h))
	root2, err := tr.Flush()
	require.NoError(t, err)
	require.Equal(t, gitstore.EmptyTreeOID, root2)

	_, ok, err := tr.Get(keyFromHg(h))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTreeMultipleKeysSameFanoutPrefix(t *testing.T) {
	dir := t.TempDir()
	s, err := gitstore.Open(gitstore.Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	tr := New(s, GitlinkMode)

	var keys []ids.HgOid
	for _, hexStr := range []string{
		"ce0100000000000000000000000000000000000a",
		"ce0100000000000000000000000000000000000b",
		"ce0100000000000000000000000000000000000c",
	} {
		h, err := ids.ParseHgOid(hexStr)
		require.NoError(t, err)
		keys = append(keys, h)
	}

	vals := make(map[ids.HgOid]ids.GitOid)
	for i, h := range keys {
		v, err := s.StoreObject(gitstore.ObjBlob, []byte{byte(i)}, ids.GitOid{})
		require.NoError(t, err)
		vals[h] = v
		tr.Put(keyFromHg(h), v)
	}

	root, err := tr.Flush()
	require.NoError(t, err)
	require.NotEqual(t, gitstore.EmptyTreeOID, root)

	tr2 := New(s, GitlinkMode)
	tr2.Reset(root)
	for _, h := range keys {
		got, ok, err := tr2.Get(keyFromHg(h))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, vals[h], got)
	}
}

func TestTreePartialUpdatePreservesUntouchedDir(t *testing.T) {
	dir := t.TempDir()
	s, err := gitstore.Open(gitstore.Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	tr := New(s, RegularMode)

	hA, err := ids.ParseHgOid("aa0000000000000000000000000000000000000a")
	require.NoError(t, err)
	hB, err := ids.ParseHgOid("bb0000000000000000000000000000000000000b")
	require.NoError(t, err)

	vA, err := s.StoreObject(gitstore.ObjBlob, []byte("a\n"), ids.GitOid{})
	require.NoError(t, err)
	vB, err := s.StoreObject(gitstore.ObjBlob, []byte("b\n"), ids.GitOid{})
	require.NoError(t, err)

	tr.Put(keyFromHg(hA), vA)
	tr.Put(keyFromHg(hB), vB)
	root1, err := tr.Flush()
	require.NoError(t, err)

	tr2 := New(s, RegularMode)
	tr2.Reset(root1)
	vA2, err := s.StoreObject(gitstore.ObjBlob, []byte("a-updated\n"), ids.GitOid{})
	require.NoError(t, err)
	tr2.Put(keyFromHg(hA), vA2)
	root2, err := tr2.Flush()
	require.NoError(t, err)
	require.NotEqual(t, root1, root2)

	tr3 := New(s, RegularMode)
	tr3.Reset(root2)
	gotA, ok, err := tr3.Get(keyFromHg(hA))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vA2, gotA)

	gotB, ok, err := tr3.Get(keyFromHg(hB))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, vB, gotB)
}
