package gitstore

import (
	"crypto/sha1"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullbridge/hg2git/internal/ids"
)

func TestStoreObjectRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	oid, err := s.StoreObject(ObjBlob, []byte("hello world\n"), ids.GitOid{})
	require.NoError(t, err)

	data, typ, err := s.Get(oid)
	require.NoError(t, err)
	require.Equal(t, ObjBlob, typ)
	require.Equal(t, []byte("hello world\n"), data)
}

func TestStoreObjectRefDeltaChain(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	v1 := []byte("line one\nline two\nline three\n")
	oid1, err := s.StoreObject(ObjBlob, v1, ids.GitOid{})
	require.NoError(t, err)

	v2 := []byte("line one\nline two\nline THREE\nline four\n")
	oid2, err := s.StoreObject(ObjBlob, v2, oid1)
	require.NoError(t, err)
	require.NotEqual(t, oid1, oid2)

	got, typ, err := s.Get(oid2)
	require.NoError(t, err)
	require.Equal(t, ObjBlob, typ)
	require.Equal(t, v2, got)

	got1, _, err := s.Get(oid1)
	require.NoError(t, err)
	require.Equal(t, v1, got1)
}

func TestEnsureEmptyBlob(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{OutDir: dir})
	require.NoError(t, err)
	defer s.Close()

	oid, err := s.EnsureEmptyBlob()
	require.NoError(t, err)
	require.Equal(t, EmptyBlobOID, oid)

	data, typ, err := s.Get(oid)
	require.NoError(t, err)
	require.Equal(t, ObjBlob, typ)
	require.Empty(t, data)

	oid2, err := s.EnsureEmptyBlob()
	require.NoError(t, err)
	require.Equal(t, oid, oid2)
}

func TestFinishAndReopenAcrossPacks(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{OutDir: dir})
	require.NoError(t, err)

	oid, err := s.StoreObject(ObjBlob, []byte("persisted across a pack boundary\n"), ids.GitOid{})
	require.NoError(t, err)

	_, err = s.Finish()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(Config{OutDir: dir})
	require.NoError(t, err)
	defer s2.Close()

	data, typ, err := s2.Get(oid)
	require.NoError(t, err)
	require.Equal(t, ObjBlob, typ)
	require.Equal(t, []byte("persisted across a pack boundary\n"), data)
}

func TestFinishWritesValidPackHeaderAndTrailer(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Config{OutDir: dir})
	require.NoError(t, err)

	oid1, err := s.StoreObject(ObjBlob, []byte("first object\n"), ids.GitOid{})
	require.NoError(t, err)
	oid2, err := s.StoreObject(ObjBlob, []byte("second object\n"), ids.GitOid{})
	require.NoError(t, err)

	packSHA, err := s.Finish()
	require.NoError(t, err)
	require.NoError(t, s.Close())

	packPath := filepath.Join(dir, "pack-"+packSHA.String()+".pack")
	raw, err := os.ReadFile(packPath)
	require.NoError(t, err)

	require.GreaterOrEqual(t, len(raw), packHeaderSize+ids.Size)
	require.Equal(t, packMagic, string(raw[0:4]))
	require.EqualValues(t, packVersion, binary.BigEndian.Uint32(raw[4:8]))
	require.EqualValues(t, 2, binary.BigEndian.Uint32(raw[8:12]))

	body := raw[:len(raw)-ids.Size]
	trailer := raw[len(raw)-ids.Size:]
	sum := sha1.Sum(body)
	require.Equal(t, sum[:], trailer)

	idxPath := filepath.Join(dir, "pack-"+packSHA.String()+".idx")
	idx, err := openIdxFile(packPath, idxPath)
	require.NoError(t, err)
	defer idx.Close()

	off1, ok := idx.findObject(oid1)
	require.True(t, ok)
	require.GreaterOrEqual(t, off1, uint64(packHeaderSize))
	off2, ok := idx.findObject(oid2)
	require.True(t, ok)
	require.GreaterOrEqual(t, off2, uint64(packHeaderSize))
}
