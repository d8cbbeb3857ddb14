package gitstore

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCopyOnlyDeltaRoundTrip(t *testing.T) {
	cases := []struct {
		name         string
		base, target []byte
	}{
		{"identical", []byte("hello\n"), []byte("hello\n")},
		{"tail changed", []byte("hello\n"), []byte("HELLO\n")},
		{"appended", []byte("hello\n"), []byte("hello\nworld\n")},
		{"empty base", []byte{}, []byte("fresh content\n")},
		{"empty target", []byte("gone\n"), []byte{}},
		{"large shared prefix", bytes.Repeat([]byte("x"), 200000), append(bytes.Repeat([]byte("x"), 200000), []byte("tail")...)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			delta := encodeCopyOnlyDelta(tc.base, tc.target)
			got := applyDelta(tc.base, delta)
			require.NotNil(t, got)
			assert.Equal(t, tc.target, got)
		})
	}
}

func TestParseDeltaHeaderOfsDelta(t *testing.T) {
	data := []byte{0x05, 0x01, 0x02}
	oid, off, rest, err := parseDeltaHeader(ObjOfsDelta, data)
	require.NoError(t, err)
	assert.True(t, oid.IsZero())
	assert.Equal(t, uint64(5), off)
	assert.Equal(t, []byte{0x01, 0x02}, rest)
}

func TestApplyDeltaRejectsMalformed(t *testing.T) {
	assert.Nil(t, applyDelta([]byte("base"), nil))
	assert.Nil(t, applyDelta([]byte("base"), []byte{0xff}))
}
