package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHgOid(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		h, err := ParseHgOid("ce013625030ba8dba906f756967f9e9ca394464a")
		require.NoError(t, err)
		assert.Equal(t, "ce013625030ba8dba906f756967f9e9ca394464a", h.String())
		assert.False(t, h.IsZero())
	})

	t.Run("wrong length", func(t *testing.T) {
		_, err := ParseHgOid("abcd")
		assert.Error(t, err)
	})

	t.Run("non hex", func(t *testing.T) {
		_, err := ParseHgOid("zz013625030ba8dba906f756967f9e9ca394464a")
		assert.Error(t, err)
	})

	t.Run("zero value is zero", func(t *testing.T) {
		var h HgOid
		assert.True(t, h.IsZero())
	})
}

func TestParseGitOid(t *testing.T) {
	g, err := ParseGitOid("0000000000000000000000000000000000000000")
	require.NoError(t, err)
	assert.True(t, g.IsZero())
}
