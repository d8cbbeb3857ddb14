package manifest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nullbridge/hg2git/internal/ids"
)

func TestLineLengthMatchesRealManifestLine(t *testing.T) {
	line := "a/b/c.txt\x00" + "1234567890123456789012345678901234567890" + "\n"
	require.Equal(t, len(line), lineLength("a/b/c.txt", modeRegular))

	lineExec := "a/b/c.txt\x00" + "1234567890123456789012345678901234567890" + "x\n"
	require.Equal(t, len(lineExec), lineLength("a/b/c.txt", modeExec))
}

func TestWalkOffsetsAndPathsInRange(t *testing.T) {
	mirror := map[string]entry{
		"a":     {mode: modeRegular},
		"a.txt": {mode: modeRegular},
		"b":     {mode: modeExec},
	}
	offsets := walkOffsets(mirror)
	require.Len(t, offsets, 3)

	// a.txt sorts before b lexically; both fully contained after a's line.
	aLen := lineLength("a", modeRegular)
	total := aLen + lineLength("a.txt", modeRegular) + lineLength("b", modeExec)

	got := pathsInRange(mirror, offsets, uint32(aLen), uint32(total))
	require.ElementsMatch(t, []string{"a.txt", "b"}, got)
}

func TestLineLengthAccountsForSize(t *testing.T) {
	require.Equal(t, 1+1+ids.Size*2+1, lineLength("a", modeRegular))
}
