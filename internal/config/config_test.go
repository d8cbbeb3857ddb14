package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewHasDefaults(t *testing.T) {
	c := New()
	require.Equal(t, DefaultPackWindow, c.PackWindow())
	require.Equal(t, DefaultMaxDeltaDepth, c.MaxDeltaDepth())
	require.False(t, c.CheckManifests())
	require.False(t, c.CheckHelper())
	require.Equal(t, DefaultChangesetsRef, c.ChangesetsRef())
	require.Equal(t, DefaultManifestsRef, c.ManifestsRef())
	require.Equal(t, DefaultMetadataRef, c.MetadataRef())
}

func TestSettersOverrideDefaults(t *testing.T) {
	c := New()
	c.SetPackWindow(1 << 10)
	c.SetMaxDeltaDepth(10)
	c.SetCheckManifests(true)
	c.SetCheckHelper(true)
	c.SetChangesetsRef("refs/custom/changesets")
	c.SetManifestsRef("refs/custom/manifests")
	c.SetMetadataRef("refs/custom/metadata")

	require.Equal(t, 1<<10, c.PackWindow())
	require.Equal(t, 10, c.MaxDeltaDepth())
	require.True(t, c.CheckManifests())
	require.True(t, c.CheckHelper())
	require.Equal(t, "refs/custom/changesets", c.ChangesetsRef())
	require.Equal(t, "refs/custom/manifests", c.ManifestsRef())
	require.Equal(t, "refs/custom/metadata", c.MetadataRef())
}

func TestSettersIgnoreInvalidValues(t *testing.T) {
	c := New()
	c.SetPackWindow(0)
	c.SetMaxDeltaDepth(-1)
	c.SetChangesetsRef("")

	require.Equal(t, DefaultPackWindow, c.PackWindow())
	require.Equal(t, DefaultMaxDeltaDepth, c.MaxDeltaDepth())
	require.Equal(t, DefaultChangesetsRef, c.ChangesetsRef())
}
