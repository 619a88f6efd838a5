package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfiles(t *testing.T) {
	profiles := DefaultProfiles()

	def, err := profiles.Get(DefaultProfile)
	require.NoError(t, err)
	assert.Equal(t, 2, def.Layers)
	assert.Equal(t, 0.15, def.MinTraceWidth)

	hdi, err := profiles.Get("6l_hdi")
	require.NoError(t, err)
	assert.Equal(t, 6, hdi.Layers)
	assert.Equal(t, 600, hdi.RunTimeoutSecs)

	_, err = profiles.Get("3l_nonsense")
	assert.ErrorContains(t, err, "unknown fab profile")

	list := profiles.List()
	require.Len(t, list, 3)
	// Sorted by id for stable api responses.
	assert.Equal(t, "2l_cheap_proto", list[0].Id)
	assert.Equal(t, "4l_iot", list[1].Id)
	assert.Equal(t, "6l_hdi", list[2].Id)
}

func TestLoadProfilesOverride(t *testing.T) {
	config := `
profiles:
  - id: 2l_cheap_proto
    name: Budget prototype
    layers: 2
    min_trace_width: 0.2
    min_trace_spacing: 0.2
    min_via_diameter: 0.5
    min_via_drill: 0.3
    min_annular_ring: 0.15
    max_aspect_ratio: 8.0
    cost_level: 1
    run_timeout_secs: 120
  - id: flex_4l
    name: Flex 4 layer
    layers: 4
    min_trace_width: 0.1
    min_trace_spacing: 0.1
    min_via_diameter: 0.4
    min_via_drill: 0.2
    min_annular_ring: 0.1
    max_aspect_ratio: 10.0
    cost_level: 4
    run_timeout_secs: 450
`

	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)

	// Overridden builtin.
	cheap, err := profiles.Get("2l_cheap_proto")
	require.NoError(t, err)
	assert.Equal(t, 0.2, cheap.MinTraceWidth)
	assert.Equal(t, 120, cheap.RunTimeoutSecs)

	// New profile added alongside the remaining builtins.
	flex, err := profiles.Get("flex_4l")
	require.NoError(t, err)
	assert.Equal(t, 4, flex.Layers)

	_, err = profiles.Get("4l_iot")
	assert.NoError(t, err)
}

func TestLoadProfilesRejectsMissingId(t *testing.T) {
	config := `
profiles:
  - name: No id here
    layers: 2
`
	path := filepath.Join(t.TempDir(), "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(config), 0644))

	_, err := LoadProfiles(path)
	assert.Error(t, err)
}
