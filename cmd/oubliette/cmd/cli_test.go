package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oubliette-sandbox/oubliette/pkg/volume"
)

func TestParseMounts(t *testing.T) {
	mounts, err := parseMounts([]string{"/host/data:/data", "/host/cfg:/cfg:ro"})
	require.NoError(t, err)
	require.Len(t, mounts, 2)

	assert.Equal(t, volume.Bind, mounts[0].Kind)
	assert.Equal(t, "/host/data", mounts[0].Source)
	assert.Equal(t, "/data", mounts[0].Target)
	assert.False(t, mounts[0].ReadOnly)
	assert.True(t, mounts[1].ReadOnly)

	_, err = parseMounts([]string{"just-a-path"})
	assert.Error(t, err)
	_, err = parseMounts([]string{"/a:/b:rx"})
	assert.Error(t, err)
}

func TestParseEnv(t *testing.T) {
	env := parseEnv([]string{"A=1", "B=x=y", "malformed"})
	assert.Equal(t, map[string]string{"A": "1", "B": "x=y"}, env)
}

func TestResolvePolicyPresets(t *testing.T) {
	for _, preset := range []string{"", "deny-all", "allow-all", "egress-only", "http-only"} {
		runPreset = preset
		p, err := resolvePolicy()
		require.NoError(t, err, "preset %q", preset)
		require.NotNil(t, p)
	}

	runPreset = "everything-please"
	_, err := resolvePolicy()
	assert.Error(t, err)
	runPreset = "deny-all"
}
