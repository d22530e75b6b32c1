package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vigil.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFilesDefaults(t *testing.T) {
	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.True(t, config.Sync.Enabled)
	assert.True(t, config.Sync.Watch.Build)
	assert.Equal(t, "1s", config.Sync.Intervals.BuildPoll)
	assert.Equal(t, "5s", config.Sync.Intervals.FinalizeGrace)
	assert.Equal(t, 8475, config.Server.Port)
}

func TestLoadFromFilesOverride(t *testing.T) {
	base := writeConfig(t, `
[sync]
enabled = true
server = "https://api.cluster.local"
namespaces = ["demo"]

[sync.intervals]
build_poll = "2s"
`)
	override := writeConfig(t, `
[sync.intervals]
build_poll = "250ms"
`)

	config, err := LoadFromFiles(base, override)
	require.NoError(t, err)

	assert.Equal(t, "https://api.cluster.local", config.Sync.Server)
	assert.Equal(t, []string{"demo"}, config.Sync.Namespaces)
	assert.Equal(t, "250ms", config.Sync.Intervals.BuildPoll)
}

func TestLoadFromFilesEnvOverride(t *testing.T) {
	t.Setenv("VIGIL_SYNC_NAMESPACES", "alpha beta")
	t.Setenv("VIGIL_SERVER_PORT", "9000")

	config, err := LoadFromFiles()
	require.NoError(t, err)

	assert.Equal(t, []string{"alpha", "beta"}, config.Sync.Namespaces)
	assert.Equal(t, 9000, config.Server.Port)
}

func TestValidateRejectsBadInterval(t *testing.T) {
	path := writeConfig(t, `
[sync.intervals]
build_poll = "soon"
`)

	_, err := LoadFromFiles(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build_poll")
}

func TestValidateRejectsBadServerURL(t *testing.T) {
	path := writeConfig(t, `
[sync]
server = "not a url"
`)

	_, err := LoadFromFiles(path)
	require.Error(t, err)
}

func TestDuration(t *testing.T) {
	assert.Equal(t, time.Second, Duration("", time.Second))
	assert.Equal(t, 250*time.Millisecond, Duration("250ms", time.Second))
	assert.Equal(t, time.Second, Duration("garbage", time.Second))
	assert.Equal(t, time.Second, Duration("-5s", time.Second))
}
