package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require.NoError(t, Initialize(nil))
	assert.Equal(t, 9080, Config.HTTPPort)
	assert.Equal(t, uint16(10000), Config.WebRTCPortMin)
	assert.Equal(t, uint16(11000), Config.WebRTCPortMax)
	assert.Equal(t, 20*time.Millisecond, Config.CoalesceDelay)
	assert.Equal(t, time.Second, Config.KeepaliveDelay)
}

func TestFlagsParse(t *testing.T) {
	err := Initialize([]string{
		"--name", "T",
		"--http-port", "8123",
		"--webrtc-port-range", "20000-21000",
		"--ip-override", "10.0.0.5-203.0.113.9",
		"--app-name", "Visor",
		"--app-url-protocol", "alloplace",
		"--allo-app-auth-token", "hunter2",
	})
	require.NoError(t, err)
	assert.Equal(t, "T", Config.Name)
	assert.Equal(t, 8123, Config.HTTPPort)
	assert.Equal(t, uint16(20000), Config.WebRTCPortMin)
	assert.Equal(t, uint16(21000), Config.WebRTCPortMax)
	assert.Equal(t, "10.0.0.5", Config.IPOverrideFrom)
	assert.Equal(t, "203.0.113.9", Config.IPOverrideTo)
	assert.Equal(t, "Visor", Config.AppName)
	assert.Equal(t, "alloplace", Config.AppURLProtocol)
	assert.Equal(t, "hunter2", Config.AppAuthToken)
}

func TestBadPortRangeRejected(t *testing.T) {
	assert.Error(t, Initialize([]string{"--webrtc-port-range", "banana"}))
	assert.Error(t, Initialize([]string{"--webrtc-port-range", "11000-10000"}))
}

func TestYAMLFileAndFlagPriority(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "place.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: FromFile\nhttp_port: 7000\n"), 0o644))

	require.NoError(t, Initialize([]string{"--config", path}))
	assert.Equal(t, "FromFile", Config.Name)
	assert.Equal(t, 7000, Config.HTTPPort)

	// A flag beats the file.
	require.NoError(t, Initialize([]string{"--config", path, "--name", "FromFlag"}))
	assert.Equal(t, "FromFlag", Config.Name)
	assert.Equal(t, 7000, Config.HTTPPort)
}

func TestEnvironmentOverride(t *testing.T) {
	t.Setenv("PLACE_NAME", "FromEnv")
	t.Setenv("PLACE_HTTP_PORT", "7777")
	require.NoError(t, Initialize(nil))
	assert.Equal(t, "FromEnv", Config.Name)
	assert.Equal(t, 7777, Config.HTTPPort)

	// A flag beats the environment.
	require.NoError(t, Initialize([]string{"--name", "FromFlag"}))
	assert.Equal(t, "FromFlag", Config.Name)
}
