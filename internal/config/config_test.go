package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withIsolatedHome(t *testing.T) string {
	t.Helper()
	tmpDir := t.TempDir()
	oldHome := os.Getenv("HOME")
	os.Setenv("HOME", tmpDir)
	t.Cleanup(func() { os.Setenv("HOME", oldHome) })
	return tmpDir
}

func TestLoadDefaults(t *testing.T) {
	withIsolatedHome(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8443", cfg.Listen)
	assert.Equal(t, 100, cfg.MaxMessagesPerSession)
	assert.Equal(t, 1000, cfg.MaxMemoryMessages)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatTimeout)
}

func TestLoadGlobalConfig(t *testing.T) {
	withIsolatedHome(t)

	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "portal.json"), []byte(`{
		"listen": ":9000",
		"max_pending_messages_per_session": 512
	}`), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, 512, cfg.MaxPendingMessagesPerSession)
}

func TestProjectConfigOverridesGlobal(t *testing.T) {
	withIsolatedHome(t)
	projectDir := t.TempDir()

	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "portal.json"), []byte(`{"listen": ":9000"}`), 0644))

	projCfgDir := filepath.Join(projectDir, ".portal")
	require.NoError(t, os.MkdirAll(projCfgDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(projCfgDir, "portal.json"), []byte(`{"listen": ":9100"}`), 0644))

	cfg, err := Load(projectDir)
	require.NoError(t, err)

	assert.Equal(t, ":9100", cfg.Listen)
}

func TestJSONCComments(t *testing.T) {
	withIsolatedHome(t)

	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	jsonc := `{
		// listen address
		"listen": ":7000",
		/* block comment */
		"dev_mode": true
	}`
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "portal.jsonc"), []byte(jsonc), 0644))

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":7000", cfg.Listen)
	assert.True(t, cfg.DevMode)
}

func TestEnvOverride(t *testing.T) {
	withIsolatedHome(t)

	os.Setenv("PORTAL_LISTEN", "127.0.0.1:1234")
	defer os.Unsetenv("PORTAL_LISTEN")
	os.Setenv("PORTAL_HEARTBEAT_TIMEOUT", "90s")
	defer os.Unsetenv("PORTAL_HEARTBEAT_TIMEOUT")
	os.Setenv("PORTAL_DEV_MODE", "true")
	defer os.Unsetenv("PORTAL_DEV_MODE")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:1234", cfg.Listen)
	assert.Equal(t, 90*time.Second, cfg.HeartbeatTimeout)
	assert.True(t, cfg.DevMode)
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	withIsolatedHome(t)

	globalDir := GetPaths().Config
	require.NoError(t, os.MkdirAll(globalDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(globalDir, "portal.json"), []byte(`{"listen": ":9000"}`), 0644))

	os.Setenv("PORTAL_LISTEN", ":9500")
	defer os.Unsetenv("PORTAL_LISTEN")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":9500", cfg.Listen)
}

func TestStripJSONComments(t *testing.T) {
	input := []byte(`{
		// comment
		"a": 1, /* inline */ "b": 2
	}`)
	out := stripJSONComments(input)
	assert.NotContains(t, string(out), "comment")
	assert.NotContains(t, string(out), "inline")
	assert.Contains(t, string(out), `"a": 1`)
	assert.Contains(t, string(out), `"b": 2`)
}

func TestMergeConfigKeepsTargetWhenSourceZero(t *testing.T) {
	target := &Config{Listen: ":8443", MaxMemoryMessages: 1000}
	source := &Config{MaxMessagesPerSession: 100}

	mergeConfig(target, source)

	assert.Equal(t, ":8443", target.Listen)
	assert.Equal(t, 100, target.MaxMessagesPerSession)
	assert.Equal(t, 1000, target.MaxMemoryMessages)
}

func TestMergeConfigOverridesNonZero(t *testing.T) {
	target := &Config{Listen: ":8443", DevMode: false}
	source := &Config{Listen: ":9000", DevMode: true}

	mergeConfig(target, source)

	assert.Equal(t, ":9000", target.Listen)
	assert.True(t, target.DevMode)
}

func TestSaveAndReload(t *testing.T) {
	withIsolatedHome(t)

	cfg := Default()
	cfg.Listen = ":9999"

	path := filepath.Join(t.TempDir(), "portal.json")
	require.NoError(t, Save(cfg, path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `":9999"`)
}

func TestDefaultPaths(t *testing.T) {
	p := GetPaths()
	assert.Contains(t, p.Data, "portal")
	assert.Contains(t, p.Config, "portal")
	assert.Contains(t, p.Cache, "portal")
	assert.Contains(t, p.State, "portal")
}
