package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipforge/clipforge/internal/logger"
)

func TestDefaultValidates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	yaml := `
server:
  port: 9999
broadcast:
  driver: local
  coalesce_interval: 2s
reaper:
  running_ceiling: 12h
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "local", cfg.Broadcast.Driver)
	assert.Equal(t, 2*time.Second, cfg.Broadcast.CoalesceInterval)
	assert.Equal(t, 12*time.Hour, cfg.Reaper.RunningCeiling)
	// Untouched sections keep defaults.
	assert.Equal(t, "sqlite", cfg.Database.Type)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("CLIPFORGE_PORT", "7070")
	t.Setenv("DATABASE_TYPE", "postgres")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Database.Type)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("DATABASE_TYPE", "oracle")

	_, err := Load("")
	assert.Error(t, err)
}

func TestManagerReloadSwapsSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1111\n"), 0o644))

	m, err := NewManager(path, logger.Nop())
	require.NoError(t, err)

	before := m.Snapshot()
	assert.Equal(t, 1111, before.Server.Port)

	var gotOld, gotNew *Config
	m.OnChange(func(oldCfg, newCfg *Config) {
		gotOld, gotNew = oldCfg, newCfg
	})

	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 2222\n"), 0o644))
	m.reload()

	after := m.Snapshot()
	assert.Equal(t, 2222, after.Server.Port)
	assert.Equal(t, 1111, before.Server.Port, "old snapshot is untouched")
	assert.Same(t, before, gotOld)
	assert.Same(t, after, gotNew)
}

func TestManagerReloadKeepsSnapshotOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "clipforge.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 1111\n"), 0o644))

	m, err := NewManager(path, logger.Nop())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("queue:\n  concurrency: 0\n"), 0o644))
	m.reload()

	assert.Equal(t, 1111, m.Snapshot().Server.Port)
}
