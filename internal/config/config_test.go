package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWithNoConfigFile(t *testing.T) {
	cfg, _, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "broker-1", cfg.NodeID)
	require.Equal(t, ":4730", cfg.ListenAddr)
	require.Equal(t, 1, cfg.ThreadCount)
	require.Equal(t, 30*time.Second, cfg.ShutdownGrace)
	require.Empty(t, cfg.AdminAuthSecret)
}

func TestLoadOverridesFromConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brokerd.yaml")
	contents := "node_id: broker-east\nthread_count: 4\nadmin_auth_secret: s3cr3t\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "broker-east", cfg.NodeID)
	require.Equal(t, 4, cfg.ThreadCount)
	require.Equal(t, "s3cr3t", cfg.AdminAuthSecret)
	// unset keys still fall back to defaults
	require.Equal(t, ":4730", cfg.ListenAddr)
}

func TestLoadRejectsUnreadableConfigFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
