package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadEmptyFilenameReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverridesLayerOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	yaml := "zfs_path: /opt/local/sbin/zfs\nlink_idle_timeout: 90s\n"
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/opt/local/sbin/zfs", cfg.ZFSPath)
	assert.Equal(t, 90*time.Second, cfg.LinkIdleTimeout)
	assert.Equal(t, Default().SnapshotPrefix, cfg.SnapshotPrefix)
}

func TestLoadRejectsInvalidOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("zfs_path: \"\"\n"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidateCatchesZeroTimeouts(t *testing.T) {
	cfg := Default()
	cfg.EstimateTimeout = 0
	assert.Error(t, cfg.Validate())
}
