package check

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, zfsPath string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "zfs_path: " + zfsPath + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func fakeExecutable(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zfs")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexit 0\n"), 0o755))
	return path
}

func okResolver() (string, error) { return "10.0.0.1", nil }

func TestRunSucceedsWithResolvableBinaryAndIP(t *testing.T) {
	configPath := writeConfig(t, fakeExecutable(t))

	var lines []string
	err := Run(context.Background(), configPath, okResolver, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Contains(t, lines, "config: OK")
	assert.Contains(t, lines, "management IP 10.0.0.1: OK")
	assert.Contains(t, lines, "all checks passed")
}

func TestRunSkipsIPCheckWhenResolverNil(t *testing.T) {
	configPath := writeConfig(t, fakeExecutable(t))

	var lines []string
	err := Run(context.Background(), configPath, nil, func(s string) { lines = append(lines, s) })
	require.NoError(t, err)
	assert.Contains(t, lines, "all checks passed")
}

func TestRunFailsWhenBinaryMissing(t *testing.T) {
	configPath := writeConfig(t, filepath.Join(t.TempDir(), "does-not-exist"))

	err := Run(context.Background(), configPath, okResolver, func(string) {})
	require.Error(t, err)
}

func TestRunFailsWhenIPResolutionFails(t *testing.T) {
	configPath := writeConfig(t, fakeExecutable(t))

	err := Run(context.Background(), configPath, func() (string, error) {
		return "", fmt.Errorf("no routable interface")
	}, func(string) {})
	require.Error(t, err)
}

func TestRunFailsOnInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("zfs_path: \"\"\n"), 0o644))

	err := Run(context.Background(), path, okResolver, func(string) {})
	require.Error(t, err)
}

func TestRunRespectsCancelledContext(t *testing.T) {
	configPath := writeConfig(t, fakeExecutable(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Run(ctx, configPath, okResolver, func(string) {})
	require.Error(t, err)
}
