package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(filepath.Join(dir, "nonexistent.yaml"), dir)
	require.NoError(t, err)
	assert.Equal(t, 9876, cfg.ListenPort)
	assert.Equal(t, 30*time.Minute, cfg.StaleAge)
}

func TestLoad_OverlaysProvidedFieldsOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "daemon.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_port: 9999
strict_mode: true
`), 0o600))

	cfg, err := Load(path, dir)
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.ListenPort)
	assert.True(t, cfg.StrictMode)
	assert.Equal(t, "after", cfg.Placement, "unspecified fields should keep their default")
}

func TestDefault_RootsStateDirUnderHome(t *testing.T) {
	cfg := Default("/home/alice")
	assert.Equal(t, "/home/alice/.portguardd", cfg.StateDir)
}
