package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_FlagsOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node:\n  listen_address: \"127.0.0.1:4000\"\n"), 0o600))

	cfg, err := loadConfig(rootFlags{
		configPath: path,
		username:   "alice",
		port:       5001,
		redis:      "redis.local:6379",
	})
	require.NoError(t, err)

	assert.Equal(t, "alice", cfg.Node.Username)
	assert.Equal(t, "127.0.0.1:5001", cfg.Node.ListenAddress)
	assert.Equal(t, "redis", cfg.Directory.Backend)
	assert.Equal(t, "redis.local:6379", cfg.Redis.Address)
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(rootFlags{configPath: filepath.Join(t.TempDir(), "absent.yaml"), port: 4100})
	require.NoError(t, err)

	assert.Equal(t, ":4100", cfg.Node.ListenAddress)
	assert.Equal(t, "memory", cfg.Directory.Backend)
}

func TestLoadConfig_InvalidFlags(t *testing.T) {
	_, err := loadConfig(rootFlags{configPath: filepath.Join(t.TempDir(), "absent.yaml"), port: 70000})
	assert.Error(t, err)
}

func TestRootCommand_Flags(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"config", "username", "port", "redis", "headless"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}
