package repositories

import (
	"context"
	"net"
	"testing"

	"voicebox/internal/infrastructure/repositories/memory"
	"voicebox/pkg/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRepositoryFactory_Memory(t *testing.T) {
	cfg := config.DefaultConfig()

	f, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, BackendMemory, f.Backend())
	assert.IsType(t, &memory.DirectoryStore{}, f.CreateDirectoryStore())
	assert.NoError(t, f.HealthCheck(context.Background()))
}

func TestRepositoryFactory_FallsBackWhenRedisUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	cfg := config.DefaultConfig()
	cfg.Directory.Backend = BackendRedis
	cfg.Redis.Address = addr

	f, err := NewRepositoryFactory(cfg, zap.NewNop().Sugar())
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, BackendMemory, f.Backend())

	store := f.CreateDirectoryStore()
	ok, err := store.PutIfAbsent(context.Background(), "alice", "10.0.0.1:4000")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, store.Ping(context.Background()))
}
