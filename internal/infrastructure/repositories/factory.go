package repositories

import (
	"context"

	"voicebox/internal/core/ports"
	"voicebox/internal/infrastructure/repositories/memory"
	redisrepo "voicebox/internal/infrastructure/repositories/redis"
	"voicebox/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// DirectoryBackend is what the node needs from a directory store.
type DirectoryBackend interface {
	ports.ConditionalDirectoryStore
	ports.HealthChecker
}

// RepositoryFactory creates the directory store, falling back to the
// in-memory store when Redis is configured but unreachable.
type RepositoryFactory struct {
	useRedis    bool
	redisClient *redis.Client
	keyPrefix   string
	logger      *zap.SugaredLogger
}

// NewRepositoryFactory creates a new repository factory
func NewRepositoryFactory(cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		useRedis:  cfg.Directory.Backend == BackendRedis,
		keyPrefix: cfg.Redis.KeyPrefix,
		logger:    logger,
	}

	if factory.useRedis {
		client, err := redisrepo.NewRedisClient(redisrepo.ClientOptions{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			PoolSize:  cfg.Redis.PoolSize,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}, logger)
		if err != nil {
			logger.Warnw("Failed to connect to Redis, falling back to in-memory directory",
				"address", cfg.Redis.Address,
				"error", err,
			)
			factory.useRedis = false
		} else {
			factory.redisClient = client
		}
	}

	logger.Infow("Directory backend selected", "backend", factory.Backend())
	return factory, nil
}

// Backend names the store CreateDirectoryStore returns.
func (f *RepositoryFactory) Backend() string {
	if f.useRedis && f.redisClient != nil {
		return BackendRedis
	}
	return BackendMemory
}

// CreateDirectoryStore creates the directory store (Redis or memory with fallback)
func (f *RepositoryFactory) CreateDirectoryStore() DirectoryBackend {
	if f.useRedis && f.redisClient != nil {
		return redisrepo.NewDirectoryStore(f.redisClient, f.keyPrefix)
	}
	return memory.NewDirectoryStore()
}

// Close closes Redis connection if used
func (f *RepositoryFactory) Close() error {
	return redisrepo.CloseRedisClient(f.redisClient)
}

// HealthCheck checks Redis connection health
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	if f.useRedis && f.redisClient != nil {
		return f.redisClient.Ping(ctx).Err()
	}
	return nil
}
