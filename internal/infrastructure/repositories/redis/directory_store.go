package redis

import (
	"context"
	"errors"
	"fmt"

	"voicebox/internal/core/domain"
	"voicebox/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "voicebox:"

// DirectoryStore keeps directory entries as plain string values under
// <prefix>user:<key>. Entries never expire.
type DirectoryStore struct {
	client *redis.Client
	prefix string
}

var (
	_ ports.ConditionalDirectoryStore = (*DirectoryStore)(nil)
	_ ports.HealthChecker             = (*DirectoryStore)(nil)
)

func NewDirectoryStore(client *redis.Client, prefix string) *DirectoryStore {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &DirectoryStore{
		client: client,
		prefix: prefix,
	}
}

func userKey(prefix, key string) string {
	return prefix + "user:" + key
}

func userKeyPattern(prefix string) string {
	return prefix + "user:*"
}

func (s *DirectoryStore) Put(ctx context.Context, key, value string) error {
	if err := s.client.Set(ctx, userKey(s.prefix, key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set directory entry in Redis: %w", err)
	}
	return nil
}

func (s *DirectoryStore) Get(ctx context.Context, key string) (string, error) {
	value, err := s.client.Get(ctx, userKey(s.prefix, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", domain.ErrKeyNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get directory entry from Redis: %w", err)
	}
	return value, nil
}

// PutIfAbsent publishes with SETNX, so concurrent registrations of one
// key have exactly one winner.
func (s *DirectoryStore) PutIfAbsent(ctx context.Context, key, value string) (bool, error) {
	ok, err := s.client.SetNX(ctx, userKey(s.prefix, key), value, 0).Result()
	if err != nil {
		return false, fmt.Errorf("failed to publish directory entry in Redis: %w", err)
	}
	return ok, nil
}

func (s *DirectoryStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
