package redis

import (
	"context"
	"errors"
	"fmt"

	"voicebox/pkg/validation"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const currentSchemaVersion = 1

// ErrSchemaTooNew is returned when the directory was written by a newer
// release than this one understands.
var ErrSchemaTooNew = errors.New("directory schema is newer than supported")

// Migration upgrades the key layout under one prefix by a single version.
type Migration struct {
	Version int
	Up      func(ctx context.Context, client *redis.Client, prefix string) error
}

func schemaVersionKey(prefix string) string {
	return prefix + "schema:version"
}

// Migrate runs all pending migrations for prefix.
func Migrate(ctx context.Context, client *redis.Client, prefix string, logger *zap.SugaredLogger) error {
	currentVersion, err := getSchemaVersion(ctx, client, prefix)
	if err != nil {
		return fmt.Errorf("failed to get schema version: %w", err)
	}

	if currentVersion > currentSchemaVersion {
		return fmt.Errorf("%w: found %d, supported %d", ErrSchemaTooNew, currentVersion, currentSchemaVersion)
	}
	if currentVersion == currentSchemaVersion {
		if logger != nil {
			logger.Debugw("Directory schema is up to date", "version", currentVersion)
		}
		return nil
	}

	for _, migration := range getMigrations() {
		if migration.Version <= currentVersion {
			continue
		}
		if logger != nil {
			logger.Infow("Running directory migration", "version", migration.Version)
		}
		if err := migration.Up(ctx, client, prefix); err != nil {
			return fmt.Errorf("migration %d failed: %w", migration.Version, err)
		}
		if err := setSchemaVersion(ctx, client, prefix, migration.Version); err != nil {
			return fmt.Errorf("failed to update schema version: %w", err)
		}
	}

	return nil
}

func getSchemaVersion(ctx context.Context, client *redis.Client, prefix string) (int, error) {
	val, err := client.Get(ctx, schemaVersionKey(prefix)).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

func setSchemaVersion(ctx context.Context, client *redis.Client, prefix string, version int) error {
	return client.Set(ctx, schemaVersionKey(prefix), version, 0).Err()
}

func getMigrations() []Migration {
	return []Migration{
		{
			// Version 1: user records are plain host:port strings. Records
			// left by older tooling that do not parse are removed so a
			// lookup never hands out an undialable address.
			Version: 1,
			Up: func(ctx context.Context, client *redis.Client, prefix string) error {
				iter := client.Scan(ctx, 0, userKeyPattern(prefix), 100).Iterator()
				for iter.Next(ctx) {
					key := iter.Val()
					value, err := client.Get(ctx, key).Result()
					if errors.Is(err, redis.Nil) {
						continue
					}
					if err != nil {
						return err
					}
					if validation.ValidateAddress(value) != nil {
						if err := client.Del(ctx, key).Err(); err != nil {
							return err
						}
					}
				}
				return iter.Err()
			},
		},
	}
}
