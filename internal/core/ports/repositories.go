package ports

import "context"

// DirectoryStore is the external key-value directory. Get returns
// domain.ErrKeyNotFound when the key is absent.
type DirectoryStore interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
}

// ConditionalDirectoryStore is implemented by stores that can publish a
// key atomically only when it is absent.
type ConditionalDirectoryStore interface {
	DirectoryStore
	PutIfAbsent(ctx context.Context, key, value string) (bool, error)
}

// HealthChecker is implemented by stores that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
