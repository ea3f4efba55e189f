package services

import (
	"context"
	"time"

	"voicebox/internal/core/ports"
	"voicebox/pkg/cache"
)

// CachedPeerDirectory wraps a PeerDirectory with a lookup cache. Published
// records never change, so a positive answer stays valid; misses and
// errors are never cached.
type CachedPeerDirectory struct {
	base  ports.PeerDirectory
	cache *cache.Cache[string]
	ttl   time.Duration
}

var _ ports.CachingDirectory = (*CachedPeerDirectory)(nil)

// NewCachedPeerDirectory creates a new cached directory
func NewCachedPeerDirectory(base ports.PeerDirectory, ttl time.Duration) *CachedPeerDirectory {
	return &CachedPeerDirectory{
		base:  base,
		cache: cache.New[string](ttl),
		ttl:   ttl,
	}
}

func cacheKey(username string) string {
	return "user:" + username
}

// Register registers through the base directory and remembers our own
// record on success.
func (d *CachedPeerDirectory) Register(ctx context.Context, username, address string) (bool, error) {
	ok, err := d.base.Register(ctx, username, address)
	if err != nil {
		return false, err
	}
	if ok {
		d.cache.Set(cacheKey(username), address)
	}
	return ok, nil
}

// Lookup resolves a username with caching
func (d *CachedPeerDirectory) Lookup(ctx context.Context, username string) (string, error) {
	address, _, err := d.cache.GetOrSet(ctx, cacheKey(username), func(ctx context.Context) (string, error) {
		return d.base.Lookup(ctx, username)
	}, d.ttl)
	return address, err
}

// Forget drops a cached record. Node.Call uses it once the address stops
// answering.
func (d *CachedPeerDirectory) Forget(username string) {
	d.cache.Delete(cacheKey(username))
}

func (d *CachedPeerDirectory) Stats() cache.Stats {
	return d.cache.GetStats()
}

// Close stops the cache cleanup goroutine.
func (d *CachedPeerDirectory) Close() {
	d.cache.Stop()
}
