package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"voicebox/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirectoryStore_PutGet(t *testing.T) {
	store := NewDirectoryStore()
	ctx := context.Background()

	_, err := store.Get(ctx, "alice")
	assert.ErrorIs(t, err, domain.ErrKeyNotFound)

	require.NoError(t, store.Put(ctx, "alice", "10.0.0.1:4000"))
	value, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4000", value)
	assert.Equal(t, 1, store.Len())
}

func TestDirectoryStore_PutIfAbsent(t *testing.T) {
	store := NewDirectoryStore()
	ctx := context.Background()

	ok, err := store.PutIfAbsent(ctx, "alice", "10.0.0.1:4000")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.PutIfAbsent(ctx, "alice", "10.0.0.2:4000")
	require.NoError(t, err)
	assert.False(t, ok)

	value, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:4000", value)
}

func TestDirectoryStore_PutIfAbsentSingleWinner(t *testing.T) {
	store := NewDirectoryStore()

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.PutIfAbsent(context.Background(), "alice", fmt.Sprintf("10.0.0.%d:4000", i))
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestDirectoryStore_CancelledContext(t *testing.T) {
	store := NewDirectoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, store.Put(ctx, "a", "b"), context.Canceled)
	_, err := store.Get(ctx, "a")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, store.Ping(ctx), context.Canceled)
	assert.Equal(t, 0, store.Len())
}
