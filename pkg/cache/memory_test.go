package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type snapshot struct {
	Day     string  `json:"day"`
	Balance float64 `json:"balance"`
}

func TestMemoryCacheRoundTripsStructs(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, Key("risk", "state"), snapshot{Day: "2026-01-02", Balance: 950}, 0))

	var got snapshot
	require.NoError(t, c.Get(ctx, "risk:state", &got))
	assert.Equal(t, snapshot{Day: "2026-01-02", Balance: 950}, got)

	var missing snapshot
	assert.ErrorIs(t, c.Get(ctx, "nope", &missing), ErrCacheMiss)
}

func TestMemoryCacheExpiry(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", "v", 10*time.Millisecond))
	ok, err := c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(25 * time.Millisecond)
	ok, err = c.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryCacheLock(t *testing.T) {
	c := NewMemoryCache()
	defer c.Close()
	ctx := context.Background()

	ok, err := c.TryLock(ctx, "proposal:1", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.TryLock(ctx, "proposal:1", time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Unlock(ctx, "proposal:1"))
	assert.ErrorIs(t, c.Unlock(ctx, "proposal:1"), ErrCacheMiss)
}

func TestMemoryCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewMemoryCache(WithMemoryMaxSize(2))
	defer c.Close()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "a", "1", 0))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "b", "2", 0))
	time.Sleep(time.Millisecond)
	var s string
	require.NoError(t, c.Get(ctx, "a", &s))
	time.Sleep(time.Millisecond)
	require.NoError(t, c.Set(ctx, "c", "3", 0))

	ok, _ := c.Exists(ctx, "b")
	assert.False(t, ok)
	ok, _ = c.Exists(ctx, "a")
	assert.True(t, ok)
}
