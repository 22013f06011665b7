package cache

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, time.Hour), mr
}

func TestRoundTripIsBitIdentical(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	vector := []float32{0.125, -3.5, 1e-7, 42}
	require.NoError(t, c.Put(ctx, "hello world", "m1", vector))

	got, ok := c.Get(ctx, "hello world", "m1")
	require.True(t, ok)
	require.Equal(t, vector, got, "cached vector must round-trip bit-identically")
}

func TestMissOnUnknownAndDifferentModel(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok := c.Get(ctx, "never stored", "m1")
	require.False(t, ok)

	require.NoError(t, c.Put(ctx, "hello", "m1", []float32{1}))
	_, ok = c.Get(ctx, "hello", "m2")
	require.False(t, ok, "model is part of the cache key")
}

func TestCorruptEntryIsDropped(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	key := Key("hello", "m1")
	require.NoError(t, mr.Set(key, "not a compressed vector"))

	_, ok := c.Get(ctx, "hello", "m1")
	require.False(t, ok)
	require.False(t, mr.Exists(key), "corrupt entries are evicted on read")
}

func TestPutAsyncEventuallyVisible(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	c.PutAsync("async text", "m1", []float32{1, 2, 3})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, ok := c.Get(ctx, "async text", "m1"); ok {
			require.Equal(t, []float32{1, 2, 3}, got)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("async put never became visible")
}

func TestKeyIsDeterministic(t *testing.T) {
	require.Equal(t, Key("a", "m"), Key("a", "m"))
	require.NotEqual(t, Key("a", "m"), Key("b", "m"))
	require.NotEqual(t, Key("ab", "c"), Key("a", "bc"), "separator must prevent boundary collisions")
}
