package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestCacheRoundTripAndExpiry(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := New(client, time.Minute)
	ctx := context.Background()
	key := KeyCommissionSummary(uuid.New())

	var got map[string]int
	hit, err := c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.False(t, hit)

	require.NoError(t, c.SetJSON(ctx, key, map[string]int{"pending": 2}))
	hit, err = c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.True(t, hit)
	require.Equal(t, 2, got["pending"])

	mr.FastForward(2 * time.Minute)
	hit, err = c.GetJSON(ctx, key, &got)
	require.NoError(t, err)
	require.False(t, hit)
}

func TestCacheDelete(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	c := New(client, time.Minute)
	ctx := context.Background()
	require.NoError(t, c.SetJSON(ctx, "k", 1))
	require.NoError(t, c.Delete(ctx, "k"))
	require.False(t, mr.Exists("k"))
}

func TestNilCacheIsNoop(t *testing.T) {
	var c *Cache
	hit, err := c.GetJSON(context.Background(), "k", new(int))
	require.NoError(t, err)
	require.False(t, hit)
	require.NoError(t, c.SetJSON(context.Background(), "k", 1))
	require.NoError(t, c.Delete(context.Background(), "k"))
}
