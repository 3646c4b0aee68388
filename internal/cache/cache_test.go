package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/chartqueue/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupMiniredis returns a RedisCache backed by an in-process Redis.
func setupMiniredis(t *testing.T) (*cache.RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rc, err := cache.NewRedisCache("redis://" + mr.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

// setupRedis spins up a Redis container and returns a connected RedisCache.
func setupRedis(t *testing.T) *cache.RedisCache {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	rc, err := cache.NewRedisCache("redis://" + host + ":" + port.Port())
	require.NoError(t, err)
	t.Cleanup(func() { _ = rc.Close() })

	return rc
}

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := cache.NewRedisCache("not a url")
	assert.Error(t, err)
}

// --- Ping ---

func TestPing(t *testing.T) {
	rc, _ := setupMiniredis(t)
	assert.NoError(t, rc.Ping(context.Background()))
}

// --- MarkSeen ---

func TestMarkSeen_FirstCallWins(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	key := cache.WebhookEventKey("01HQ7Z4K2D")

	first, err := rc.MarkSeen(ctx, key, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, first)

	second, err := rc.MarkSeen(ctx, key, 24*time.Hour)
	require.NoError(t, err)
	assert.False(t, second)

	mr.FastForward(25 * time.Hour)
	again, err := rc.MarkSeen(ctx, key, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, again, "marker expires")
}

func TestDelete_ClearsMarker(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	key := cache.WebhookEventKey("01HQ7Z4K2E")

	_, err := rc.MarkSeen(ctx, key, time.Hour)
	require.NoError(t, err)
	require.NoError(t, rc.Delete(ctx, key))
	require.NoError(t, rc.Delete(ctx, "never-existed"))
	assert.False(t, mr.Exists(key))

	first, err := rc.MarkSeen(ctx, key, time.Hour)
	require.NoError(t, err)
	assert.True(t, first)
}

// --- LastJob ---

func TestSetGetLastJob(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	id := uuid.New()

	_, ok, err := rc.GetLastJob(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, rc.SetLastJob(ctx, "U1", id, time.Hour))
	got, ok, err := rc.GetLastJob(ctx, "U1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, id, got)

	mr.Set(cache.LastJobKey("U2"), "garbage")
	_, ok, err = rc.GetLastJob(ctx, "U2")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- IncrWithExpiry ---

func TestIncrWithExpiry(t *testing.T) {
	rc, mr := setupMiniredis(t)
	ctx := context.Background()
	key := cache.RateLimitKey("U1")

	for i := int64(1); i <= 3; i++ {
		n, err := rc.IncrWithExpiry(ctx, key, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	assert.Equal(t, time.Minute, mr.TTL(key))

	mr.FastForward(2 * time.Minute)
	n, err := rc.IncrWithExpiry(ctx, key, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIncrWithExpiry_RealRedis(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	rc := setupRedis(t)
	ctx := context.Background()

	n, err := rc.IncrWithExpiry(ctx, cache.RateLimitKey("it"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	first, err := rc.MarkSeen(ctx, cache.WebhookEventKey("it"), time.Minute)
	require.NoError(t, err)
	assert.True(t, first)
}

// --- Keys ---

func TestKeyBuilders(t *testing.T) {
	assert.Equal(t, "webhook:event:abc", cache.WebhookEventKey("abc"))
	assert.Equal(t, "user:lastjob:U1", cache.LastJobKey("U1"))
	assert.Equal(t, "ratelimit:U1", cache.RateLimitKey("U1"))
}

func TestKeyBuilders_NonColliding(t *testing.T) {
	keys := map[string]bool{
		cache.WebhookEventKey("x"): true,
		cache.LastJobKey("x"):      true,
		cache.RateLimitKey("x"):    true,
	}
	assert.Len(t, keys, 3)
}
