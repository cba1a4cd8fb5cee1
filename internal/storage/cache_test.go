package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"safe-code-sandbox/internal/config"
	"safe-code-sandbox/internal/monitor"
	"safe-code-sandbox/internal/sandbox"
)

func setupTestCache(t *testing.T) (*miniredis.Miniredis, *RedisCache) {
	t.Helper()
	mr := miniredis.RunT(t)

	cache, err := NewRedisCache(context.Background(), config.CacheConfig{
		Addr:   mr.Addr(),
		TTL:    time.Minute,
		Prefix: "test:",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	return mr, cache
}

func TestRedisCache_Miss(t *testing.T) {
	_, cache := setupTestCache(t)

	_, ok, err := cache.Get(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_SetAndGet(t *testing.T) {
	mr, cache := setupTestCache(t)
	ctx := context.Background()

	want := sandbox.Result{
		ID:       "exec-1",
		Text:     "42",
		Status:   sandbox.StatusOK,
		Kind:     sandbox.KindSuccess,
		Duration: 15 * time.Millisecond,
		CodeHash: "abc",
		Detections: []monitor.Detection{
			{Pattern: "unbounded_loop", Severity: "low", Detail: "while True", Line: 1},
		},
	}
	require.NoError(t, cache.Set(ctx, "k1", want))

	assert.True(t, mr.Exists("test:k1"))
	assert.Equal(t, time.Minute, mr.TTL("test:k1"))

	got, ok, err := cache.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)
}

func TestRedisCache_Expiry(t *testing.T) {
	mr, cache := setupTestCache(t)
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "k1", sandbox.Result{Text: "x", Status: sandbox.StatusOK}))
	mr.FastForward(2 * time.Minute)

	_, ok, err := cache.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisCache_CorruptEntry(t *testing.T) {
	mr, cache := setupTestCache(t)
	require.NoError(t, mr.Set("test:bad", "{not json"))

	_, _, err := cache.Get(context.Background(), "bad")
	require.Error(t, err)
}

func TestRedisCache_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisCache(context.Background(), config.CacheConfig{Addr: addr})
	require.Error(t, err)
}

func TestRedisCache_Healthy(t *testing.T) {
	mr, cache := setupTestCache(t)
	assert.True(t, cache.Healthy(context.Background()))

	mr.Close()
	assert.False(t, cache.Healthy(context.Background()))
}
