package cachemanager

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type exampleBundle struct {
	ID       int64
	TaskType string
}

func TestInMemoryCacheManager_GetExistingValue_StructType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, exampleBundle]("datasets", DefaultExpiration, DefaultCleanupInterval)
	bundle := exampleBundle{ID: 10, TaskType: "Batch"}
	cache.Set(context.Background(), "dataset:10", bundle, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "dataset:10")
	require.True(t, ok)
	require.Equal(t, bundle, got)
}

func TestInMemoryCacheManager_GetWithNoExistingValue(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("datasets", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.Get(context.Background(), "dataset:10")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWithExistingInvalidValueType(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("datasets", DefaultExpiration, DefaultCleanupInterval)

	cache.cache.Set("dataset:10", 123, DefaultExpiration)

	got, ok := cache.Get(context.Background(), "dataset:10")
	require.False(t, ok)
	require.Empty(t, got)
}

func TestInMemoryCacheManager_GetWithRefresh(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("datasets", DefaultExpiration, DefaultCleanupInterval)

	got, ok := cache.GetWithRefresh(context.Background(), "dataset:10", time.Hour)
	require.False(t, ok)
	require.Empty(t, got)

	cache.Set(context.Background(), "dataset:10", "bundle", DefaultExpiration)

	got, ok = cache.GetWithRefresh(context.Background(), "dataset:10", time.Hour)
	require.True(t, ok)
	require.Equal(t, "bundle", got)
}

func TestInMemoryCacheManager_Delete(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("datasets", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "dataset:10", "bundle", DefaultExpiration)

	require.NoError(t, cache.Delete(context.Background()))
	_, ok := cache.Get(context.Background(), "dataset:10")
	require.True(t, ok, "delete with no keys is a no-op")

	require.NoError(t, cache.Delete(context.Background(), "dataset:10"))
	_, ok = cache.Get(context.Background(), "dataset:10")
	require.False(t, ok)
}

func TestInMemoryCacheManager_Flush(t *testing.T) {
	cache := NewInMemoryCacheManager[string, string]("datasets", DefaultExpiration, DefaultCleanupInterval)
	cache.Set(context.Background(), "dataset:10", "bundle", DefaultExpiration)
	cache.Set(context.Background(), "dataset:11", "other", DefaultExpiration)

	require.NoError(t, cache.Flush(context.Background()))

	_, ok := cache.Get(context.Background(), "dataset:10")
	require.False(t, ok)
	_, ok = cache.Get(context.Background(), "dataset:11")
	require.False(t, ok)
}
