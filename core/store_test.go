package core

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a miniredis instance for store testing.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return mr, client
}

// Both store implementations must behave identically for the operations the
// coordination layer relies on, so the suite runs against each.
func forEachStore(t *testing.T, fn func(t *testing.T, store CoordinationStore)) {
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("redis", func(t *testing.T) {
		_, client := setupTestRedis(t)
		fn(t, NewRedisStoreFromClient(client, "test", &NoOpLogger{}))
	})
}

func TestStore_SetGetDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CoordinationStore) {
		ctx := context.Background()

		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)

		require.NoError(t, store.Set(ctx, "k", "v1", 0))
		v, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)

		deleted, err := store.Delete(ctx, "k")
		require.NoError(t, err)
		assert.True(t, deleted)

		deleted, err = store.Delete(ctx, "k")
		require.NoError(t, err)
		assert.False(t, deleted)
	})
}

func TestStore_SetNX(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CoordinationStore) {
		ctx := context.Background()

		ok, err := store.SetNX(ctx, "k", "first", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.SetNX(ctx, "k", "second", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "first", v)
	})
}

func TestStore_CompareAndDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CoordinationStore) {
		ctx := context.Background()

		require.NoError(t, store.Set(ctx, "k", "mine", 0))

		ok, err := store.CompareAndDelete(ctx, "k", "theirs")
		require.NoError(t, err)
		assert.False(t, ok)

		v, err := store.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "mine", v)

		ok, err = store.CompareAndDelete(ctx, "k", "mine")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.CompareAndDelete(ctx, "k", "mine")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_Hash(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CoordinationStore) {
		ctx := context.Background()

		require.NoError(t, store.HSet(ctx, "h", "f1", "v1"))
		require.NoError(t, store.HSet(ctx, "h", "f2", "v2"))

		v, err := store.HGet(ctx, "h", "f1")
		require.NoError(t, err)
		assert.Equal(t, "v1", v)

		_, err = store.HGet(ctx, "h", "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)

		keys, err := store.HKeys(ctx, "h")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"f1", "f2"}, keys)

		all, err := store.HGetAll(ctx, "h")
		require.NoError(t, err)
		assert.Equal(t, map[string]string{"f1": "v1", "f2": "v2"}, all)

		n, err := store.HDel(ctx, "h", "f1", "missing")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	})
}

func TestStore_Set(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CoordinationStore) {
		ctx := context.Background()

		require.NoError(t, store.SAdd(ctx, "s", "a", "b"))

		ok, err := store.SIsMember(ctx, "s", "a")
		require.NoError(t, err)
		assert.True(t, ok)

		members, err := store.SMembers(ctx, "s")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, members)

		n, err := store.SRem(ctx, "s", "a", "c")
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		ok, err = store.SIsMember(ctx, "s", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStore_ListTrim(t *testing.T) {
	forEachStore(t, func(t *testing.T, store CoordinationStore) {
		ctx := context.Background()

		for _, v := range []string{"1", "2", "3", "4", "5"} {
			require.NoError(t, store.LPush(ctx, "l", v))
		}
		// Keep the 3 most recently pushed.
		require.NoError(t, store.LTrim(ctx, "l", 0, 2))

		got, err := store.LRange(ctx, "l", 0, -1)
		require.NoError(t, err)
		assert.Equal(t, []string{"5", "4", "3"}, got)
	})
}

func TestRedisStore_Expiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStoreFromClient(client, "test", &NoOpLogger{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	mr.FastForward(2 * time.Second)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestRedisStore_Persist(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStoreFromClient(client, "test", &NoOpLogger{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", time.Second))
	require.NoError(t, store.Persist(ctx, "k"))
	mr.FastForward(time.Minute)

	v, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)
}

func TestRedisStore_Namespacing(t *testing.T) {
	mr, client := setupTestRedis(t)
	store := NewRedisStoreFromClient(client, "test", &NoOpLogger{})
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 0))
	assert.True(t, mr.Exists("test:k"))
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Set(ctx, "k", "v", 10*time.Millisecond))
	time.Sleep(30 * time.Millisecond)

	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
