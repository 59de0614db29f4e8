package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// =============================================================================
// 🧪 StateStore 通用契约测试
// =============================================================================

func newSQLiteStore(t *testing.T) *SQLStateStore {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	// :memory: 每个连接是独立数据库
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	store, err := NewSQLStateStore(db)
	require.NoError(t, err)
	return store
}

func newMiniredisStore(t *testing.T) (*miniredis.Miniredis, *RedisStateStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	store, err := NewRedisStateStore(RedisStoreConfig{Addr: mr.Addr(), KeyPrefix: "test:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return mr, store
}

func storeBackends(t *testing.T) map[string]StateStore {
	_, rs := newMiniredisStore(t)
	return map[string]StateStore{
		"memory": NewMemoryStateStore(),
		"redis":  rs,
		"sql":    newSQLiteStore(t),
	}
}

func TestStateStore_Contract(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Ping(ctx))

			_, err := store.LoadConfig(ctx, "missing")
			assert.ErrorIs(t, err, ErrNotFound)

			assert.ErrorIs(t, store.UpsertConfig(ctx, nil), ErrInvalidInput)
			assert.ErrorIs(t, store.UpsertConfig(ctx, &Snapshot{}), ErrInvalidInput)

			require.NoError(t, store.UpsertConfig(ctx, &Snapshot{
				TaskID: "b", Kind: "routine", State: "RUNNING", PreviousState: "READY", Version: 3,
			}))
			require.NoError(t, store.UpsertConfig(ctx, &Snapshot{
				TaskID: "a", Kind: "swarm", State: "ACTIVE", Version: 1,
			}))

			got, err := store.LoadConfig(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "routine", got.Kind)
			assert.Equal(t, "RUNNING", got.State)
			assert.Equal(t, "READY", got.PreviousState)
			assert.Equal(t, 3, got.Version)
			assert.False(t, got.UpdatedAt.IsZero())

			// 旧版本写入被忽略
			require.NoError(t, store.UpsertConfig(ctx, &Snapshot{
				TaskID: "b", Kind: "routine", State: "READY", Version: 2,
			}))
			got, err = store.LoadConfig(ctx, "b")
			require.NoError(t, err)
			assert.Equal(t, "RUNNING", got.State)

			// 同版本或更高版本覆盖
			require.NoError(t, store.UpsertConfig(ctx, &Snapshot{
				TaskID: "b", Kind: "routine", State: "PAUSED", PreviousState: "RUNNING", Version: 4,
			}))

			all, err := store.ListConfigs(ctx, "")
			require.NoError(t, err)
			require.Len(t, all, 2)
			assert.Equal(t, "a", all[0].TaskID)
			assert.Equal(t, "b", all[1].TaskID)

			paused, err := store.ListConfigs(ctx, "PAUSED")
			require.NoError(t, err)
			require.Len(t, paused, 1)
			assert.Equal(t, "b", paused[0].TaskID)

			require.NoError(t, store.DeleteConfig(ctx, "b"))
			require.NoError(t, store.DeleteConfig(ctx, "never-existed"))
			_, err = store.LoadConfig(ctx, "b")
			assert.ErrorIs(t, err, ErrNotFound)

			all, err = store.ListConfigs(ctx, "")
			require.NoError(t, err)
			assert.Len(t, all, 1)
		})
	}
}

func TestMemoryStateStore_ReturnsCopies(t *testing.T) {
	store := NewMemoryStateStore()
	ctx := context.Background()
	snap := &Snapshot{TaskID: "t1", State: "READY", Version: 1}
	require.NoError(t, store.UpsertConfig(ctx, snap))

	snap.State = "mutated"
	got, err := store.LoadConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "READY", got.State)

	got.State = "mutated-again"
	again, err := store.LoadConfig(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "READY", again.State)
}

func TestMemoryStateStore_Closed(t *testing.T) {
	store := NewMemoryStateStore()
	require.NoError(t, store.Close())
	ctx := context.Background()

	assert.ErrorIs(t, store.Ping(ctx), ErrStoreClosed)
	assert.ErrorIs(t, store.UpsertConfig(ctx, &Snapshot{TaskID: "x"}), ErrStoreClosed)
	_, err := store.LoadConfig(ctx, "x")
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = store.ListConfigs(ctx, "")
	assert.ErrorIs(t, err, ErrStoreClosed)
}

func TestRedisStateStore_TTLExpiryCleansIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStateStoreWithClient(client, "ttl:", time.Minute)
	ctx := context.Background()
	require.NoError(t, store.UpsertConfig(ctx, &Snapshot{TaskID: "t1", State: "COMPLETED", Version: 1}))
	assert.True(t, mr.Exists("ttl:snapshot:data:t1"))

	mr.FastForward(2 * time.Minute)

	list, err := store.ListConfigs(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, list)

	members, err := client.ZRange(ctx, "ttl:snapshot:all", 0, -1).Result()
	require.NoError(t, err)
	assert.Empty(t, members)
}

func TestNewRedisStateStore_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := NewRedisStateStore(RedisStoreConfig{Addr: addr})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to Redis")
}

func TestNewStateStore(t *testing.T) {
	store, err := NewStateStore(DefaultStoreConfig(), nil)
	require.NoError(t, err)
	assert.IsType(t, &MemoryStateStore{}, store)

	_, err = NewStateStore(StoreConfig{Type: StoreTypeSQL}, nil)
	assert.Error(t, err)

	_, err = NewStateStore(StoreConfig{Type: "etcd"}, nil)
	assert.Error(t, err)

	mr := miniredis.RunT(t)
	store, err = NewStateStore(StoreConfig{Type: StoreTypeRedis, Redis: RedisStoreConfig{Addr: mr.Addr()}}, nil)
	require.NoError(t, err)
	assert.IsType(t, &RedisStateStore{}, store)
	require.NoError(t, store.Close())

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err = NewStateStore(StoreConfig{Type: StoreTypeSQL}, db)
	require.NoError(t, err)
	assert.IsType(t, &SQLStateStore{}, store)
}
