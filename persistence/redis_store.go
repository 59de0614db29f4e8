package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStateStore is a Redis-based implementation of StateStore.
// Snapshots are stored as JSON strings; a sorted set keyed by update time
// indexes every task id. Suitable for distributed deployments.
type RedisStateStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	ownClient bool
}

// NewRedisStateStore dials Redis from config and verifies the connection.
func NewRedisStateStore(config RedisStoreConfig) (*RedisStateStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	store := NewRedisStateStoreWithClient(client, config.KeyPrefix, config.TTL)
	store.ownClient = true
	return store, nil
}

// NewRedisStateStoreWithClient wraps an existing client. The caller keeps
// ownership of the client.
func NewRedisStateStoreWithClient(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisStateStore {
	if keyPrefix == "" {
		keyPrefix = "taskcore:"
	}
	return &RedisStateStore{
		client:    client,
		keyPrefix: keyPrefix + "snapshot:",
		ttl:       ttl,
	}
}

// Close closes the store
func (s *RedisStateStore) Close() error {
	if s.ownClient {
		return s.client.Close()
	}
	return nil
}

// Ping checks if the store is healthy
func (s *RedisStateStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStateStore) dataKey(taskID string) string {
	return s.keyPrefix + "data:" + taskID
}

func (s *RedisStateStore) indexKey() string {
	return s.keyPrefix + "all"
}

// LoadConfig retrieves a snapshot by task ID
func (s *RedisStateStore) LoadConfig(ctx context.Context, taskID string) (*Snapshot, error) {
	data, err := s.client.Get(ctx, s.dataKey(taskID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", taskID, err)
	}
	return &snap, nil
}

// UpsertConfig stores a snapshot unless a newer version is already present.
// The version check and the write run in one optimistic transaction.
func (s *RedisStateStore) UpsertConfig(ctx context.Context, snap *Snapshot) error {
	if err := validSnapshot(snap); err != nil {
		return err
	}
	stored := cloneSnapshot(snap)
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now()
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	key := s.dataKey(stored.TaskID)
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			var existing Snapshot
			if json.Unmarshal(cur, &existing) == nil && existing.Version > stored.Version {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, s.indexKey(), redis.Z{
				Score:  float64(stored.UpdatedAt.UnixNano()),
				Member: stored.TaskID,
			})
			return nil
		})
		return err
	}

	for attempt := 0; attempt < 3; attempt++ {
		err = s.client.Watch(ctx, txf, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("upsert snapshot %s: %w", stored.TaskID, err)
}

// DeleteConfig removes a snapshot
func (s *RedisStateStore) DeleteConfig(ctx context.Context, taskID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.dataKey(taskID))
	pipe.ZRem(ctx, s.indexKey(), taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// ListConfigs returns snapshots ordered by task id
func (s *RedisStateStore) ListConfigs(ctx context.Context, state string) ([]*Snapshot, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.LoadConfig(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// expired by TTL; drop the stale index entry
			s.client.ZRem(ctx, s.indexKey(), id)
			continue
		}
		if err != nil {
			return nil, err
		}
		if state == "" || snap.State == state {
			result = append(result, snap)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TaskID < result[j].TaskID })
	return result, nil
}
