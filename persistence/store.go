// Package persistence provides the state store collaborator used to snapshot
// task state machines.
//
// Snapshots are best-effort: a failed write is logged by the caller and never
// rolls back a transition. Writes are versioned so that an out-of-order or
// duplicated write never replaces a newer snapshot.
//
// Supported backends:
// - Memory: For development and testing (default)
// - Redis: For distributed deployments
// - SQL: Postgres, MySQL or SQLite through GORM
package persistence

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound     = errors.New("not found")
	ErrStoreClosed  = errors.New("store is closed")
	ErrInvalidInput = errors.New("invalid input")
)

// StoreType represents the type of storage backend
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeRedis  StoreType = "redis"
	StoreTypeSQL    StoreType = "sql"
)

// Snapshot is the persisted view of one task's state machine.
type Snapshot struct {
	TaskID        string    `json:"taskId"`
	Kind          string    `json:"kind"`
	State         string    `json:"state"`
	PreviousState string    `json:"previousState,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	Version       int       `json:"version"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Store is the base interface for all persistent stores
type Store interface {
	// Close closes the store and releases resources
	Close() error

	// Ping checks if the store is healthy
	Ping(ctx context.Context) error
}

// StateStore persists state machine snapshots.
type StateStore interface {
	Store

	// LoadConfig returns the latest snapshot for taskID or ErrNotFound.
	LoadConfig(ctx context.Context, taskID string) (*Snapshot, error)

	// UpsertConfig stores snap unless a snapshot with a higher version exists.
	UpsertConfig(ctx context.Context, snap *Snapshot) error

	// DeleteConfig removes the snapshot for taskID. Missing ids are not an error.
	DeleteConfig(ctx context.Context, taskID string) error

	// ListConfigs returns all snapshots, optionally filtered by state, ordered by task id.
	ListConfigs(ctx context.Context, state string) ([]*Snapshot, error)
}

// StoreConfig is the base configuration for all store implementations
type StoreConfig struct {
	// Type is the storage backend type
	Type StoreType `json:"type" yaml:"type" env:"TYPE"`

	// Redis configuration (only used when Type is "redis")
	Redis RedisStoreConfig `json:"redis" yaml:"redis" env:"REDIS"`
}

// RedisStoreConfig contains Redis-specific configuration
type RedisStoreConfig struct {
	// Addr is the Redis server address (host:port)
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`

	// Password is the Redis password (optional)
	Password string `json:"password" yaml:"password" env:"PASSWORD"`

	// DB is the Redis database number
	DB int `json:"db" yaml:"db" env:"DB"`

	// PoolSize is the connection pool size
	PoolSize int `json:"pool_size" yaml:"pool_size" env:"POOL_SIZE"`

	// KeyPrefix is the prefix for all Redis keys
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix" env:"KEY_PREFIX"`

	// TTL expires snapshots of finished tasks; 0 keeps them forever
	TTL time.Duration `json:"ttl" yaml:"ttl" env:"TTL"`
}

// DefaultStoreConfig returns the default store configuration
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type: StoreTypeMemory,
		Redis: RedisStoreConfig{
			Addr:      "localhost:6379",
			DB:        0,
			PoolSize:  10,
			KeyPrefix: "taskcore:",
		},
	}
}

func validSnapshot(snap *Snapshot) error {
	if snap == nil || snap.TaskID == "" {
		return ErrInvalidInput
	}
	return nil
}

func cloneSnapshot(s *Snapshot) *Snapshot {
	c := *s
	return &c
}
