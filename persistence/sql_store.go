package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// snapshotRecord is the GORM model behind SQLStateStore.
type snapshotRecord struct {
	TaskID        string `gorm:"primaryKey;size:128"`
	Kind          string `gorm:"size:32;not null"`
	State         string `gorm:"size:64;index;not null"`
	PreviousState string `gorm:"size:64"`
	Reason        string `gorm:"size:1024"`
	Version       int    `gorm:"not null"`
	UpdatedAt     time.Time
}

func (snapshotRecord) TableName() string { return "task_snapshots" }

func (r *snapshotRecord) toSnapshot() *Snapshot {
	return &Snapshot{
		TaskID:        r.TaskID,
		Kind:          r.Kind,
		State:         r.State,
		PreviousState: r.PreviousState,
		Reason:        r.Reason,
		Version:       r.Version,
		UpdatedAt:     r.UpdatedAt,
	}
}

// SQLStateStore persists snapshots through GORM (postgres, mysql or sqlite).
type SQLStateStore struct {
	db *gorm.DB
}

// NewSQLStateStore migrates the snapshot table and returns the store.
func NewSQLStateStore(db *gorm.DB) (*SQLStateStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.AutoMigrate(&snapshotRecord{}); err != nil {
		return nil, fmt.Errorf("migrate task_snapshots: %w", err)
	}
	return &SQLStateStore{db: db}, nil
}

// Close is a no-op; the connection pool belongs to the caller.
func (s *SQLStateStore) Close() error { return nil }

// Ping checks if the store is healthy
func (s *SQLStateStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// LoadConfig retrieves a snapshot by task ID
func (s *SQLStateStore) LoadConfig(ctx context.Context, taskID string) (*Snapshot, error) {
	var rec snapshotRecord
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rec.toSnapshot(), nil
}

// UpsertConfig stores a snapshot unless a newer version is already present
func (s *SQLStateStore) UpsertConfig(ctx context.Context, snap *Snapshot) error {
	if err := validSnapshot(snap); err != nil {
		return err
	}
	rec := snapshotRecord{
		TaskID:        snap.TaskID,
		Kind:          snap.Kind,
		State:         snap.State,
		PreviousState: snap.PreviousState,
		Reason:        snap.Reason,
		Version:       snap.Version,
		UpdatedAt:     snap.UpdatedAt,
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur snapshotRecord
		err := tx.Where("task_id = ?", rec.TaskID).Take(&cur).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&rec).Error
		case err != nil:
			return err
		case cur.Version > rec.Version:
			return nil
		default:
			return tx.Save(&rec).Error
		}
	})
}

// DeleteConfig removes a snapshot
func (s *SQLStateStore) DeleteConfig(ctx context.Context, taskID string) error {
	return s.db.WithContext(ctx).Where("task_id = ?", taskID).Delete(&snapshotRecord{}).Error
}

// ListConfigs returns snapshots ordered by task id
func (s *SQLStateStore) ListConfigs(ctx context.Context, state string) ([]*Snapshot, error) {
	q := s.db.WithContext(ctx).Order("task_id")
	if state != "" {
		q = q.Where("state = ?", state)
	}
	var recs []snapshotRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	result := make([]*Snapshot, 0, len(recs))
	for i := range recs {
		result = append(result, recs[i].toSnapshot())
	}
	return result, nil
}
