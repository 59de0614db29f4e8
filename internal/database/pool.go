package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// =============================================================================
// 🗄️ 数据库连接池管理器
// =============================================================================

// StatsRecorder receives connection counts after each health check.
// *metrics.Collector satisfies it.
type StatsRecorder interface {
	RecordDBConnections(database string, open, idle int)
}

// PoolManager 数据库连接池管理器
type PoolManager struct {
	name     string
	db       *gorm.DB
	sqlDB    *sql.DB
	config   PoolConfig
	recorder StatsRecorder
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	stopCh chan struct{}
	done   chan struct{}
}

// PoolConfig 连接池配置
type PoolConfig struct {
	// 最大空闲连接数
	MaxIdleConns int `yaml:"max_idle_conns" json:"max_idle_conns"`

	// 最大打开连接数
	MaxOpenConns int `yaml:"max_open_conns" json:"max_open_conns"`

	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`

	// 连接最大空闲时间
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// 健康检查间隔，0 表示不启动后台检查
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxIdleConns:        10,
		MaxOpenConns:        100,
		ConnMaxLifetime:     time.Hour,
		ConnMaxIdleTime:     10 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate 校验连接池配置
func (c PoolConfig) Validate() error {
	var errs []error
	if c.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("max_open_conns must be positive"))
	}
	if c.MaxIdleConns <= 0 {
		errs = append(errs, errors.New("max_idle_conns must be positive"))
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		errs = append(errs, fmt.Errorf("max_idle_conns (%d) exceeds max_open_conns (%d)", c.MaxIdleConns, c.MaxOpenConns))
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 || c.HealthCheckInterval < 0 {
		errs = append(errs, errors.New("durations must not be negative"))
	}
	return errors.Join(errs...)
}

// NewPoolManager 创建连接池管理器。recorder 可为 nil。
func NewPoolManager(name string, db *gorm.DB, config PoolConfig, recorder StatsRecorder, logger *zap.Logger) (*PoolManager, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	sqlDB.SetMaxIdleConns(config.MaxIdleConns)
	sqlDB.SetMaxOpenConns(config.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(config.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	pm := &PoolManager{
		name:     name,
		db:       db,
		sqlDB:    sqlDB,
		config:   config,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "db_pool"), zap.String("database", name)),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}

	// 启动健康检查
	if config.HealthCheckInterval > 0 {
		go pm.healthCheckLoop()
	} else {
		close(pm.done)
	}

	pm.logger.Info("database pool initialized",
		zap.Int("max_idle_conns", config.MaxIdleConns),
		zap.Int("max_open_conns", config.MaxOpenConns),
		zap.Duration("conn_max_lifetime", config.ConnMaxLifetime),
	)

	return pm, nil
}

// =============================================================================
// 🎯 核心方法
// =============================================================================

// DB 返回 GORM 数据库实例
func (pm *PoolManager) DB() *gorm.DB {
	return pm.db
}

// Ping 检查数据库连接
func (pm *PoolManager) Ping(ctx context.Context) error {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	if pm.closed {
		return fmt.Errorf("pool is closed")
	}

	return pm.sqlDB.PingContext(ctx)
}

// Stats 返回连接池统计信息
func (pm *PoolManager) Stats() sql.DBStats {
	return pm.sqlDB.Stats()
}

// Close 停止健康检查并关闭连接池
func (pm *PoolManager) Close() error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return nil
	}
	pm.closed = true
	close(pm.stopCh)
	pm.mu.Unlock()

	<-pm.done
	pm.logger.Info("closing database pool")
	return pm.sqlDB.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

func (pm *PoolManager) healthCheckLoop() {
	defer close(pm.done)

	ticker := time.NewTicker(pm.config.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pm.stopCh:
			return
		case <-ticker.C:
			pm.CheckHealth(context.Background())
		}
	}
}

// CheckHealth pings the database once and reports connection stats.
func (pm *PoolManager) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := pm.Ping(ctx); err != nil {
		pm.logger.Error("database health check failed", zap.Error(err))
		return err
	}

	stats := pm.Stats()
	if pm.recorder != nil {
		pm.recorder.RecordDBConnections(pm.name, stats.OpenConnections, stats.Idle)
	}
	pm.logger.Debug("database health check passed",
		zap.Int("open_connections", stats.OpenConnections),
		zap.Int("in_use", stats.InUse),
		zap.Int("idle", stats.Idle),
	)
	return nil
}

// =============================================================================
// 📊 统计信息
// =============================================================================

// PoolStats 连接池统计信息（更友好的格式）
type PoolStats struct {
	MaxOpenConnections int           `json:"max_open_connections"`
	OpenConnections    int           `json:"open_connections"`
	InUse              int           `json:"in_use"`
	Idle               int           `json:"idle"`
	WaitCount          int64         `json:"wait_count"`
	WaitDuration       time.Duration `json:"wait_duration"`
	MaxIdleClosed      int64         `json:"max_idle_closed"`
	MaxLifetimeClosed  int64         `json:"max_lifetime_closed"`
}

// GetStats 获取友好格式的统计信息
func (pm *PoolManager) GetStats() PoolStats {
	stats := pm.Stats()
	return PoolStats{
		MaxOpenConnections: stats.MaxOpenConnections,
		OpenConnections:    stats.OpenConnections,
		InUse:              stats.InUse,
		Idle:               stats.Idle,
		WaitCount:          stats.WaitCount,
		WaitDuration:       stats.WaitDuration,
		MaxIdleClosed:      stats.MaxIdleClosed,
		MaxLifetimeClosed:  stats.MaxLifetimeClosed,
	}
}
