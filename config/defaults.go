// =============================================================================
// 📦 TaskCore 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import (
	"time"

	"github.com/BaSui01/taskcore/approval"
	"github.com/BaSui01/taskcore/orchestrator"
	"github.com/BaSui01/taskcore/persistence"
	"github.com/BaSui01/taskcore/registry"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Store:     persistence.DefaultStoreConfig(),
		EventBus:  DefaultEventBusConfig(),
		Limits:    registry.DefaultLimits(),
		Approval:  approval.DefaultConfig(),
		Admission: orchestrator.DefaultAdmissionConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "taskcore",
		Password:        "",
		Name:            "taskcore",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultEventBusConfig 返回默认事件总线配置
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		ReliableRetries: 2,
		Mirror: MirrorConfig{
			Enabled: false,
			Stream:  "taskcore:events",
			MaxLen:  10000,
		},
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:        false,
		OTLPEndpoint:   "localhost:4317",
		ServiceName:    "taskcore",
		SampleRate:     0.1,
		Environment:    "development",
		Insecure:       true,
		ExportInterval: 30 * time.Second,
	}
}
