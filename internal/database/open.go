package database

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Dialector returns the GORM dialector for driver.
// sqlite 使用纯 Go 的 glebarez 驱动，无需 cgo
func Dialector(driver, dsn string) (gorm.Dialector, error) {
	if dsn == "" {
		return nil, fmt.Errorf("empty DSN for driver %q", driver)
	}
	switch driver {
	case "postgres":
		return postgres.Open(dsn), nil
	case "mysql":
		return mysql.Open(dsn), nil
	case "sqlite":
		return sqlite.Open(dsn), nil
	default:
		return nil, fmt.Errorf("unsupported database driver: %s (supported: postgres, mysql, sqlite)", driver)
	}
}

// Open 根据驱动打开数据库连接；GORM 自身的 SQL 日志默认关闭
func Open(driver, dsn string, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	dialector, err := Dialector(driver, dsn)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	logger.Info("database connected", zap.String("driver", driver))
	return db, nil
}
