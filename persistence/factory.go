package persistence

import (
	"fmt"

	"gorm.io/gorm"
)

// NewStateStore creates a StateStore based on the configuration. db is only
// consulted for the sql backend.
func NewStateStore(config StoreConfig, db *gorm.DB) (StateStore, error) {
	switch config.Type {
	case StoreTypeMemory, "":
		return NewMemoryStateStore(), nil
	case StoreTypeRedis:
		return NewRedisStateStore(config.Redis)
	case StoreTypeSQL:
		if db == nil {
			return nil, fmt.Errorf("sql state store requires a database connection")
		}
		return NewSQLStateStore(db)
	default:
		return nil, fmt.Errorf("unsupported state store type: %s", config.Type)
	}
}
