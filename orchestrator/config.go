package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/taskcore/approval"
	"github.com/BaSui01/taskcore/registry"
)

// AdmissionConfig 运行准入配置
type AdmissionConfig struct {
	// RatePerSecond 非 critical 运行请求的令牌桶速率
	RatePerSecond float64 `json:"rate_per_second" yaml:"rate_per_second" env:"RATE_PER_SECOND"`

	// Burst 令牌桶容量
	Burst int `json:"burst" yaml:"burst" env:"BURST"`

	// Timeout 等待令牌的最长时间
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`

	// PremiumReservePercentage 为 premium 用户保留的 MaxActive 百分比
	PremiumReservePercentage float64 `json:"premium_reserve_percentage" yaml:"premium_reserve_percentage" env:"PREMIUM_RESERVE_PERCENTAGE"`
}

// DefaultAdmissionConfig returns the default admission configuration.
func DefaultAdmissionConfig() AdmissionConfig {
	return AdmissionConfig{
		RatePerSecond:            20,
		Burst:                    40,
		Timeout:                  5 * time.Second,
		PremiumReservePercentage: 10,
	}
}

// Validate 校验准入配置
func (c AdmissionConfig) Validate() error {
	var errs []error
	if c.RatePerSecond <= 0 {
		errs = append(errs, errors.New("rate_per_second must be positive"))
	}
	if c.Burst <= 0 {
		errs = append(errs, errors.New("burst must be positive"))
	}
	if c.Timeout < 0 {
		errs = append(errs, errors.New("timeout must not be negative"))
	}
	if c.PremiumReservePercentage < 0 || c.PremiumReservePercentage >= 100 {
		errs = append(errs, fmt.Errorf("premium_reserve_percentage must be in [0, 100), got %v", c.PremiumReservePercentage))
	}
	return errors.Join(errs...)
}

// Config 编排器配置
type Config struct {
	Limits    registry.Limits
	Admission AdmissionConfig
	Approval  approval.Config
}

// DefaultConfig returns the default orchestrator configuration.
func DefaultConfig() Config {
	return Config{
		Limits:    registry.DefaultLimits(),
		Admission: DefaultAdmissionConfig(),
		Approval:  approval.DefaultConfig(),
	}
}
