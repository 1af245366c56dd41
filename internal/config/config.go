// Package config loads the Manager's settings from flags, a YAML file, and
// environment variables via Cobra + Viper, mirroring tools/cli/main.go's
// root-command config wiring.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config collects every option enumerated in spec.md §6 plus the ambient
// additions of SPEC_FULL.md §2.3.
type Config struct {
	Listen string `mapstructure:"listen"`
	Port   int    `mapstructure:"port"`

	RedisAddr     string `mapstructure:"redisAddr"`
	RedisPassword string `mapstructure:"redisPassword"`
	RedisDB       int    `mapstructure:"redisDB"`

	LogLevel  string `mapstructure:"logLevel"`
	LogFormat string `mapstructure:"logFormat"`

	MetricsAddr string `mapstructure:"metricsAddr"`

	SigningKeyPath string `mapstructure:"signingKeyPath"`
	VerifyingKeyPath string `mapstructure:"verifyingKeyPath"`

	RequireAccessCodes bool `mapstructure:"requireAccessCodes"`
	WithAdmin          bool `mapstructure:"withAdmin"`
	AdminJWTSecret     string `mapstructure:"adminJWTSecret"`

	TaskAcceptanceTime   time.Duration `mapstructure:"taskAcceptanceTime"`
	RejectionCooldown    time.Duration `mapstructure:"rejectionCooldown"`
	PaymentBatchSize     int           `mapstructure:"paymentBatchSize"`
	MaxProofFailures     int           `mapstructure:"maxProofFailures"`
	TickInterval         time.Duration `mapstructure:"tickInterval"`
	GracefulDrainTimeout time.Duration `mapstructure:"gracefulDrainTimeout"`

	ProtocolVersion string `mapstructure:"protocolVersion"`
}

// Defaults returns the Config populated with the values of spec.md §6's
// "Default" column.
func Defaults() Config {
	return Config{
		Listen:               "0.0.0.0",
		Port:                 19955,
		RedisAddr:            "127.0.0.1:6379",
		RedisDB:              0,
		LogLevel:             "info",
		LogFormat:            "console",
		MetricsAddr:          ":9095",
		SigningKeyPath:       "",
		RequireAccessCodes:   true,
		WithAdmin:            true,
		TaskAcceptanceTime:   30 * time.Second,
		RejectionCooldown:    2 * time.Minute,
		PaymentBatchSize:     100,
		MaxProofFailures:     5,
		TickInterval:         time.Second,
		GracefulDrainTimeout: 10 * time.Second,
		ProtocolVersion:      "manager/1",
	}
}

// Load reads bound Viper state (already populated by cobra flags, a config
// file, and environment overrides by the caller) into a Config, starting
// from Defaults for anything unset.
func Load(v *viper.Viper) (Config, error) {
	cfg := Defaults()
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}
