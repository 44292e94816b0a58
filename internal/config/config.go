package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Database paths
	SQLitePath string `mapstructure:"sqlite-path"`
	FlowDBPath string `mapstructure:"flow-db-path"`

	// Local filesystem store
	StoreRoot string `mapstructure:"store-root"`

	// Default backend scheme for uploads (file or s3)
	DefaultStore string `mapstructure:"default-store"`

	// S3 configuration
	S3Bucket string `mapstructure:"s3-bucket"`
	S3Region string `mapstructure:"s3-region"`

	// Upload ceiling in bytes, enforced before bytes reach a backend
	ImageSizeCap int64 `mapstructure:"image-size-cap"`

	// Deletion policy
	DelayedDelete bool          `mapstructure:"delayed-delete"`
	ScrubAge      time.Duration `mapstructure:"scrub-age"`

	// Detached copy-from pool capacity
	TaskPoolSize int64 `mapstructure:"task-pool-size"`

	// Flow configuration
	FlowMaxRetries int `mapstructure:"flow-max-retries"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	viper.SetDefault("sqlite-path", ".artifacts/images.db")
	viper.SetDefault("flow-db-path", ".artifacts/flow.db")
	viper.SetDefault("store-root", ".artifacts/store")
	viper.SetDefault("default-store", "file")
	viper.SetDefault("s3-bucket", "")
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("image-size-cap", int64(1024)*1024*1024*1024)
	viper.SetDefault("delayed-delete", false)
	viper.SetDefault("scrub-age", time.Hour)
	viper.SetDefault("task-pool-size", 1024)
	viper.SetDefault("flow-max-retries", 5)

	// Environment variables (IMAGED_SQLITE_PATH, etc.)
	viper.SetEnvPrefix("IMAGED")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.imaged")

	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.SQLitePath == "" {
		return fmt.Errorf("sqlite-path cannot be empty")
	}
	if c.StoreRoot == "" {
		return fmt.Errorf("store-root cannot be empty")
	}
	if c.DefaultStore == "" {
		return fmt.Errorf("default-store cannot be empty")
	}
	if c.DefaultStore == "s3" && c.S3Bucket == "" {
		return fmt.Errorf("s3-bucket required when default-store is s3")
	}
	if c.ImageSizeCap <= 0 {
		return fmt.Errorf("image-size-cap must be positive")
	}
	if c.ScrubAge < 0 {
		return fmt.Errorf("scrub-age must be non-negative")
	}
	if c.TaskPoolSize <= 0 {
		return fmt.Errorf("task-pool-size must be positive")
	}
	if c.FlowMaxRetries < 0 {
		return fmt.Errorf("flow-max-retries must be non-negative")
	}
	return nil
}
