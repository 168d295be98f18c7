// Package config loads coordinator configuration from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all coordinator configuration.
type Config struct {
	DataDir string `envconfig:"BLOCKD_DATA_DIR"`

	Timer   TimerConfig
	Bus     BusConfig
	Enforce EnforceConfig
	Quota   QuotaConfig
	Logging LogConfig
}

// TimerConfig holds session timer tick granularity.
type TimerConfig struct {
	EmergencyTick time.Duration `envconfig:"BLOCKD_EMERGENCY_TICK" default:"1s"`
	StandardTick  time.Duration `envconfig:"BLOCKD_STANDARD_TICK" default:"1s"`
}

// BusConfig holds signal bus polling configuration.
type BusConfig struct {
	PollInterval time.Duration `envconfig:"BLOCKD_POLL_INTERVAL" default:"2s"`
}

// EnforceConfig holds shield enforcement configuration.
type EnforceConfig struct {
	Interval          time.Duration `envconfig:"BLOCKD_ENFORCE_INTERVAL" default:"10s"`
	ReconcileInterval time.Duration `envconfig:"BLOCKD_RECONCILE_INTERVAL" default:"30s"`
	HeartbeatInterval time.Duration `envconfig:"BLOCKD_HEARTBEAT_INTERVAL" default:"30s"`
}

// QuotaConfig holds the emergency unlock quota.
type QuotaConfig struct {
	MaxPerDay int `envconfig:"BLOCKD_EMERGENCY_MAX_PER_DAY" default:"3"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"BLOCKD_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"BLOCKD_LOG_DEV" default:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".blockd")
	}
	return &cfg, nil
}

// StorePath returns the shared store file path under the data directory.
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "shared_store.json")
}
