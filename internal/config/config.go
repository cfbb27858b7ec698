// Package config loads the orchestrator configuration from an optional YAML
// file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full orchestrator configuration.
type Config struct {
	Hierarchy HierarchyConfig `mapstructure:"hierarchy"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// HierarchyConfig bounds the agent tree and default allocations.
type HierarchyConfig struct {
	MaxDepth      int   `mapstructure:"max_depth"`
	DefaultBudget int64 `mapstructure:"default_budget"`
}

// PollerConfig controls the two background loops.
type PollerConfig struct {
	ExecInterval     time.Duration `mapstructure:"exec_interval"`
	WorkflowInterval time.Duration `mapstructure:"workflow_interval"`
	// DispatchRate caps executor invocations per second; 0 disables.
	DispatchRate  float64 `mapstructure:"dispatch_rate"`
	DispatchBurst int     `mapstructure:"dispatch_burst"`
}

// QueueConfig controls message retention.
type QueueConfig struct {
	RetentionDays int `mapstructure:"retention_days"`
}

// WorkspaceConfig controls working-copy cleanup ages.
type WorkspaceConfig struct {
	Root            string        `mapstructure:"root"`
	MergedAgeDays   int           `mapstructure:"merged_age_days"`
	DeletedAgeDays  int           `mapstructure:"deleted_age_days"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	IdleConnections int           `mapstructure:"idle_connections"`
	MaxLifetime     time.Duration `mapstructure:"max_lifetime"`
}

// RedisConfig holds the optional event stream sink settings.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
}

// MetricsConfig controls the Prometheus listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig selects log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from CONFIG_PATH (or config/orchestrator.yaml when
// present), applies ARBOR_* env overrides, and fills defaults. A missing file
// is not an error; defaults plus env are enough to run.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARBOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/orchestrator.yaml"
	}
	v.SetConfigFile(cfgPath)
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("hierarchy.max_depth", 5)
	v.SetDefault("hierarchy.default_budget", 100000)

	v.SetDefault("poller.exec_interval", 5*time.Second)
	v.SetDefault("poller.workflow_interval", 5*time.Second)
	v.SetDefault("poller.dispatch_rate", 0.0)
	v.SetDefault("poller.dispatch_burst", 1)

	v.SetDefault("queue.retention_days", 30)

	v.SetDefault("workspace.root", "/var/lib/arbor/workspaces")
	v.SetDefault("workspace.merged_age_days", 7)
	v.SetDefault("workspace.deleted_age_days", 1)
	v.SetDefault("workspace.cleanup_interval", time.Hour)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "arbor")
	v.SetDefault("database.database", "arbor")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)
	v.SetDefault("database.idle_connections", 5)
	v.SetDefault("database.max_lifetime", 5*time.Minute)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.enabled", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate rejects configurations the kernel cannot run with.
func (c *Config) Validate() error {
	if c.Hierarchy.MaxDepth < 1 {
		return fmt.Errorf("hierarchy.max_depth must be >= 1, got %d", c.Hierarchy.MaxDepth)
	}
	if c.Hierarchy.DefaultBudget <= 0 {
		return fmt.Errorf("hierarchy.default_budget must be positive, got %d", c.Hierarchy.DefaultBudget)
	}
	if c.Poller.ExecInterval <= 0 || c.Poller.WorkflowInterval <= 0 {
		return fmt.Errorf("poller intervals must be positive")
	}
	if c.Queue.RetentionDays < 0 {
		return fmt.Errorf("queue.retention_days must not be negative, got %d", c.Queue.RetentionDays)
	}
	return nil
}
