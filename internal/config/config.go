// Package config handles global configuration loading using viper.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// GlobalConfig represents the top-level static configuration.
// Maps to the `scriptd:` root key in YAML.
type GlobalConfig struct {
	DataDir         string                `mapstructure:"data_dir"` // e.g. /var/lib/scriptd
	Control         ControlConfig         `mapstructure:"control"`
	Scheduler       SchedulerConfig       `mapstructure:"scheduler"`
	Supervisor      SupervisorConfig      `mapstructure:"supervisor"`
	Metrics         MetricsConfig         `mapstructure:"metrics"`
	Log             LogConfig             `mapstructure:"log"`
	TaskPersistence TaskPersistenceConfig `mapstructure:"task_persistence"`
}

// ─── Control Plane ───

// ControlConfig contains local control plane settings.
type ControlConfig struct {
	Socket  string `mapstructure:"socket"`
	PIDFile string `mapstructure:"pid_file"`
}

// ─── Scheduler ───

// SchedulerConfig holds scheduler settings. TickInterval is not read (the
// dispatch loop ticks every second); HistoryRetentionDays is the maximum age
// of snapshot backups kept by the daemon's backup pruner.
type SchedulerConfig struct {
	TickInterval        string `mapstructure:"tick_interval"`         // default "1s"
	HistoryRetentionDays int   `mapstructure:"history_retention_days"` // default 30
}

// ─── Supervisor ───

// SupervisorConfig holds execution supervision settings. Neither field is
// read: memory is sampled every 500ms, and a task without a memory limit
// runs unlimited.
type SupervisorConfig struct {
	SampleInterval    string `mapstructure:"sample_interval"`    // default "500ms"
	DefaultMemoryLimitMB int `mapstructure:"default_memory_limit_mb"` // 0 = unlimited
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level   string           `mapstructure:"level"`  // debug / info / warn / error
	Format  string           `mapstructure:"format"` // json / text
	Outputs LogOutputsConfig `mapstructure:"outputs"`
}

// LogOutputsConfig contains structured log output destinations.
type LogOutputsConfig struct {
	File FileOutputConfig `mapstructure:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Path     string         `mapstructure:"path"`
	Rotation RotationConfig `mapstructure:"rotation"`
}

// RotationConfig configures log file rotation.
type RotationConfig struct {
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	MaxBackups int  `mapstructure:"max_backups"`
	Compress   bool `mapstructure:"compress"`
}

// ─── Task Persistence ───

// TaskPersistenceConfig controls periodic backup pruning: Enabled starts the
// pruner and GCInterval sets its period. AutoRestart and MaxTaskHistory are
// not read.
type TaskPersistenceConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	AutoRestart    bool   `mapstructure:"auto_restart"`
	GCInterval     string `mapstructure:"gc_interval"`      // default "1h"
	MaxTaskHistory int    `mapstructure:"max_task_history"` // not read
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `scriptd: ...`.
type configRoot struct {
	Scriptd GlobalConfig `mapstructure:"scriptd"`
}

// Load loads configuration from file.
// The YAML file uses `scriptd:` as root key; env vars use SCRIPTD_ prefix
// (e.g., SCRIPTD_LOG_LEVEL).
func Load(path string) (*GlobalConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Scriptd

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	v.SetDefault("scriptd.data_dir", "/var/lib/scriptd")

	v.SetDefault("scriptd.control.socket", "/var/run/scriptd.sock")
	v.SetDefault("scriptd.control.pid_file", "/var/run/scriptd.pid")

	v.SetDefault("scriptd.scheduler.tick_interval", "1s")
	v.SetDefault("scriptd.scheduler.history_retention_days", 30)

	v.SetDefault("scriptd.supervisor.sample_interval", "500ms")
	v.SetDefault("scriptd.supervisor.default_memory_limit_mb", 0)

	v.SetDefault("scriptd.log.level", "info")
	v.SetDefault("scriptd.log.format", "json")
	v.SetDefault("scriptd.log.outputs.file.enabled", false)
	v.SetDefault("scriptd.log.outputs.file.path", "/var/log/scriptd/scriptd.log")
	v.SetDefault("scriptd.log.outputs.file.rotation.max_size_mb", 100)
	v.SetDefault("scriptd.log.outputs.file.rotation.max_age_days", 30)
	v.SetDefault("scriptd.log.outputs.file.rotation.max_backups", 5)
	v.SetDefault("scriptd.log.outputs.file.rotation.compress", true)

	v.SetDefault("scriptd.metrics.enabled", true)
	v.SetDefault("scriptd.metrics.listen", ":9091")
	v.SetDefault("scriptd.metrics.path", "/metrics")

	v.SetDefault("scriptd.task_persistence.enabled", true)
	v.SetDefault("scriptd.task_persistence.auto_restart", true)
	v.SetDefault("scriptd.task_persistence.gc_interval", "1h")
	v.SetDefault("scriptd.task_persistence.max_task_history", 0)
}

// ValidateAndApplyDefaults validates configuration and applies runtime defaults.
func (cfg *GlobalConfig) ValidateAndApplyDefaults() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level)
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format)
	}

	if cfg.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if _, err := os.Stat(cfg.DataDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot stat data_dir %q: %w", cfg.DataDir, err)
	}

	return nil
}
