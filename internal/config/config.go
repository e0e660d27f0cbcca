// Package config loads the craftd TOML configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/craftd/internal/logger"
	"github.com/loykin/craftd/internal/sampler"
)

// Config is the top-level TOML structure.
type Config struct {
	Name        string   `toml:"name" mapstructure:"name"`
	ServerDir   string   `toml:"server_dir" mapstructure:"server_dir"`
	Command     string   `toml:"command" mapstructure:"command"`
	Artifact    string   `toml:"artifact" mapstructure:"artifact"`
	StopCommand string   `toml:"stop_command" mapstructure:"stop_command"`
	Env         []string `toml:"env" mapstructure:"env"`

	Timeouts Timeouts      `toml:"timeouts" mapstructure:"timeouts"`
	Watchdog Watchdog      `toml:"watchdog" mapstructure:"watchdog"`
	Sampler  SamplerConfig `toml:"sampler" mapstructure:"sampler"`
	Log      logger.Config `toml:"log" mapstructure:"log"`
	History  HistoryConfig `toml:"history" mapstructure:"history"`
	Backup   BackupConfig  `toml:"backup" mapstructure:"backup"`
	HTTP     HTTPConfig    `toml:"http" mapstructure:"http"`
}

type Timeouts struct {
	Start        time.Duration `toml:"start" mapstructure:"start"`
	StartupGrace time.Duration `toml:"startup_grace" mapstructure:"startup_grace"`
	Stop         time.Duration `toml:"stop" mapstructure:"stop"`
	Kill         time.Duration `toml:"kill" mapstructure:"kill"`
	Scan         time.Duration `toml:"scan" mapstructure:"scan"`
}

type Watchdog struct {
	Enabled        bool          `toml:"enabled" mapstructure:"enabled"`
	RestartOnCrash bool          `toml:"restart_on_crash" mapstructure:"restart_on_crash"`
	Interval       time.Duration `toml:"interval" mapstructure:"interval"`
	MaxRestarts    int           `toml:"max_restarts" mapstructure:"max_restarts"`
	Cooldown       time.Duration `toml:"cooldown" mapstructure:"cooldown"`
	MaxTickErrors  int           `toml:"max_tick_errors" mapstructure:"max_tick_errors"`
}

type SamplerConfig struct {
	Interval   time.Duration      `toml:"interval" mapstructure:"interval"`
	MaxHistory int                `toml:"max_history" mapstructure:"max_history"`
	Thresholds sampler.Thresholds `toml:"thresholds" mapstructure:"thresholds"`
}

type HistoryConfig struct {
	// DSN is the sqlite database path for lifecycle events. Empty
	// disables history recording.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type BackupConfig struct {
	// SnapshotCommand is run in server_dir before each watchdog restart,
	// with the snapshot label in CRAFTD_SNAPSHOT_LABEL. Empty disables
	// pre-restart snapshots.
	SnapshotCommand string        `toml:"snapshot_command" mapstructure:"snapshot_command"`
	Timeout         time.Duration `toml:"timeout" mapstructure:"timeout"`
}

type HTTPConfig struct {
	// Listen is the bind address of the status API, e.g. "127.0.0.1:7763".
	// Empty disables the API.
	Listen string `toml:"listen" mapstructure:"listen"`
}

// Load parses the TOML file at path, applies defaults and validates.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	setDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("name", "server")
	v.SetDefault("stop_command", "stop")
	v.SetDefault("watchdog.enabled", true)
	v.SetDefault("watchdog.restart_on_crash", true)
	v.SetDefault("watchdog.interval", "30s")
	v.SetDefault("watchdog.max_restarts", 3)
	v.SetDefault("watchdog.cooldown", "5m")
	v.SetDefault("sampler.interval", "5s")
	v.SetDefault("sampler.max_history", 100)
}

// Validate rejects configurations that cannot work.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name must not be empty")
	}
	if c.ServerDir == "" {
		return fmt.Errorf("server_dir is required")
	}
	if c.Command == "" {
		return fmt.Errorf("command is required")
	}
	if c.Watchdog.MaxRestarts < 0 {
		return fmt.Errorf("watchdog.max_restarts must not be negative")
	}
	if c.Sampler.MaxHistory > sampler.MaxHistorySize {
		return fmt.Errorf("sampler.max_history must be at most %d", sampler.MaxHistorySize)
	}
	return nil
}
