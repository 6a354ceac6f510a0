package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/teleward/teleward/internal/logger"
)

func durationHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// Valid worker modes. The mode is passed to the worker as its single
// positional argument.
const (
	ModeLive = "live"
	ModePast = "past"
)

// ValidMode reports whether m is a recognized worker mode.
func ValidMode(m string) bool { return m == ModeLive || m == ModePast }

// Config is the top-level TOML structure.
type Config struct {
	Mode     string `toml:"mode" mapstructure:"mode"`
	LogLevel string `toml:"log_level" mapstructure:"log_level"`

	Worker   WorkerConfig   `toml:"worker" mapstructure:"worker"`
	Store    StoreConfig    `toml:"store" mapstructure:"store"`
	History  HistoryConfig  `toml:"history" mapstructure:"history"`
	Server   ServerConfig   `toml:"server" mapstructure:"server"`
	Telegram TelegramConfig `toml:"telegram" mapstructure:"telegram"`
	Random   RandomConfig   `toml:"random" mapstructure:"random"`
}

// WorkerConfig describes how the forwarding worker is spawned and watched.
type WorkerConfig struct {
	Command         string        `toml:"command" mapstructure:"command"`
	PIDFile         string        `toml:"pidfile" mapstructure:"pidfile"`
	MaxRestarts     int           `toml:"max_restarts" mapstructure:"max_restarts"`
	RestartCooldown time.Duration `toml:"restart_cooldown" mapstructure:"restart_cooldown"`
	MonitorInterval time.Duration `toml:"monitor_interval" mapstructure:"monitor_interval"`
	StopGrace       time.Duration `toml:"stop_grace" mapstructure:"stop_grace"`
	Log             logger.Config `toml:"log" mapstructure:"log"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// HistoryConfig selects the optional supervision-event sink. An empty
// DSN disables history export.
type HistoryConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type TelegramConfig struct {
	Token       string        `toml:"token" mapstructure:"token"`
	PollTimeout time.Duration `toml:"poll_timeout" mapstructure:"poll_timeout"`
	SendRate    float64       `toml:"send_rate" mapstructure:"send_rate"` // messages per second, 0 = default
}

// RandomConfig drives the random posting scheduler.
// DailyLimit 0 means unlimited.
type RandomConfig struct {
	Enabled    bool          `toml:"enabled" mapstructure:"enabled"`
	Delay      time.Duration `toml:"delay" mapstructure:"delay"`
	BatchSize  int           `toml:"batch_size" mapstructure:"batch_size"`
	DailyLimit int           `toml:"daily_limit" mapstructure:"daily_limit"`
	Sources    []string      `toml:"sources" mapstructure:"sources"`
	Routes     []Route       `toml:"routes" mapstructure:"routes"`
}

// Route maps one source chat to its destination chats.
type Route struct {
	Source       string   `toml:"source" mapstructure:"source"`
	Destinations []string `toml:"destinations" mapstructure:"destinations"`
}

// DestinationsFor returns the configured destinations of a source ref,
// or nil when the source is not routed.
func (c RandomConfig) DestinationsFor(source string) []string {
	for _, r := range c.Routes {
		if r.Source == source {
			return r.Destinations
		}
	}
	return nil
}

// Defaults fills zero values with working defaults.
func (c *Config) Defaults() {
	if c.Mode == "" {
		c.Mode = ModeLive
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Worker.MaxRestarts <= 0 {
		c.Worker.MaxRestarts = 10
	}
	if c.Worker.RestartCooldown <= 0 {
		c.Worker.RestartCooldown = 30 * time.Second
	}
	if c.Worker.MonitorInterval <= 0 {
		c.Worker.MonitorInterval = 60 * time.Second
	}
	if c.Worker.StopGrace <= 0 {
		c.Worker.StopGrace = 2 * time.Second
	}
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Random.Delay <= 0 {
		c.Random.Delay = 5 * time.Minute
	}
	if c.Random.BatchSize <= 0 {
		c.Random.BatchSize = 3
	}
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (c *Config) Validate() error {
	if !ValidMode(c.Mode) {
		return fmt.Errorf("invalid mode %q (want %q or %q)", c.Mode, ModeLive, ModePast)
	}
	if strings.TrimSpace(c.Worker.Command) == "" {
		return fmt.Errorf("worker.command is required")
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	if c.Random.Enabled {
		if c.Random.DailyLimit < 0 {
			return fmt.Errorf("random.daily_limit must be >= 0")
		}
		for _, src := range c.Random.Sources {
			if c.Random.DestinationsFor(src) == nil {
				return fmt.Errorf("random source %q has no configured destinations", src)
			}
		}
	}
	return nil
}

// Hash returns a stable content hash of the effective configuration.
// The supervisor records it with each worker start so a restart after a
// config change is distinguishable from a plain crash restart.
func (c *Config) Hash() string {
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// Load reads and validates the TOML config at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(durationHook())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.Defaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}
