// Package config defines flowbroker's runtime configuration surface:
// listen address, Redis address, broker/node ID, I/O thread count,
// graceful shutdown grace period, and admin auth secret, layered from
// defaults, an optional config file, and environment variables via
// spf13/viper, with fsnotify-driven live reload of the log level.
package config

import (
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config is flowbroker's resolved runtime configuration.
type Config struct {
	NodeID    string `mapstructure:"node_id"`
	ListenAddr string `mapstructure:"listen_addr"`
	AdminAddr string `mapstructure:"admin_addr"`

	RedisAddr     string   `mapstructure:"redis_addr"`
	RedisPassword string   `mapstructure:"redis_password"`
	RedisDB       int      `mapstructure:"redis_db"`
	QueueShards   []string `mapstructure:"queue_shards"`

	ThreadCount int `mapstructure:"thread_count"`

	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`

	AdminAuthSecret string        `mapstructure:"admin_auth_secret"`
	AdminTokenTTL   time.Duration `mapstructure:"admin_token_ttl"`

	LogDebug bool `mapstructure:"log_debug"`

	MetricsAddr string `mapstructure:"metrics_addr"`
}

// Defaults returns the baseline configuration applied before environment
// variables and an optional config file are layered on top.
func Defaults() Config {
	return Config{
		NodeID:        "broker-1",
		ListenAddr:    ":4730",
		AdminAddr:     ":4731",
		RedisAddr:     "127.0.0.1:6379",
		RedisDB:       0,
		QueueShards:   []string{"default"},
		ThreadCount:   1,
		ShutdownGrace: 30 * time.Second,
		AdminTokenTTL: 24 * time.Hour,
		MetricsAddr:   ":9090",
	}
}

// Load builds a viper instance seeded with defaults, optionally reading
// configFile (if non-empty) and FLOWBROKER_-prefixed environment
// variables, and unmarshals the result into a Config.
func Load(configFile string) (*Config, *viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("flowbroker")
	v.AutomaticEnv()

	defaults := Defaults()
	v.SetDefault("node_id", defaults.NodeID)
	v.SetDefault("listen_addr", defaults.ListenAddr)
	v.SetDefault("admin_addr", defaults.AdminAddr)
	v.SetDefault("redis_addr", defaults.RedisAddr)
	v.SetDefault("redis_password", defaults.RedisPassword)
	v.SetDefault("redis_db", defaults.RedisDB)
	v.SetDefault("queue_shards", defaults.QueueShards)
	v.SetDefault("thread_count", defaults.ThreadCount)
	v.SetDefault("shutdown_grace", defaults.ShutdownGrace)
	v.SetDefault("admin_auth_secret", defaults.AdminAuthSecret)
	v.SetDefault("admin_token_ttl", defaults.AdminTokenTTL)
	v.SetDefault("log_debug", defaults.LogDebug)
	v.SetDefault("metrics_addr", defaults.MetricsAddr)

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("config: read %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, v, nil
}

// WatchLogLevel calls onChange whenever the config file backing v changes,
// letting cmd/brokerd flip its log level live without a restart. No-op if
// v was never pointed at a config file.
func WatchLogLevel(v *viper.Viper, onChange func(debug bool)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		onChange(v.GetBool("log_debug"))
	})
	v.WatchConfig()
}
