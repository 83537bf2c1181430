/*
Package config loads runtime configuration from file and environment.

Precedence: environment (MANCHENGO_ prefix) over config file over
defaults. A missing config file is fine; every key has a default that
works for a single offline device.
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type SyncConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	ServerURL string        `mapstructure:"server_url"`
	Token     string        `mapstructure:"token"`
	DeviceID  string        `mapstructure:"device_id"`
	Interval  time.Duration `mapstructure:"interval"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type SchedulerConfig struct {
	ExpiryInterval time.Duration `mapstructure:"expiry_interval"`
	ExpiryDays     int           `mapstructure:"expiry_days"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configuration from the optional file at path plus the
// environment.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8680)
	v.SetDefault("database.path", "./data/manchengo.db")
	v.SetDefault("sync.enabled", false)
	v.SetDefault("sync.server_url", "")
	v.SetDefault("sync.token", "")
	v.SetDefault("sync.device_id", "")
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("sync.timeout", 10*time.Second)
	v.SetDefault("scheduler.expiry_interval", time.Hour)
	v.SetDefault("scheduler.expiry_days", 7)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)

	v.SetEnvPrefix("MANCHENGO")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Sync.Enabled && cfg.Sync.ServerURL == "" {
		return nil, fmt.Errorf("sync enabled but sync.server_url not set")
	}
	return &cfg, nil
}
