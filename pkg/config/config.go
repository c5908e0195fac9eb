// Package config assembles runtime configuration from a .env file, an
// optional YAML file and MDT_* environment variables, in that order.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPPort string `yaml:"http_port"`
	APIToken string `yaml:"api_token"`
	DBPath   string `yaml:"db_path"`
	// Agency is the partition the server mirrors. Empty disables the
	// server-side mirror and the live feed.
	Agency string `yaml:"agency"`

	NATS NATSConfig `yaml:"nats"`
	Log  LogConfig  `yaml:"log"`

	// SubscribeTimeout bounds how long a channel waits for the broker to
	// acknowledge its subscription.
	SubscribeTimeout time.Duration `yaml:"subscribe_timeout"`
}

type NATSConfig struct {
	// URL of an external broker. When empty, serve starts an embedded one.
	URL     string `yaml:"url"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	return &Config{
		HTTPPort: "8080",
		APIToken: "mdt-dev-token",
		DBPath:   "./db/mdt.db",
		NATS: NATSConfig{
			Port:    4222,
			DataDir: "./data/nats",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		SubscribeTimeout: 5 * time.Second,
	}
}

// Load reads .env (if present), then path (if not empty), then the
// environment. It reports whether a .env file was loaded.
func Load(path string) (*Config, bool, error) {
	dotenv := godotenv.Load() == nil

	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, dotenv, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, dotenv, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, dotenv, err
	}
	return cfg, dotenv, nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPPort, "PORT")
	setString(&c.HTTPPort, "MDT_HTTP_PORT")
	setString(&c.APIToken, "API_BEARER_TOKEN")
	setString(&c.APIToken, "MDT_API_TOKEN")
	setString(&c.DBPath, "MDT_DB_PATH")
	setString(&c.Agency, "MDT_AGENCY")
	setString(&c.NATS.URL, "MDT_NATS_URL")
	setString(&c.NATS.DataDir, "MDT_NATS_DATA_DIR")
	setString(&c.Log.Level, "MDT_LOG_LEVEL")
	setString(&c.Log.Format, "MDT_LOG_FORMAT")

	if v := os.Getenv("MDT_NATS_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid MDT_NATS_PORT %q: %w", v, err)
		}
		c.NATS.Port = port
	}
	if v := os.Getenv("MDT_SUBSCRIBE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid MDT_SUBSCRIBE_TIMEOUT %q: %w", v, err)
		}
		c.SubscribeTimeout = d
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
