package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the file-backed runtime configuration shared by the binaries.
type Config struct {
	Version   int             `yaml:"version"`
	Database  DatabaseConfig  `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       LogConfig       `yaml:"log"`
	Processor ProcessorConfig `yaml:"processor"`
	Scoring   ScoringConfig   `yaml:"scoring"`
}

type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int32         `yaml:"max_conns"`
	MaxConnIdleTime time.Duration `yaml:"max_conn_idle_time"`
	MaxConnLifetime time.Duration `yaml:"max_conn_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type HTTPConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// ProcessorConfig drives the sequence batch worker.
type ProcessorConfig struct {
	Interval    time.Duration `yaml:"interval"`
	BatchSize   int           `yaml:"batch_size"`
	Concurrency int           `yaml:"concurrency"`
	ItemTimeout time.Duration `yaml:"item_timeout"`
	ClaimLease  time.Duration `yaml:"claim_lease"`
	Tenant      string        `yaml:"tenant"`
}

type ScoringConfig struct {
	LeaderboardLimit int `yaml:"leaderboard_limit"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Version: 1,
		Database: DatabaseConfig{
			MaxConns:        16,
			MaxConnIdleTime: 30 * time.Second,
			MaxConnLifetime: 5 * time.Minute,
		},
		HTTP: HTTPConfig{
			Addr:        ":8080",
			MetricsAddr: ":9090",
		},
		Log: LogConfig{Level: "info"},
		Processor: ProcessorConfig{
			Interval:    time.Minute,
			BatchSize:   100,
			Concurrency: 1,
			ItemTimeout: 30 * time.Second,
			ClaimLease:  15 * time.Minute,
		},
		Scoring: ScoringConfig{LeaderboardLimit: 50},
	}
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(b []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Load reads path (CONFIG_PATH when empty), tolerating a missing file, and
// applies environment overrides.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			cfg, err = Parse(b)
			if err != nil {
				return Config{}, err
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := getenv("METRICS_ADDR"); v != "" {
		c.HTTP.MetricsAddr = v
	}
	if v := getenv("LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func (c Config) Validate() error {
	if c.Version != 1 {
		return errors.New("config: unsupported version")
	}
	if c.Processor.Interval <= 0 {
		return errors.New("config: processor.interval must be positive")
	}
	if c.Processor.BatchSize <= 0 {
		return errors.New("config: processor.batch_size must be positive")
	}
	if c.Processor.Concurrency <= 0 {
		return errors.New("config: processor.concurrency must be positive")
	}
	if c.Processor.ItemTimeout <= 0 {
		return errors.New("config: processor.item_timeout must be positive")
	}
	if c.Processor.ClaimLease <= c.Processor.ItemTimeout {
		return errors.New("config: processor.claim_lease must exceed item_timeout")
	}
	if c.Scoring.LeaderboardLimit <= 0 {
		return errors.New("config: scoring.leaderboard_limit must be positive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel maps the configured level name onto slog.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(l.Level)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("config: unknown log level %q", l.Level)
	}
}

// NewLogger builds the JSON logger used by the binaries.
func (l LogConfig) NewLogger() *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
