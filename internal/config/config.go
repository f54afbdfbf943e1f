// Package config loads the engine's settings from a TOML file, an optional
// .env file and the process environment, in that order of precedence
// (environment wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	LogLevel   string                    `toml:"log_level"`
	Server     ServerConfig              `toml:"server"`
	Database   DatabaseConfig            `toml:"database"`
	Schedule   ScheduleConfig            `toml:"schedule"`
	Ingest     IngestConfig              `toml:"ingest"`
	Strategies map[string]map[string]any `toml:"strategies"`
}

type ServerConfig struct {
	Port            string   `toml:"port"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string   `toml:"url"`
	MaxConns int32    `toml:"max_conns"`
	RedisURL string   `toml:"redis_url"`
	CacheTTL Duration `toml:"cache_ttl"`
}

type ScheduleConfig struct {
	PriceInterval    Duration `toml:"price_interval"`
	PriceTimeout     Duration `toml:"price_timeout"`
	RefreshInterval  Duration `toml:"refresh_interval"`
	CycleInterval    Duration `toml:"cycle_interval"` // zero disables scheduled cycles
	CycleConcurrency int      `toml:"cycle_concurrency"`
	MarketTimeout    Duration `toml:"market_timeout"`
}

type IngestConfig struct {
	BaseURL           string   `toml:"base_url"`
	Timeout           Duration `toml:"timeout"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
	PageSize          int      `toml:"page_size"`
	MaxAttempts       int      `toml:"max_attempts"`
}

// Duration wraps time.Duration for TOML unmarshaling.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            "8080",
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Database: DatabaseConfig{
			MaxConns: 10,
			CacheTTL: Duration{30 * time.Second},
		},
		Schedule: ScheduleConfig{
			PriceInterval:    Duration{5 * time.Minute},
			PriceTimeout:     Duration{30 * time.Second},
			RefreshInterval:  Duration{10 * time.Minute},
			CycleInterval:    Duration{15 * time.Minute},
			CycleConcurrency: 4,
			MarketTimeout:    Duration{30 * time.Second},
		},
		Ingest: IngestConfig{
			BaseURL:           "https://gamma-api.polymarket.com",
			Timeout:           Duration{15 * time.Second},
			RequestsPerSecond: 5,
			PageSize:          100,
			MaxAttempts:       3,
		},
		Strategies: map[string]map[string]any{},
	}
}

// Load builds the config from defaults, then path (skipped when empty),
// then .env and the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("could not load .env file", "err", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("LOG_LEVEL", &c.LogLevel)
	setString("PORT", &c.Server.Port)
	setString("DATABASE_URL", &c.Database.URL)
	setString("REDIS_URL", &c.Database.RedisURL)
	setString("INGEST_BASE_URL", &c.Ingest.BaseURL)

	durations := map[string]*Duration{
		"PRICE_INTERVAL":   &c.Schedule.PriceInterval,
		"REFRESH_INTERVAL": &c.Schedule.RefreshInterval,
		"CYCLE_INTERVAL":   &c.Schedule.CycleInterval,
	}
	for key, dst := range durations {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		dst.Duration = d
	}

	if v, ok := os.LookupEnv("CYCLE_CONCURRENCY"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CYCLE_CONCURRENCY: %w", err)
		}
		c.Schedule.CycleConcurrency = n
	}
	return nil
}

// Validate reports the first setting that would make the engine misbehave.
func (c *Config) Validate() error {
	positive := []struct {
		name string
		d    Duration
	}{
		{"schedule.price_interval", c.Schedule.PriceInterval},
		{"schedule.price_timeout", c.Schedule.PriceTimeout},
		{"schedule.refresh_interval", c.Schedule.RefreshInterval},
		{"schedule.market_timeout", c.Schedule.MarketTimeout},
		{"ingest.timeout", c.Ingest.Timeout},
	}
	for _, p := range positive {
		if p.d.Duration <= 0 {
			return fmt.Errorf("%s must be positive", p.name)
		}
	}
	if c.Schedule.CycleInterval.Duration < 0 {
		return errors.New("schedule.cycle_interval must not be negative")
	}
	if c.Schedule.CycleConcurrency < 1 {
		return errors.New("schedule.cycle_concurrency must be at least 1")
	}
	// Each portfolio lock pins a connection while its queries need another.
	if c.Database.MaxConns < 2 {
		return errors.New("database.max_conns must be at least 2")
	}
	if c.Ingest.PageSize < 1 {
		return errors.New("ingest.page_size must be at least 1")
	}
	if c.Ingest.MaxAttempts < 1 {
		return errors.New("ingest.max_attempts must be at least 1")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log_level string to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
