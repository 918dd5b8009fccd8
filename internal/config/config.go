// Package config loads the engine's settings from a TOML file, an optional
// .env file and AMM_* environment variables, in that order of precedence
// (environment wins).
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration.
type Config struct {
	LogLevel string         `toml:"log_level"`
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Postgres PostgresConfig `toml:"postgres"`
	SQLite   SQLiteConfig   `toml:"sqlite"`
	Redis    RedisConfig    `toml:"redis"`
	Lock     LockConfig     `toml:"lock"`
	Engine   EngineConfig   `toml:"engine"`
	Risk     RiskConfig     `toml:"risk"`
	Auth     AuthConfig     `toml:"auth"`
	S3       S3Config       `toml:"s3"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ReadTimeout     Duration `toml:"read_timeout"`
	WriteTimeout    Duration `toml:"write_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `toml:"driver"` // memory | postgres | sqlite
}

type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	MaxConns      int    `toml:"max_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

type SQLiteConfig struct {
	Path string `toml:"path"`
}

// RedisConfig enables the read-through cache, the cross-instance pool lock
// and the change-event channel. An empty Addr disables Redis.
type RedisConfig struct {
	Addr     string   `toml:"addr"`
	Password string   `toml:"password"`
	DB       int      `toml:"db"`
	CacheTTL Duration `toml:"cache_ttl"`
	Channel  string   `toml:"channel"`
}

type LockConfig struct {
	Backend string   `toml:"backend"` // local | redis
	TTL     Duration `toml:"ttl"`
}

// EngineConfig bounds the commit path. The platform fee is fixed at 2% and
// is not configurable.
type EngineConfig struct {
	LockWait      Duration `toml:"lock_wait"`
	CommitTimeout Duration `toml:"commit_timeout"`
}

// RiskConfig holds position limits. Values are decimal strings; "0"
// disables a limit.
type RiskConfig struct {
	MaxTradeAmount decimal.Decimal `toml:"max_trade_amount"`
	MaxPerMarket   decimal.Decimal `toml:"max_per_market"`
	MaxPerEvent    decimal.Decimal `toml:"max_per_event"`
}

// AuthConfig enables bearer-token checks when Secret is set.
type AuthConfig struct {
	Secret string `toml:"secret"`
	Issuer string `toml:"issuer"`
}

// S3Config enables ledger archiving when Bucket is set.
type S3Config struct {
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
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

// Defaults returns the configuration used when no file is given.
func Defaults() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Store:    StoreConfig{Driver: "memory"},
		Postgres: PostgresConfig{MaxConns: 10, RunMigrations: true},
		SQLite:   SQLiteConfig{Path: "amm.db"},
		Redis: RedisConfig{
			CacheTTL: Duration{30 * time.Second},
			Channel:  "amm:pool_changes",
		},
		Lock: LockConfig{Backend: "local", TTL: Duration{10 * time.Second}},
		Engine: EngineConfig{
			LockWait:      Duration{3 * time.Second},
			CommitTimeout: Duration{5 * time.Second},
		},
		Risk: RiskConfig{
			MaxTradeAmount: decimal.NewFromInt(10000),
			MaxPerMarket:   decimal.NewFromInt(50000),
			MaxPerEvent:    decimal.NewFromInt(100000),
		},
		S3: S3Config{Region: "us-east-1", UseSSL: true},
	}
}

var (
	validDrivers   = map[string]bool{"memory": true, "postgres": true, "sqlite": true}
	validLocks     = map[string]bool{"local": true, "redis": true}
	validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
)

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var problems []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		problems = append(problems, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}

	if !validDrivers[c.Store.Driver] {
		problems = append(problems, fmt.Sprintf("store: unknown driver %q (valid: memory, postgres, sqlite)", c.Store.Driver))
	}
	if c.Store.Driver == "postgres" && c.Postgres.DSN == "" {
		problems = append(problems, "postgres: dsn is required when store.driver is postgres")
	}
	if c.Store.Driver == "sqlite" && c.SQLite.Path == "" {
		problems = append(problems, "sqlite: path is required when store.driver is sqlite")
	}

	if !validLocks[c.Lock.Backend] {
		problems = append(problems, fmt.Sprintf("lock: unknown backend %q (valid: local, redis)", c.Lock.Backend))
	}
	if c.Lock.Backend == "redis" && c.Redis.Addr == "" {
		problems = append(problems, "lock: backend redis requires redis.addr")
	}
	if c.Lock.Backend == "redis" && c.Lock.TTL.Duration <= c.Engine.CommitTimeout.Duration {
		problems = append(problems, "lock: ttl must exceed engine.commit_timeout")
	}

	if c.Engine.LockWait.Duration <= 0 {
		problems = append(problems, "engine: lock_wait must be positive")
	}
	if c.Engine.CommitTimeout.Duration <= 0 {
		problems = append(problems, "engine: commit_timeout must be positive")
	}

	for name, v := range map[string]decimal.Decimal{
		"max_trade_amount": c.Risk.MaxTradeAmount,
		"max_per_market":   c.Risk.MaxPerMarket,
		"max_per_event":    c.Risk.MaxPerEvent,
	} {
		if v.IsNegative() {
			problems = append(problems, fmt.Sprintf("risk: %s must not be negative", name))
		}
	}

	if c.S3.Bucket != "" && c.S3.Region == "" {
		problems = append(problems, "s3: region is required when bucket is set")
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// SlogLevel maps LogLevel onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
