package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults, then applies AMM_* environment overrides. The result is not
// validated; call Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides lets operators inject secrets and endpoints at deploy
// time without touching the TOML file.
func applyEnvOverrides(cfg *Config) {
	setStr(&cfg.LogLevel, "AMM_LOG_LEVEL")

	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "AMM_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "AMM_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "AMM_SERVER_WRITE_TIMEOUT")

	setStr(&cfg.Store.Driver, "AMM_STORE_DRIVER")

	setStr(&cfg.Postgres.DSN, "DATABASE_URL")
	setStr(&cfg.Postgres.DSN, "AMM_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "AMM_POSTGRES_MAX_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "AMM_POSTGRES_RUN_MIGRATIONS")

	setStr(&cfg.SQLite.Path, "AMM_SQLITE_PATH")

	setStr(&cfg.Redis.Addr, "AMM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "AMM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "AMM_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "AMM_REDIS_CACHE_TTL")
	setStr(&cfg.Redis.Channel, "AMM_REDIS_CHANNEL")

	setStr(&cfg.Lock.Backend, "AMM_LOCK_BACKEND")
	setDuration(&cfg.Lock.TTL, "AMM_LOCK_TTL")

	setDuration(&cfg.Engine.LockWait, "AMM_ENGINE_LOCK_WAIT")
	setDuration(&cfg.Engine.CommitTimeout, "AMM_ENGINE_COMMIT_TIMEOUT")

	setDecimal(&cfg.Risk.MaxTradeAmount, "AMM_RISK_MAX_TRADE_AMOUNT")
	setDecimal(&cfg.Risk.MaxPerMarket, "AMM_RISK_MAX_PER_MARKET")
	setDecimal(&cfg.Risk.MaxPerEvent, "AMM_RISK_MAX_PER_EVENT")

	setStr(&cfg.Auth.Secret, "AMM_AUTH_SECRET")
	setStr(&cfg.Auth.Issuer, "AMM_AUTH_ISSUER")

	setStr(&cfg.S3.Endpoint, "AMM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "AMM_S3_REGION")
	setStr(&cfg.S3.Bucket, "AMM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "AMM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "AMM_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "AMM_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "AMM_S3_FORCE_PATH_STYLE")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// set, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
