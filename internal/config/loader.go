package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load reads the TOML file at path over the built-in defaults, loads a
// .env file if present and applies PM_* environment overrides. A missing
// file is not an error: defaults plus environment are a valid setup.
// The returned Config has NOT been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	// Load .env file if present (silently ignore if missing).
	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.HTTPAddr, "PM_HTTP_ADDR")
	setStr(&cfg.Server.GRPCAddr, "PM_GRPC_ADDR")
	setStr(&cfg.Server.MetricsAddr, "PM_METRICS_ADDR")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "PM_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxConns, "PM_POSTGRES_MAX_CONNS")
	setInt(&cfg.Postgres.MinConns, "PM_POSTGRES_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "PM_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "PM_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "PM_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "PM_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "PM_REDIS_DB")
	setBool(&cfg.Redis.TLSEnabled, "PM_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.LockTTL, "PM_REDIS_LOCK_TTL")

	// ── NATS ──
	setBool(&cfg.NATS.Enabled, "PM_NATS_ENABLED")
	setStr(&cfg.NATS.URL, "PM_NATS_URL")
	setStr(&cfg.NATS.Stream, "PM_NATS_STREAM")
	setStr(&cfg.NATS.Durable, "PM_NATS_DURABLE")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "PM_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "PM_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "PM_S3_REGION")
	setStr(&cfg.S3.Bucket, "PM_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "PM_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "PM_S3_SECRET_KEY")
	setBool(&cfg.S3.ForcePathStyle, "PM_S3_FORCE_PATH_STYLE")

	// ── Compute ──
	setStr(&cfg.Compute.Mode, "PM_COMPUTE_MODE")
	setStr(&cfg.Compute.ClusterPublicKey, "PM_COMPUTE_CLUSTER_PUBLIC_KEY")
	setStr(&cfg.Compute.ClusterPrivateKey, "PM_COMPUTE_CLUSTER_PRIVATE_KEY")
	setStr(&cfg.Compute.SignerAddress, "PM_COMPUTE_SIGNER_ADDRESS")
	setStr(&cfg.Compute.SignerKey, "PM_COMPUTE_SIGNER_KEY")

	// ── Engine ──
	setStr(&cfg.Engine.CreditPolicy, "PM_CREDIT_POLICY")
	setUint64(&cfg.Engine.MinResolverStake, "PM_MIN_RESOLVER_STAKE")
	setInt(&cfg.Engine.PersistChanSize, "PM_PERSIST_CHAN_SIZE")
	setInt(&cfg.Engine.ProjectionChanSize, "PM_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Engine.PersistBatchSize, "PM_PERSIST_BATCH_SIZE")

	// ── Scheduler ──
	setStr(&cfg.Scheduler.BatchSpec, "PM_SCHEDULER_BATCH_SPEC")
	setStr(&cfg.Scheduler.PurgeSpec, "PM_SCHEDULER_PURGE_SPEC")

	// ── Auth ──
	setStr(&cfg.Auth.JWTSecret, "PM_JWT_SECRET")
	setStr(&cfg.Auth.Issuer, "PM_JWT_ISSUER")
	setStringSlice(&cfg.Auth.Operators, "PM_OPERATORS")

	setStr(&cfg.LogLevel, "PM_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

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

func setUint64(dst *uint64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
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

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
