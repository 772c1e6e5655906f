package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from the environment once at
// startup.
type Config struct {
	Port string `env:"PORT" envDefault:"8080"`

	// DatabaseURL selects Postgres when set; otherwise a local SQLite file
	// is used.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH" envDefault:"settlement.db"`

	NATSURL            string        `env:"NATS_URL" envDefault:"nats://localhost:4222"`
	NATSName           string        `env:"NATS_NAME" envDefault:"settlement-engine"`
	NATSReconnectWait  time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`
	NATSMaxReconnects  int           `env:"NATS_MAX_RECONNECTS" envDefault:"10"`
	NATSConnectTimeout time.Duration `env:"NATS_CONNECT_TIMEOUT" envDefault:"5s"`

	// RedisURL selects the Redis-backed dedup cache when set.
	RedisURL      string        `env:"REDIS_URL"`
	DedupCacheTTL time.Duration `env:"DEDUP_CACHE_TTL" envDefault:"72h"`
	DedupSize     int           `env:"DEDUP_CACHE_SIZE" envDefault:"65536"`

	ConsumerWorkers int `env:"CONSUMER_WORKERS" envDefault:"4"`

	// AutoReviewEnabled turns on the external KYC decision hook.
	AutoReviewEnabled bool `env:"KYC_AUTO_REVIEW" envDefault:"false"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Driver returns the database driver and DSN implied by the config.
func (c *Config) Driver() (driver, dsn string) {
	if c.DatabaseURL != "" {
		return "postgres", c.DatabaseURL
	}
	return "sqlite", c.SQLitePath
}
