// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type LogConfig struct {
	Level    string `yaml:"level" env:"LOG_LEVEL"`   // trace|debug|info|warn|error
	Format   string `yaml:"format" env:"LOG_FORMAT"` // json|console
	Sampling bool   `yaml:"sampling"`                // enable sampling in prod
}

type DatabaseConfig struct {
	URL      string `yaml:"url" env:"DATABASE_URL"`
	MaxConns int32  `yaml:"max_conns"`
	// ApplySchema runs the embedded schema on startup.
	ApplySchema bool `yaml:"apply_schema"`
}

type RedisConfig struct {
	URL      string        `yaml:"url" env:"REDIS_URL"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // stop-flag cache TTL
}

// Lock backends for the claim critical section.
const (
	LockBackendPostgres = "postgres"
	LockBackendRedis    = "redis"
	LockBackendMemory   = "memory"
)

type QueueConfig struct {
	Types             []string      `yaml:"types"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	BatchSize         int           `yaml:"batch_size"`
	CancelGrace       time.Duration `yaml:"cancel_grace"`
	LockBackend       string        `yaml:"lock_backend"` // postgres|redis|memory
	LockTTL           time.Duration `yaml:"lock_ttl"`     // redis lock expiry
}

type WorkerConfig struct {
	ID          string `yaml:"id" env:"WORKER_ID"`
	Concurrency int    `yaml:"concurrency"`
}

type AdminConfig struct {
	Port      int           `yaml:"port"`
	JWTSecret string        `yaml:"jwt_secret" env:"ADMIN_JWT_SECRET"`
	TokenTTL  time.Duration `yaml:"token_ttl"` // lifetime of minted admin tokens
}

type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
}

type Config struct {
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Queue    QueueConfig    `yaml:"queue"`
	Worker   WorkerConfig   `yaml:"worker"`
	Admin    AdminConfig    `yaml:"admin"`
	Sweeper  SweeperConfig  `yaml:"sweeper"`

	Runtime RuntimeConfig `yaml:"-"`
}

// LoadConfig reads the YAML file at path, applies environment overrides,
// fills defaults and validates the result.
func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(b, dev)
}

// Parse is LoadConfig without the file read.
func Parse(b []byte, dev bool) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Runtime.Dev = dev
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Database.MaxConns <= 0 {
		cfg.Database.MaxConns = 10
	}
	cfg.Redis.TTL = normalizeTTL(cfg.Redis.TTL)

	q := &cfg.Queue
	if len(q.Types) == 0 {
		q.Types = []string{"import", "reindex", "store_copy"}
	}
	if q.HeartbeatTimeout <= 0 {
		q.HeartbeatTimeout = 30 * time.Second
	}
	if q.HeartbeatInterval <= 0 {
		q.HeartbeatInterval = q.HeartbeatTimeout / 3
	}
	if q.PollInterval <= 0 {
		q.PollInterval = time.Second
	}
	if q.BatchSize <= 0 {
		q.BatchSize = 1
	}
	if q.CancelGrace <= 0 {
		q.CancelGrace = q.HeartbeatTimeout
	}
	if q.LockBackend == "" {
		q.LockBackend = LockBackendPostgres
	}
	if q.LockTTL <= 0 {
		q.LockTTL = 10 * time.Second
	}

	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 4
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Admin.TokenTTL <= 0 {
		cfg.Admin.TokenTTL = 12 * time.Hour
	}
	if cfg.Sweeper.Interval <= 0 {
		cfg.Sweeper.Interval = 15 * time.Second
	}
}

// Validate enforces the constraints the coordination protocol depends on.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("database.url is required")
	}
	if c.Queue.HeartbeatInterval >= c.Queue.HeartbeatTimeout {
		return fmt.Errorf("queue.heartbeat_interval (%s) must be less than queue.heartbeat_timeout (%s)",
			c.Queue.HeartbeatInterval, c.Queue.HeartbeatTimeout)
	}
	// Grace runs from the last heartbeat; a live worker sees the flag only on
	// its next renewal.
	if c.Queue.CancelGrace <= c.Queue.HeartbeatInterval {
		return fmt.Errorf("queue.cancel_grace (%s) must be greater than queue.heartbeat_interval (%s)",
			c.Queue.CancelGrace, c.Queue.HeartbeatInterval)
	}
	switch c.Queue.LockBackend {
	case LockBackendPostgres, LockBackendMemory:
	case LockBackendRedis:
		if c.Redis.URL == "" {
			return errors.New("redis.url is required when queue.lock_backend is redis")
		}
	default:
		return fmt.Errorf("unknown queue.lock_backend %q", c.Queue.LockBackend)
	}
	return nil
}

func normalizeTTL(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}
