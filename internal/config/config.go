package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BusMemory = "memory"
	BusRedis  = "redis"
	BusNats   = "nats"

	// MemoryDatabase selects the in-process repository instead of Postgres.
	MemoryDatabase = "memory"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Bus      BusConfig
	Hub      HubConfig
	Ledger   LedgerConfig
	Sync     SyncConfig
	LogLevel slog.Level
}

type ServerConfig struct {
	Address        string
	RequestTimeout time.Duration
	ContentMax     int
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
}

type BusConfig struct {
	Driver  string
	NatsURL string
	Channel string
}

type HubConfig struct {
	Instance         string
	HeartbeatTimeout time.Duration
	PingInterval     time.Duration
}

type LedgerConfig struct {
	Strict          bool
	AggregateWindow int
	Retention       time.Duration
	CleanupInterval time.Duration
}

type SyncConfig struct {
	MaxServerUpdates int
}

// LoadAll reads every setting and reports all problems at once.
func LoadAll() (*Config, error) {
	var errs []error
	str := func(key string) string {
		v, err := requireEnv(key)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	num := func(key string, def int) int {
		v, err := getEnvInt(key, def)
		if err != nil {
			errs = append(errs, err)
		}
		return v
	}
	seconds := func(key string, def int) time.Duration {
		return time.Duration(num(key, def)) * time.Second
	}

	cfg := &Config{
		Server: ServerConfig{
			Address:        getEnv("SERVER_ADDRESS", ":8080"),
			RequestTimeout: seconds("REQUEST_TIMEOUT_SECONDS", 10),
			ContentMax:     num("CONTENT_MAX", 4000),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Auth: AuthConfig{
			JWTSecret: str("JWT_SECRET"),
		},
		Hub: HubConfig{
			Instance:         getEnv("INSTANCE_ID", hostname()),
			HeartbeatTimeout: seconds("HEARTBEAT_TIMEOUT_SECONDS", 60),
			PingInterval:     seconds("PING_INTERVAL_SECONDS", 25),
		},
		Ledger: LedgerConfig{
			AggregateWindow: num("LEDGER_AGGREGATE_WINDOW", 10),
			Retention:       time.Duration(num("LEDGER_RETENTION_DAYS", 90)) * 24 * time.Hour,
			CleanupInterval: seconds("CLEANUP_INTERVAL_SECONDS", 3600),
		},
		Sync: SyncConfig{
			MaxServerUpdates: num("SYNC_MAX_SERVER_UPDATES", 100),
		},
	}

	strict, err := getEnvBool("LEDGER_STRICT", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Ledger.Strict = strict

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL: %w", err))
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}
	cfg.Redis = redisCfg
	cfg.Bus = loadBusConfig(redisCfg.Enabled)

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, err
}

// loadBusConfig defaults to the Redis bus whenever Redis is configured.
func loadBusConfig(redisEnabled bool) BusConfig {
	def := BusMemory
	if redisEnabled {
		def = BusRedis
	}
	return BusConfig{
		Driver:  strings.ToLower(getEnv("BUS_DRIVER", def)),
		NatsURL: getEnv("NATS_URL", "nats://127.0.0.1:4222"),
		Channel: getEnv("BUS_CHANNEL", "finnigram.events"),
	}
}

func validate(cfg *Config) []error {
	var errs []error
	positive := func(key string, v int64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	positive("REQUEST_TIMEOUT_SECONDS", int64(cfg.Server.RequestTimeout))
	positive("CONTENT_MAX", int64(cfg.Server.ContentMax))
	positive("HEARTBEAT_TIMEOUT_SECONDS", int64(cfg.Hub.HeartbeatTimeout))
	positive("PING_INTERVAL_SECONDS", int64(cfg.Hub.PingInterval))
	positive("LEDGER_AGGREGATE_WINDOW", int64(cfg.Ledger.AggregateWindow))
	positive("LEDGER_RETENTION_DAYS", int64(cfg.Ledger.Retention))
	positive("CLEANUP_INTERVAL_SECONDS", int64(cfg.Ledger.CleanupInterval))
	positive("SYNC_MAX_SERVER_UPDATES", int64(cfg.Sync.MaxServerUpdates))

	if cfg.Hub.PingInterval > 0 && cfg.Hub.PingInterval >= cfg.Hub.HeartbeatTimeout {
		errs = append(errs, errors.New("PING_INTERVAL_SECONDS must be below HEARTBEAT_TIMEOUT_SECONDS"))
	}

	switch cfg.Bus.Driver {
	case BusMemory, BusNats:
	case BusRedis:
		if !cfg.Redis.Enabled {
			errs = append(errs, errors.New("BUS_DRIVER=redis requires REDIS_ADDR"))
		}
	default:
		errs = append(errs, fmt.Errorf("BUS_DRIVER must be one of memory, redis, nats: got %q", cfg.Bus.Driver))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func getEnvBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("invalid bool for env %s: %s", key, v)
	}
	return b, nil
}

func joinErrors(errs []error) error {
	return errors.Join(errs...)
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "finnigram"
}
