package config

import (
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

const testPostgresURL = "postgres://u:p@localhost:5432/db?sslmode=disable"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_URL", testPostgresURL)
	t.Setenv("JWT_SECRET", "s3cret")
}

func TestLoadAll_HappyPath_NoRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != testPostgresURL {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if cfg.Auth.JWTSecret != "s3cret" {
		t.Fatalf("unexpected JWTSecret: %q", cfg.Auth.JWTSecret)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Server.RequestTimeout != 10*time.Second {
		t.Fatalf("unexpected RequestTimeout default: %v", cfg.Server.RequestTimeout)
	}
	if cfg.Server.ContentMax != 4000 {
		t.Fatalf("unexpected ContentMax default: %d", cfg.Server.ContentMax)
	}
	if cfg.Hub.HeartbeatTimeout != 60*time.Second || cfg.Hub.PingInterval != 25*time.Second {
		t.Fatalf("unexpected hub defaults: %+v", cfg.Hub)
	}
	if cfg.Hub.Instance == "" {
		t.Fatalf("expected instance id to default to the hostname")
	}
	if !cfg.Ledger.Strict {
		t.Fatalf("expected strict ledger by default")
	}
	if cfg.Ledger.AggregateWindow != 10 {
		t.Fatalf("unexpected AggregateWindow default: %d", cfg.Ledger.AggregateWindow)
	}
	if cfg.Ledger.Retention != 90*24*time.Hour {
		t.Fatalf("unexpected Retention default: %v", cfg.Ledger.Retention)
	}
	if cfg.Ledger.CleanupInterval != time.Hour {
		t.Fatalf("unexpected CleanupInterval default: %v", cfg.Ledger.CleanupInterval)
	}
	if cfg.Sync.MaxServerUpdates != 100 {
		t.Fatalf("unexpected MaxServerUpdates default: %d", cfg.Sync.MaxServerUpdates)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("unexpected LogLevel default: %v", cfg.LogLevel)
	}

	if cfg.Redis.Enabled {
		t.Fatalf("expected Redis disabled when REDIS_ADDR not set")
	}
	if cfg.Bus.Driver != BusMemory {
		t.Fatalf("expected memory bus without Redis, got %q", cfg.Bus.Driver)
	}
	if cfg.Bus.Channel != "finnigram.events" {
		t.Fatalf("unexpected Bus.Channel default: %q", cfg.Bus.Channel)
	}
}

func TestLoadAll_HappyPath_WithRedis(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LEDGER_STRICT", "false")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if !cfg.Redis.Enabled {
		t.Fatalf("expected Redis enabled")
	}
	if cfg.Redis.Address != "localhost:6379" {
		t.Fatalf("unexpected Redis.Address: %q", cfg.Redis.Address)
	}
	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Bus.Driver != BusRedis {
		t.Fatalf("expected redis bus by default when Redis is configured, got %q", cfg.Bus.Driver)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected LogLevel: %v", cfg.LogLevel)
	}
	if cfg.Ledger.Strict {
		t.Fatalf("expected lenient ledger")
	}
}

func TestLoadAll_NatsBus(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)
	t.Setenv("BUS_DRIVER", "NATS")
	t.Setenv("NATS_URL", "nats://broker:4222")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}
	if cfg.Bus.Driver != BusNats || cfg.Bus.NatsURL != "nats://broker:4222" {
		t.Fatalf("unexpected bus config: %+v", cfg.Bus)
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	t.Run("missing POSTGRES_URL", func(t *testing.T) {
		clearTestEnv(t)
		t.Setenv("JWT_SECRET", "s3cret")

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		if !strings.Contains(err.Error(), "POSTGRES_URL") {
			t.Fatalf("expected error mentioning POSTGRES_URL, got: %v", err)
		}
	})

	t.Run("missing both reports both", func(t *testing.T) {
		clearTestEnv(t)

		_, err := LoadAll()
		if err == nil {
			t.Fatalf("expected error, got nil")
		}
		for _, key := range []string{"POSTGRES_URL", "JWT_SECRET"} {
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error mentioning %s, got: %v", key, err)
			}
		}
	})
}

func TestLoadAll_InvalidValues(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid CONTENT_MAX", "CONTENT_MAX", "abc"},
		{"invalid HEARTBEAT_TIMEOUT_SECONDS", "HEARTBEAT_TIMEOUT_SECONDS", "nope"},
		{"invalid LEDGER_AGGREGATE_WINDOW", "LEDGER_AGGREGATE_WINDOW", "x"},
		{"invalid LEDGER_STRICT", "LEDGER_STRICT", "maybe"},
		{"invalid LOG_LEVEL", "LOG_LEVEL", "loud"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"unknown BUS_DRIVER", "BUS_DRIVER", "kafka"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)

			if strings.HasPrefix(tc.key, "REDIS_") {
				t.Setenv("REDIS_ADDR", "localhost:6379")
			}
			t.Setenv(tc.key, tc.val)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.key) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.key, err)
			}
		})
	}
}

func TestLoadAll_ValidationFailures(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"content max <= 0", map[string]string{"CONTENT_MAX": "0"}, "CONTENT_MAX"},
		{"cleanup interval <= 0", map[string]string{"CLEANUP_INTERVAL_SECONDS": "0"}, "CLEANUP_INTERVAL_SECONDS"},
		{"sync cap <= 0", map[string]string{"SYNC_MAX_SERVER_UPDATES": "-1"}, "SYNC_MAX_SERVER_UPDATES"},
		{"ping not below timeout", map[string]string{"PING_INTERVAL_SECONDS": "60"}, "PING_INTERVAL_SECONDS"},
		{"redis bus without redis", map[string]string{"BUS_DRIVER": "redis"}, "REDIS_ADDR"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error mentioning %s, got: %v", tc.want, err)
			}
		})
	}
}

func TestRequireEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	_, err := requireEnv("MISSING_KEY")
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	t.Setenv("FOO", "bar")
	v, err := requireEnv("FOO")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "bar" {
		t.Fatalf("expected %q, got %q", "bar", v)
	}
}

func TestGetEnv(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	if got := getEnv("NOPE", "default"); got != "default" {
		t.Fatalf("expected default, got %q", got)
	}

	t.Setenv("A", "x")
	if got := getEnv("A", "default"); got != "x" {
		t.Fatalf("expected x, got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvInt("MISSING", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7 {
		t.Fatalf("expected default 7, got %d", got)
	}

	t.Setenv("N", "123")
	got, err = getEnvInt("N", 7)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 123 {
		t.Fatalf("expected 123, got %d", got)
	}

	t.Setenv("BAD", "abc")
	_, err = getEnvInt("BAD", 7)
	if err == nil {
		t.Fatalf("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestGetEnvBool(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)

	got, err := getEnvBool("MISSING", true)
	if err != nil || !got {
		t.Fatalf("expected default true, got %v err=%v", got, err)
	}

	t.Setenv("A", "0")
	got, err = getEnvBool("A", true)
	if err != nil || got {
		t.Fatalf("expected false, got %v err=%v", got, err)
	}

	t.Setenv("BAD", "perhaps")
	if _, err := getEnvBool("BAD", true); err == nil || !strings.Contains(err.Error(), "BAD") {
		t.Fatalf("expected error mentioning BAD, got: %v", err)
	}
}

func TestJoinErrors(t *testing.T) {
	if err := joinErrors(nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}

	e1 := errors.New("one")
	e2 := errors.New("two")
	err := joinErrors([]error{e1, e2})
	if err == nil {
		t.Fatalf("expected error, got nil")
	}

	if !errors.Is(err, e1) {
		t.Fatalf("expected errors.Is(err, e1) to be true")
	}
	if !errors.Is(err, e2) {
		t.Fatalf("expected errors.Is(err, e2) to be true")
	}
}

func clearTestEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"SERVER_ADDRESS",
		"REQUEST_TIMEOUT_SECONDS",
		"CONTENT_MAX",
		"POSTGRES_URL",
		"JWT_SECRET",
		"INSTANCE_ID",
		"LOG_LEVEL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"BUS_DRIVER",
		"NATS_URL",
		"BUS_CHANNEL",
		"HEARTBEAT_TIMEOUT_SECONDS",
		"PING_INTERVAL_SECONDS",
		"LEDGER_STRICT",
		"LEDGER_AGGREGATE_WINDOW",
		"LEDGER_RETENTION_DAYS",
		"CLEANUP_INTERVAL_SECONDS",
		"SYNC_MAX_SERVER_UPDATES",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
