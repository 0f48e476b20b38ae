package config

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"
)

var envMu sync.Mutex

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("POSTGRES_URL", "postgres://u:p@localhost:5432/db?sslmode=disable")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("GATEWAY_URL", "https://gateway.example.com")
	t.Setenv("GATEWAY_API_KEY", "key")
	t.Setenv("WEBHOOK_URL", "https://example.com/v1/webhook")
}

func TestLoadAll_HappyPath_Defaults(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Database.PostgresURL != "postgres://u:p@localhost:5432/db?sslmode=disable" {
		t.Fatalf("unexpected PostgresURL: %q", cfg.Database.PostgresURL)
	}
	if cfg.Gateway.WebhookURL != "https://example.com/v1/webhook" {
		t.Fatalf("unexpected Gateway.WebhookURL: %q", cfg.Gateway.WebhookURL)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected Server.Address default: %q", cfg.Server.Address)
	}
	if cfg.Scheduler.Interval != time.Second {
		t.Fatalf("unexpected Scheduler.Interval default: %v", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.BatchSize != 20 || cfg.Scheduler.Workers != 4 {
		t.Fatalf("unexpected Scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Cache.StatusTTL != 30*time.Minute || cfg.Cache.TokenTTL != 4*time.Hour {
		t.Fatalf("unexpected cache TTL defaults: %+v", cfg.Cache)
	}
	if cfg.Cache.SweepInterval != 5*time.Minute {
		t.Fatalf("unexpected sweep default: %v", cfg.Cache.SweepInterval)
	}
	if cfg.Discovery.InitialDelay != 2*time.Second || cfg.Discovery.MaxAttempts != 5 || cfg.Discovery.MaxRetries != 10 {
		t.Fatalf("unexpected discovery defaults: %+v", cfg.Discovery)
	}
	if cfg.Instances.CleanupCron != "0 0 * * *" || cfg.Instances.RecoveryCron != "@every 5m" {
		t.Fatalf("unexpected cron defaults: %+v", cfg.Instances)
	}
	if cfg.Scheduler.JobTimeout != time.Minute || cfg.Scheduler.StuckAfter != 10*time.Minute {
		t.Fatalf("unexpected job timeout defaults: %+v", cfg.Scheduler)
	}
	if len(cfg.Instances.BlockedPrefixes) != 1 || cfg.Instances.BlockedPrefixes[0] != "972" {
		t.Fatalf("unexpected blocked prefixes: %v", cfg.Instances.BlockedPrefixes)
	}
	if cfg.Alerts.SlackWebhookURL != "" {
		t.Fatalf("expected alerts disabled by default, got %q", cfg.Alerts.SlackWebhookURL)
	}
}

func TestLoadAll_Overrides(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	clearTestEnv(t)
	setRequired(t)

	t.Setenv("REDIS_PASSWORD", "secret")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("QUEUE_VISIBILITY_SECONDS", "42")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.example.com/x")
	t.Setenv("BLOCKED_RECEIVER_PREFIXES", "972, 999 ,")
	t.Setenv("DISCOVERY_INITIAL_DELAY_MS", "250")

	cfg, err := LoadAll()
	if err != nil {
		t.Fatalf("LoadAll() error: %v", err)
	}

	if cfg.Redis.Password != "secret" {
		t.Fatalf("unexpected Redis.Password: %q", cfg.Redis.Password)
	}
	if cfg.Redis.DB != 3 {
		t.Fatalf("unexpected Redis.DB: %d", cfg.Redis.DB)
	}
	if cfg.Redis.Visibility != 42*time.Second {
		t.Fatalf("unexpected Redis.Visibility: %v", cfg.Redis.Visibility)
	}
	if cfg.Alerts.SlackWebhookURL != "https://hooks.example.com/x" {
		t.Fatalf("unexpected SlackWebhookURL: %q", cfg.Alerts.SlackWebhookURL)
	}
	if got := strings.Join(cfg.Instances.BlockedPrefixes, "|"); got != "972|999" {
		t.Fatalf("unexpected blocked prefixes: %q", got)
	}
	if cfg.Discovery.InitialDelay != 250*time.Millisecond {
		t.Fatalf("unexpected InitialDelay: %v", cfg.Discovery.InitialDelay)
	}
}

func TestLoadAll_RequiredEnvMissing(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	for _, key := range []string{"POSTGRES_URL", "REDIS_ADDR", "GATEWAY_URL", "GATEWAY_API_KEY", "WEBHOOK_URL"} {
		key := key
		t.Run("missing "+key, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			_ = os.Unsetenv(key)

			_, err := LoadAll()
			if err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !strings.Contains(err.Error(), key) {
				t.Fatalf("expected error mentioning %s, got: %v", key, err)
			}
		})
	}
}

func TestLoadAll_InvalidInts(t *testing.T) {
	envMu.Lock()
	defer envMu.Unlock()

	cases := []struct {
		name string
		key  string
		val  string
	}{
		{"invalid SCHED_INTERVAL_SECONDS", "SCHED_INTERVAL_SECONDS", "nope"},
		{"invalid SCHED_BATCH_SIZE", "SCHED_BATCH_SIZE", "x"},
		{"invalid SCHED_WORKERS", "SCHED_WORKERS", "many"},
		{"invalid REDIS_DB", "REDIS_DB", "bad"},
		{"invalid CACHE_TOKEN_TTL_MINUTES", "CACHE_TOKEN_TTL_MINUTES", "bad"},
		{"invalid DISCOVERY_MAX_RETRIES", "DISCOVERY_MAX_RETRIES", "ten"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
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
		key  string
		val  string
		want string
	}{
		{"batch size <= 0", "SCHED_BATCH_SIZE", "0", "SCHED_BATCH_SIZE"},
		{"interval <= 0", "SCHED_INTERVAL_SECONDS", "0", "SCHED_INTERVAL_SECONDS"},
		{"workers <= 0", "SCHED_WORKERS", "-1", "SCHED_WORKERS"},
		{"max attempts <= 0", "DISCOVERY_MAX_ATTEMPTS", "0", "DISCOVERY_MAX_ATTEMPTS"},
		{"token ttl shorter than status ttl", "CACHE_TOKEN_TTL_MINUTES", "10", "CACHE_TOKEN_TTL_MINUTES"},
		{"job timeout <= 0", "SCHED_JOB_TIMEOUT_SECONDS", "0", "SCHED_JOB_TIMEOUT_SECONDS"},
		{"stuck window inside visibility", "SCHED_STUCK_AFTER_SECONDS", "120", "SCHED_STUCK_AFTER_SECONDS"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			clearTestEnv(t)
			setRequired(t)
			t.Setenv(tc.key, tc.val)

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
		"POSTGRES_URL",
		"REDIS_ADDR",
		"REDIS_PASSWORD",
		"REDIS_DB",
		"QUEUE_PREFIX",
		"QUEUE_VISIBILITY_SECONDS",
		"GATEWAY_URL",
		"GATEWAY_API_KEY",
		"GATEWAY_TIMEOUT_SECONDS",
		"WEBHOOK_URL",
		"SLACK_WEBHOOK_URL",
		"SLACK_RATE_PER_SEC",
		"SCHED_INTERVAL_SECONDS",
		"SCHED_BATCH_SIZE",
		"SCHED_WORKERS",
		"SCHED_JOB_TIMEOUT_SECONDS",
		"SCHED_STUCK_AFTER_SECONDS",
		"SERVER_ADDRESS",
		"CACHE_STATUS_TTL_MINUTES",
		"CACHE_TOKEN_TTL_MINUTES",
		"CACHE_SWEEP_MINUTES",
		"DISCOVERY_INITIAL_DELAY_MS",
		"DISCOVERY_MAX_ATTEMPTS",
		"DISCOVERY_MAX_RETRIES",
		"INSTANCE_CONNECT_TIMEOUT_MINUTES",
		"CLEANUP_CRON",
		"RECOVERY_CRON",
		"BLOCKED_RECEIVER_PREFIXES",
		"LOG_LEVEL",
		"FOO",
		"A",
		"N",
		"BAD",
	}
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}
