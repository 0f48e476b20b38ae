package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Scheduler SchedulerConfig
	Gateway   GatewayConfig
	Alerts    AlertConfig
	Cache     CacheConfig
	Discovery DiscoveryConfig
	Instances InstanceConfig
	LogLevel  string
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Address     string
	Password    string
	DB          int
	QueuePrefix string
	Visibility  time.Duration
}

type SchedulerConfig struct {
	Interval   time.Duration
	BatchSize  int
	Workers    int
	JobTimeout time.Duration
	StuckAfter time.Duration
}

type GatewayConfig struct {
	URL        string
	APIKey     string
	WebhookURL string
	Timeout    time.Duration
}

type AlertConfig struct {
	SlackWebhookURL string
	RatePerSec      int
}

type CacheConfig struct {
	StatusTTL     time.Duration
	TokenTTL      time.Duration
	SweepInterval time.Duration
}

type DiscoveryConfig struct {
	InitialDelay time.Duration
	MaxAttempts  int
	MaxRetries   int
}

type InstanceConfig struct {
	ConnectTimeout  time.Duration
	CleanupCron     string
	RecoveryCron    string
	BlockedPrefixes []string
}

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

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: str("POSTGRES_URL"),
		},
		Redis: RedisConfig{
			Address:     str("REDIS_ADDR"),
			Password:    os.Getenv("REDIS_PASSWORD"),
			DB:          num("REDIS_DB", 0),
			QueuePrefix: getEnv("QUEUE_PREFIX", "scheduler"),
			Visibility:  time.Duration(num("QUEUE_VISIBILITY_SECONDS", 300)) * time.Second,
		},
		Scheduler: SchedulerConfig{
			Interval:   time.Duration(num("SCHED_INTERVAL_SECONDS", 1)) * time.Second,
			BatchSize:  num("SCHED_BATCH_SIZE", 20),
			Workers:    num("SCHED_WORKERS", 4),
			JobTimeout: time.Duration(num("SCHED_JOB_TIMEOUT_SECONDS", 60)) * time.Second,
			StuckAfter: time.Duration(num("SCHED_STUCK_AFTER_SECONDS", 600)) * time.Second,
		},
		Gateway: GatewayConfig{
			URL:        str("GATEWAY_URL"),
			APIKey:     str("GATEWAY_API_KEY"),
			WebhookURL: str("WEBHOOK_URL"),
			Timeout:    time.Duration(num("GATEWAY_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Alerts: AlertConfig{
			SlackWebhookURL: os.Getenv("SLACK_WEBHOOK_URL"),
			RatePerSec:      num("SLACK_RATE_PER_SEC", 1),
		},
		Cache: CacheConfig{
			StatusTTL:     time.Duration(num("CACHE_STATUS_TTL_MINUTES", 30)) * time.Minute,
			TokenTTL:      time.Duration(num("CACHE_TOKEN_TTL_MINUTES", 240)) * time.Minute,
			SweepInterval: time.Duration(num("CACHE_SWEEP_MINUTES", 5)) * time.Minute,
		},
		Discovery: DiscoveryConfig{
			InitialDelay: time.Duration(num("DISCOVERY_INITIAL_DELAY_MS", 2000)) * time.Millisecond,
			MaxAttempts:  num("DISCOVERY_MAX_ATTEMPTS", 5),
			MaxRetries:   num("DISCOVERY_MAX_RETRIES", 10),
		},
		Instances: InstanceConfig{
			ConnectTimeout:  time.Duration(num("INSTANCE_CONNECT_TIMEOUT_MINUTES", 5)) * time.Minute,
			CleanupCron:     getEnv("CLEANUP_CRON", "0 0 * * *"),
			RecoveryCron:    getEnv("RECOVERY_CRON", "@every 5m"),
			BlockedPrefixes: splitList(getEnv("BLOCKED_RECEIVER_PREFIXES", "972")),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	positive := func(ok bool, key string) {
		if !ok {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	positive(cfg.Scheduler.BatchSize > 0, "SCHED_BATCH_SIZE")
	positive(cfg.Scheduler.Interval > 0, "SCHED_INTERVAL_SECONDS")
	positive(cfg.Scheduler.Workers > 0, "SCHED_WORKERS")
	positive(cfg.Scheduler.JobTimeout > 0, "SCHED_JOB_TIMEOUT_SECONDS")
	positive(cfg.Scheduler.StuckAfter > 0, "SCHED_STUCK_AFTER_SECONDS")
	positive(cfg.Redis.Visibility > 0, "QUEUE_VISIBILITY_SECONDS")
	positive(cfg.Gateway.Timeout > 0, "GATEWAY_TIMEOUT_SECONDS")
	positive(cfg.Alerts.RatePerSec > 0, "SLACK_RATE_PER_SEC")
	positive(cfg.Cache.StatusTTL > 0, "CACHE_STATUS_TTL_MINUTES")
	positive(cfg.Cache.TokenTTL > 0, "CACHE_TOKEN_TTL_MINUTES")
	positive(cfg.Cache.SweepInterval > 0, "CACHE_SWEEP_MINUTES")
	positive(cfg.Discovery.InitialDelay > 0, "DISCOVERY_INITIAL_DELAY_MS")
	positive(cfg.Discovery.MaxAttempts > 0, "DISCOVERY_MAX_ATTEMPTS")
	positive(cfg.Discovery.MaxRetries > 0, "DISCOVERY_MAX_RETRIES")
	positive(cfg.Instances.ConnectTimeout > 0, "INSTANCE_CONNECT_TIMEOUT_MINUTES")
	if cfg.Cache.TokenTTL < cfg.Cache.StatusTTL {
		errs = append(errs, errors.New("CACHE_TOKEN_TTL_MINUTES must be >= CACHE_STATUS_TTL_MINUTES"))
	}
	if cfg.Scheduler.StuckAfter <= cfg.Redis.Visibility || cfg.Scheduler.StuckAfter <= cfg.Scheduler.JobTimeout {
		errs = append(errs, errors.New("SCHED_STUCK_AFTER_SECONDS must exceed QUEUE_VISIBILITY_SECONDS and SCHED_JOB_TIMEOUT_SECONDS"))
	}
	return joinErrors(errs)
}

func requireEnv(key string) (string, error) {
	val := strings.TrimSpace(os.Getenv(key))
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
		return def, fmt.Errorf("invalid int for env %s: %q", key, v)
	}
	return i, nil
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
