package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/scheduled-messaging/internal/api"
	"github.com/LeventeLantos/scheduled-messaging/internal/cache"
	"github.com/LeventeLantos/scheduled-messaging/internal/client"
	"github.com/LeventeLantos/scheduled-messaging/internal/config"
	"github.com/LeventeLantos/scheduled-messaging/internal/queue"
	"github.com/LeventeLantos/scheduled-messaging/internal/repo"
	"github.com/LeventeLantos/scheduled-messaging/internal/scheduler"
	"github.com/LeventeLantos/scheduled-messaging/internal/service"
)

const shutdownTimeout = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := config.LoadAll()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("messaging app stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	slog.Info("messaging app starting",
		"addr", cfg.Server.Address,
		"interval", cfg.Scheduler.Interval.String(),
		"batch", cfg.Scheduler.BatchSize,
		"workers", cfg.Scheduler.Workers,
	)

	db, err := sql.Open("pgx", cfg.Database.PostgresURL)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	if err := repo.Migrate(ctx, db); err != nil {
		return err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	jobs := queue.NewRedisQueue(rdb, queue.Options{
		Prefix:     cfg.Redis.QueuePrefix,
		Name:       "jobs",
		Visibility: cfg.Redis.Visibility,
	})
	if err := jobs.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}

	conns, err := cache.NewConnectionCache(cache.Options{
		StatusTTL:     cfg.Cache.StatusTTL,
		TokenTTL:      cfg.Cache.TokenTTL,
		SweepInterval: cfg.Cache.SweepInterval,
	})
	if err != nil {
		return err
	}
	conns.Start()
	defer conns.Stop()

	alerts := client.NewSlackNotifier(cfg.Alerts.SlackWebhookURL, cfg.Alerts.RatePerSec)
	defer alerts.Close()

	gateway := client.NewGatewayClient(cfg.Gateway.URL, cfg.Gateway.APIKey, cfg.Gateway.WebhookURL, cfg.Gateway.Timeout)

	messages := repo.NewPostgresMessageRepo(db)
	instances := repo.NewPostgresInstanceRepo(db)
	groups := repo.NewPostgresGroupRepo(db)

	messageSvc := service.NewMessageService(messages, jobs, alerts, cfg.Instances.BlockedPrefixes)
	discovery := service.NewDiscovery(gateway, jobs, service.DiscoveryPolicy{
		InitialDelay: cfg.Discovery.InitialDelay,
		MaxAttempts:  cfg.Discovery.MaxAttempts,
		MaxRetries:   cfg.Discovery.MaxRetries,
	})
	lifecycle := service.NewLifecycle(service.LifecycleDeps{
		Instances: instances,
		Messages:  messages,
		Groups:    groups,
		Cache:     conns,
		Gateway:   gateway,
		Discovery: discovery,
		Greetings: messageSvc,
		Alerts:    alerts,
	})
	sender := service.NewSender(service.SenderDeps{
		Messages:  messages,
		Instances: instances,
		Cache:     conns,
		Gateway:   gateway,
		Alerts:    alerts,
	})
	handlers := service.NewJobs(sender, discovery, lifecycle)

	consumer, err := queue.NewConsumer(jobs, handlers.Handle, queue.ConsumerOptions{
		BatchSize:  cfg.Scheduler.BatchSize,
		Workers:    cfg.Scheduler.Workers,
		JobTimeout: cfg.Scheduler.JobTimeout,
	})
	if err != nil {
		return err
	}
	sched, err := scheduler.New(cfg.Scheduler.Interval, consumer.Tick)
	if err != nil {
		return err
	}
	sched = sched.WithName("delivery")
	sched.Start()
	defer sched.Stop()

	janitor, err := service.NewJanitor(service.JanitorDeps{
		Gateway:      gateway,
		Instances:    instances,
		Messages:     messages,
		Cache:        conns,
		Alerts:       alerts,
		CleanupSpec:  cfg.Instances.CleanupCron,
		RecoverySpec: cfg.Instances.RecoveryCron,
		StuckAfter:   cfg.Scheduler.StuckAfter,
	})
	if err != nil {
		return err
	}
	janitor.Start()
	defer janitor.Stop()

	h := api.NewHandler(api.Deps{
		Scheduler: sched,
		Messages:  messageSvc,
		Instances: service.NewInstanceService(instances, conns, gateway, cfg.Instances.ConnectTimeout),
		Events:    lifecycle,
		Queue:     jobs,
		CacheSize: conns.Len,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           loggingMiddleware(api.Router(h)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		slog.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).String(),
		)
	})
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
