package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"careops-workflow-core/internal/alerting"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/sla"
	"careops-workflow-core/shared/cachex"
	"careops-workflow-core/shared/config"
	"careops-workflow-core/shared/dbx"
	"careops-workflow-core/shared/influxx"
	"careops-workflow-core/shared/lockx"
	"careops-workflow-core/shared/logx"
	"careops-workflow-core/shared/mqx"
	"careops-workflow-core/shared/observability"
)

const leaderLockKey = "sla:monitor:leader"

func main() {
	cfg, problems := config.Load("sla-monitor", 8085)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfig{
			ServiceName: cfg.ServiceName,
			Env:         cfg.Env,
			Endpoint:    cfg.OtelEndpoint,
			Insecure:    cfg.OtelInsecure,
			SampleRatio: cfg.OtelSampleRatio,
		}); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer dbPool.Close()

	var producer *mqx.Producer
	if len(cfg.KafkaBrokers) > 0 {
		producer, err = mqx.NewProducer(cfg)
		if err != nil {
			logger.Warn(context.Background(), "kafka_init_failed", "kafka init failed, alert fan-out disabled",
				slog.String("error", err.Error()),
			)
			producer = nil
		}
	}
	if producer != nil {
		defer producer.Close()
	}

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "redis_init_failed", "redis init failed, running without leader lock",
				slog.String("error", err.Error()),
			)
			cacheClient = nil
		}
	}
	if cacheClient != nil {
		defer cacheClient.Close()
	}

	var influxClient *influxx.Client
	if cfg.InfluxURL != "" && cfg.InfluxToken != "" && cfg.InfluxOrg != "" && cfg.InfluxBucket != "" {
		influxClient, err = influxx.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "influx_init_failed", "influx init failed",
				slog.String("error", err.Error()),
			)
			influxClient = nil
		}
	}
	if influxClient != nil {
		defer influxClient.Close()
	}

	slaRepo := repos.NewSLARepo(dbPool)
	notificationsRepo := repos.NewNotificationsRepo(dbPool)
	configSource := &sla.CachedConfigSource{
		Repo:  slaRepo,
		Cache: cacheClient,
		TTL:   time.Duration(cfg.SLACacheTTLSec) * time.Second,
	}
	alerter := alerting.New(notificationsRepo, producer, cacheClient, logger)
	manager := sla.NewManager(configSource, slaRepo, alerter, logger)
	if influxClient != nil {
		manager.Timeseries = influxClient
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	interval := time.Duration(cfg.SLAMonitorSec) * time.Second
	logger.Info(ctx, "monitor_start", "SLA monitor started",
		slog.Int("interval_seconds", cfg.SLAMonitorSec),
		slog.Bool("leader_lock", cacheClient != nil),
	)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	runScan(ctx, cfg, logger, manager, cacheClient, interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info(context.Background(), "monitor_stop", "SLA monitor stopped")
			return
		case <-ticker.C:
			runScan(ctx, cfg, logger, manager, cacheClient, interval)
		}
	}
}

// runScan checks overdue records once. With redis configured only the replica
// holding the leader lock scans, so a breach alerts exactly once per sweep.
func runScan(ctx context.Context, cfg config.Config, logger logx.Logger, manager *sla.Manager, cacheClient *cachex.Client, interval time.Duration) {
	scanCtx, cancel := context.WithTimeout(ctx, interval)
	defer cancel()

	if cacheClient != nil {
		lock, acquired, err := lockx.Acquire(scanCtx, cacheClient.Client(), leaderLockKey, interval)
		if err != nil {
			logger.Warn(scanCtx, "leader_lock_failed", "leader lock acquire failed",
				slog.String("error", err.Error()),
			)
			return
		}
		if !acquired {
			return
		}
		defer func() { _ = lockx.Release(scanCtx, cacheClient.Client(), lock) }()
	}

	count, err := manager.MonitorBreaches(scanCtx)
	if err != nil {
		logger.Error(scanCtx, "breach_scan_failed", "breach scan failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		return
	}
	if count > 0 {
		logger.Info(scanCtx, "breaches_detected", "SLA breaches detected",
			slog.Int("count", count),
		)
	}
}
