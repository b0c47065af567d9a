package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"careops-workflow-core/internal/alerting"
	"careops-workflow-core/internal/authz"
	"careops-workflow-core/internal/automation"
	"careops-workflow-core/internal/engine"
	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/sla"
	"careops-workflow-core/shared/cachex"
	"careops-workflow-core/shared/config"
	"careops-workflow-core/shared/dbx"
	"careops-workflow-core/shared/events"
	"careops-workflow-core/shared/logx"
	"careops-workflow-core/shared/metricsx"
	"careops-workflow-core/shared/mqx"
	"careops-workflow-core/shared/observability"
)

const taskOutboxScan = "outbox.scan"

func main() {
	cfg, problems := config.Load("dispatch-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
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

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	defer producer.Close()

	var cacheClient *cachex.Client
	if cfg.RedisAddr != "" {
		cacheClient, err = cachex.New(cfg)
		if err != nil {
			logger.Warn(context.Background(), "cache_init_failed", "redis init failed",
				slog.String("error", err.Error()),
			)
			cacheClient = nil
		}
	}

	outboxRepo := repos.NewOutboxRepo(dbPool)
	tasksRepo := repos.NewTasksRepo(dbPool, outboxRepo)
	plansRepo := repos.NewActionPlansRepo(dbPool, outboxRepo)
	slaRepo := repos.NewSLARepo(dbPool)
	notificationsRepo := repos.NewNotificationsRepo(dbPool)
	runsRepo := repos.NewAutomationRunsRepo(dbPool)

	configSource := &sla.CachedConfigSource{
		Repo:  slaRepo,
		Cache: cacheClient,
		TTL:   time.Duration(cfg.SLACacheTTLSec) * time.Second,
	}
	alerter := alerting.New(notificationsRepo, producer, cacheClient, logger)
	slaManager := sla.NewManager(configSource, slaRepo, alerter, logger)
	eng := engine.New(tasksRepo, plansRepo, authz.RoleAuthorizer{}, slaManager)
	dispatcher := automation.NewDispatcher(automation.BuiltinTriggers(), eng, alerter, runsRepo, logger, cfg.AutomationMaxHops)

	metricsx.Register()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	server := asynq.NewServer(redisOpt, asynq.Config{
		// One scan at a time keeps per-aggregate event order intact.
		Concurrency: 1,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	staleClaim := time.Duration(cfg.OutboxStaleClaimSec) * time.Second

	mux := asynq.NewServeMux()
	mux.HandleFunc(taskOutboxScan, func(ctx context.Context, t *asynq.Task) error {
		ctx, span := otel.Tracer("asynq").Start(ctx, "outbox.scan")
		span.SetAttributes(attribute.String("queue", cfg.AsynqQueue))
		defer span.End()

		if released, err := outboxRepo.ReleaseStale(ctx, staleClaim); err == nil && released > 0 {
			logger.Warn(ctx, "outbox_stale_released", "released stale outbox claims",
				slog.Int64("count", released),
			)
		}

		batch, err := outboxRepo.ClaimPending(ctx, cfg.ServiceName, cfg.OutboxBatchSize)
		if err != nil {
			return err
		}
		for _, event := range batch {
			dispatchEvent(ctx, cfg, logger, outboxRepo, dispatcher, producer, event)
		}
		return nil
	})

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()
	if _, err := scheduler.Register("@every "+strconv.Itoa(cfg.OutboxScanSec)+"s", asynq.NewTask(taskOutboxScan, nil, asynq.Queue(cfg.AsynqQueue))); err != nil {
		logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "dispatch worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("scan_interval_seconds", cfg.OutboxScanSec),
			slog.Int("batch_size", cfg.OutboxBatchSize),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "dispatch worker stopped")
}

// dispatchEvent runs automation triggers for one claimed event, publishes it
// to kafka and settles its outbox status. Failures schedule a retry with
// quadratic backoff until the attempt cap moves the event to dead-letter.
func dispatchEvent(
	ctx context.Context,
	cfg config.Config,
	logger logx.Logger,
	outboxRepo *repos.OutboxRepo,
	dispatcher *automation.Dispatcher,
	producer *mqx.Producer,
	event models.OutboxEvent,
) {
	start := time.Now()
	// Automation actions run entity transitions; bound each event so one slow
	// trigger cannot stall the whole batch. Settling uses the scan's context
	// so a timed-out event can still be marked for retry.
	eventCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.TransitionTimeoutMS)*time.Millisecond)
	defer cancel()

	fail := func(cause error) {
		attempts := event.Attempts + 1
		nextRetry := time.Now().UTC().Add(retryDelay(attempts))
		dead := attempts >= cfg.OutboxMaxAttempts
		_ = outboxRepo.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead)
		status := "retry"
		if dead {
			status = "dead"
			logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
				slog.String("event_id", event.EventID.String()),
				slog.String("event_type", event.EventType),
				slog.Int("attempts", attempts),
				slog.String("error", cause.Error()),
			)
		}
		metricsx.IncOutboxProcessed(event.EventType, status)
	}

	if _, err := dispatcher.Dispatch(eventCtx, event); err != nil {
		fail(err)
		return
	}

	envelope, err := json.Marshal(events.Envelope{
		EventID:       event.EventID,
		CorrelationID: event.CorrelationID,
		OccurredAt:    event.CreatedAt,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		ActorID:       event.ActorID,
		Payload:       event.EventData,
	})
	if err != nil {
		fail(err)
		return
	}
	headers := map[string]string{
		"event_id":       event.EventID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"published_at":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := producer.Publish(eventCtx, events.TopicWorkflowEvents, []byte(event.AggregateID.String()), envelope, headers); err != nil {
		fail(err)
		return
	}

	if err := outboxRepo.MarkProcessed(ctx, event.EventID); err != nil {
		// The event was delivered; leaving it claimed lets the stale-claim
		// sweep retry the bookkeeping rather than redelivering immediately.
		logger.Error(ctx, "outbox_settle_failed", "failed to mark event processed",
			slog.String("error_code", "INTERNAL_ERROR"),
			slog.String("event_id", event.EventID.String()),
			slog.String("error", err.Error()),
		)
		return
	}
	metricsx.IncOutboxProcessed(event.EventType, "processed")
	metricsx.ObserveDispatchLatency(time.Since(start))
}

func retryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
