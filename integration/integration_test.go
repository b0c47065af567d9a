//go:build integration

package integration

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"careops-workflow-core/internal/authz"
	"careops-workflow-core/internal/engine"
	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/sla"
	"careops-workflow-core/internal/workflow"
	"careops-workflow-core/shared/logx"
)

func requireDB(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set")
	}
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("db ping failed: %v", err)
	}
	return pool
}

func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	requireDB(t, ctx)

	brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
	if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
		t.Skip("KAFKA_BROKERS not set")
	}
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()

	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}
	_ = redisClient.Close()

	asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
	if asynqRedis == "" {
		t.Skip("ASYNQ_REDIS_ADDR not set")
	}
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
	defer inspector.Close()
	if _, err := inspector.GetQueueInfo("default"); err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}

	if _, err := net.DialTimeout("tcp", strings.TrimSpace(brokers[0]), 2*time.Second); err != nil {
		t.Fatalf("kafka tcp check failed: %v", err)
	}
}

// TestTaskLifecycle drives a task through create -> in_progress -> completed
// against a migrated database and checks the outbox rows the dispatch worker
// would pick up.
func TestTaskLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := requireDB(t, ctx)
	logger := logx.New("integration", "test", "", "error")

	outboxRepo := repos.NewOutboxRepo(pool)
	tasksRepo := repos.NewTasksRepo(pool, outboxRepo)
	plansRepo := repos.NewActionPlansRepo(pool, outboxRepo)
	slaRepo := repos.NewSLARepo(pool)

	slaManager := sla.NewManager(
		&sla.CachedConfigSource{Repo: slaRepo, TTL: time.Second},
		slaRepo, nil, logger,
	)
	eng := engine.New(tasksRepo, plansRepo, authz.RoleAuthorizer{}, slaManager)

	key := "it-" + uuid.NewString()
	task, created, err := eng.CreateTask(ctx, engine.CreateTaskParams{
		Title:          "integration lifecycle",
		TaskType:       "intake",
		ServiceArea:    "integration",
		Priority:       "normal",
		IdempotencyKey: key,
		CreatedBy:      "integration",
		ActorID:        "integration",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if !created || task.State != workflow.TaskStateNew {
		t.Fatalf("task = %+v created = %v", task, created)
	}

	// Repeat with the same key must return the same row.
	again, created, err := eng.CreateTask(ctx, engine.CreateTaskParams{
		Title:          "integration lifecycle",
		IdempotencyKey: key,
		ActorID:        "integration",
	})
	if err != nil {
		t.Fatalf("CreateTask repeat: %v", err)
	}
	if created || again.TaskID != task.TaskID {
		t.Fatalf("idempotent repeat broke: %+v created = %v", again, created)
	}

	res, err := eng.ExecuteTransition(ctx, engine.TransitionParams{
		Kind:        workflow.KindTask,
		EntityID:    task.TaskID,
		TargetState: workflow.TaskStateInProgress,
		ActorID:     "integration",
	})
	if err != nil {
		t.Fatalf("transition to in_progress: %v", err)
	}
	if res.Task.State != workflow.TaskStateInProgress {
		t.Fatalf("state = %q", res.Task.State)
	}

	if _, err = eng.ExecuteTransition(ctx, engine.TransitionParams{
		Kind:        workflow.KindTask,
		EntityID:    task.TaskID,
		TargetState: workflow.TaskStateCompleted,
		ActorID:     "integration",
	}); err != nil {
		t.Fatalf("transition to completed: %v", err)
	}

	// Completed is terminal.
	_, err = eng.ExecuteTransition(ctx, engine.TransitionParams{
		Kind:        workflow.KindTask,
		EntityID:    task.TaskID,
		TargetState: workflow.TaskStateInProgress,
		ActorID:     "integration",
	})
	if engine.Code(err) != "INVALID_TRANSITION" {
		t.Fatalf("terminal transition err = %v", err)
	}

	// The lifecycle above appended TaskCreated plus two TaskStateChanged
	// events; claim until we have seen all three for this aggregate.
	owner := "integration-" + uuid.NewString()
	seen := map[uuid.UUID]string{}
	deadline := time.Now().Add(10 * time.Second)
	for len(seen) < 3 && time.Now().Before(deadline) {
		events, err := outboxRepo.ClaimPending(ctx, owner, 50)
		if err != nil {
			t.Fatalf("ClaimPending: %v", err)
		}
		for _, ev := range events {
			if ev.AggregateID == task.TaskID {
				seen[ev.EventID] = ev.EventType
			}
			if err := outboxRepo.MarkProcessed(ctx, ev.EventID); err != nil {
				t.Fatalf("MarkProcessed: %v", err)
			}
		}
		if len(events) == 0 {
			time.Sleep(200 * time.Millisecond)
		}
	}
	types := map[string]int{}
	for _, et := range seen {
		types[et]++
	}
	if types[workflow.EventTaskCreated] != 1 || types[workflow.EventTaskStateChanged] != 2 {
		t.Fatalf("event types = %v", types)
	}
}

// TestSLACloseRecordsFloorsMinutes checks the close statement against a real
// database: elapsed time floors to whole minutes and the breach flag is
// derived from the floored value, so a record finishing inside the final
// minute of its target stays clean.
func TestSLACloseRecordsFloorsMinutes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool := requireDB(t, ctx)
	outboxRepo := repos.NewOutboxRepo(pool)
	tasksRepo := repos.NewTasksRepo(pool, outboxRepo)
	plansRepo := repos.NewActionPlansRepo(pool, outboxRepo)
	slaRepo := repos.NewSLARepo(pool)
	eng := engine.New(tasksRepo, plansRepo, authz.RoleAuthorizer{}, nil)

	cfg, err := slaRepo.UpsertConfig(ctx, models.SLAConfig{
		ServiceArea:   "it-sla-floor",
		TargetMinutes: 60,
		Active:        true,
	})
	if err != nil {
		t.Fatalf("UpsertConfig: %v", err)
	}

	now := time.Now().UTC()
	cases := []struct {
		name       string
		elapsed    time.Duration
		wantActual int
		wantBreach bool
	}{
		{"inside final minute", 60*time.Minute + 30*time.Second, 60, false},
		{"one minute over", 61*time.Minute + 30*time.Second, 61, true},
	}
	for _, c := range cases {
		task, _, err := eng.CreateTask(ctx, engine.CreateTaskParams{
			Title:          "sla floor " + c.name,
			TaskType:       "intake",
			ServiceArea:    "it-sla-floor",
			IdempotencyKey: "it-sla-" + uuid.NewString(),
			CreatedBy:      "integration",
			ActorID:        "integration",
		})
		if err != nil {
			t.Fatalf("%s: CreateTask: %v", c.name, err)
		}
		if _, err := slaRepo.InsertRecord(ctx, pool, models.SLARecord{
			TaskID:        task.TaskID,
			ConfigID:      cfg.ConfigID,
			StartedAt:     now.Add(-c.elapsed),
			TargetMinutes: cfg.TargetMinutes,
		}); err != nil {
			t.Fatalf("%s: InsertRecord: %v", c.name, err)
		}

		closed, err := slaRepo.CloseOpenRecords(ctx, pool, task.TaskID, now)
		if err != nil {
			t.Fatalf("%s: CloseOpenRecords: %v", c.name, err)
		}
		if len(closed) != 1 {
			t.Fatalf("%s: closed = %d, want 1", c.name, len(closed))
		}
		rec := closed[0]
		if rec.ActualMinutes == nil || *rec.ActualMinutes != c.wantActual {
			t.Fatalf("%s: actual minutes = %v, want %d", c.name, rec.ActualMinutes, c.wantActual)
		}
		if rec.Breached != c.wantBreach {
			t.Fatalf("%s: breached = %v, want %v", c.name, rec.Breached, c.wantBreach)
		}
	}
}
