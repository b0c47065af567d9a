package sla

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"careops-workflow-core/internal/models"
	"careops-workflow-core/internal/repos"
	"careops-workflow-core/internal/workflow"
	"careops-workflow-core/shared/logx"
)

type staticConfigs []models.SLAConfig

func (s staticConfigs) ActiveConfigs(ctx context.Context) ([]models.SLAConfig, error) {
	return s, nil
}

type fakeRecordStore struct {
	open     map[string]models.SLARecord // taskID/configID -> record
	inserted []models.SLARecord
	closed   []models.SLARecord
	overdue  []models.SLARecord
}

func newFakeRecordStore() *fakeRecordStore {
	return &fakeRecordStore{open: map[string]models.SLARecord{}}
}

func openKey(taskID, configID uuid.UUID) string {
	return taskID.String() + "/" + configID.String()
}

func (f *fakeRecordStore) HasOpenRecord(ctx context.Context, db repos.DBTX, taskID uuid.UUID, configID uuid.UUID) (bool, error) {
	_, ok := f.open[openKey(taskID, configID)]
	return ok, nil
}

func (f *fakeRecordStore) InsertRecord(ctx context.Context, db repos.DBTX, rec models.SLARecord) (models.SLARecord, error) {
	rec.RecordID = uuid.New()
	f.open[openKey(rec.TaskID, rec.ConfigID)] = rec
	f.inserted = append(f.inserted, rec)
	return rec, nil
}

func (f *fakeRecordStore) CloseOpenRecords(ctx context.Context, db repos.DBTX, taskID uuid.UUID, now time.Time) ([]models.SLARecord, error) {
	var closed []models.SLARecord
	for key, rec := range f.open {
		if rec.TaskID != taskID {
			continue
		}
		completed := now
		rec.CompletedAt = &completed
		actual := int(now.Sub(rec.StartedAt).Minutes())
		rec.ActualMinutes = &actual
		if actual > rec.TargetMinutes {
			rec.Breached = true
		}
		closed = append(closed, rec)
		delete(f.open, key)
	}
	f.closed = append(f.closed, closed...)
	return closed, nil
}

func (f *fakeRecordStore) MarkOverdueBreached(ctx context.Context, now time.Time) ([]models.SLARecord, error) {
	var flipped []models.SLARecord
	for key, rec := range f.open {
		if rec.Breached {
			continue
		}
		if int(now.Sub(rec.StartedAt).Minutes()) > rec.TargetMinutes {
			rec.Breached = true
			f.open[key] = rec
			flipped = append(flipped, rec)
		}
	}
	f.overdue = append(f.overdue, flipped...)
	return flipped, nil
}

type captureAlerter struct {
	alerts []models.Notification
}

func (c *captureAlerter) Emit(ctx context.Context, n models.Notification) error {
	c.alerts = append(c.alerts, n)
	return nil
}

type capturePoints struct {
	points []string
	err    error
}

func (c *capturePoints) WritePoint(ctx context.Context, measurement string, tags map[string]string, fields map[string]any, ts time.Time) error {
	c.points = append(c.points, measurement)
	return c.err
}

func fixedNow() time.Time {
	return time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
}

func newTestManager(configs ConfigSource, records RecordStore, alerter Alerter) *Manager {
	m := NewManager(configs, records, alerter, logx.New("sla-test", "test", "", "error"))
	m.Now = fixedNow
	return m
}

func intakeTask() models.Task {
	return models.Task{
		TaskID:      uuid.New(),
		TaskType:    "intake",
		ServiceArea: "home_care",
		State:       workflow.TaskStateInProgress,
	}
}

func TestConfigMatches(t *testing.T) {
	task := models.Task{TaskType: "intake", ServiceArea: "home_care"}
	cases := []struct {
		name string
		cfg  models.SLAConfig
		want bool
	}{
		{"area and type", models.SLAConfig{ServiceArea: "home_care", TaskType: "intake", Active: true}, true},
		{"area wildcard type", models.SLAConfig{ServiceArea: "home_care", Active: true}, true},
		{"wrong area", models.SLAConfig{ServiceArea: "clinic", TaskType: "intake", Active: true}, false},
		{"wrong type", models.SLAConfig{ServiceArea: "home_care", TaskType: "visit", Active: true}, false},
		{"inactive", models.SLAConfig{ServiceArea: "home_care", TaskType: "intake"}, false},
	}
	for _, c := range cases {
		if got := ConfigMatches(c.cfg, task); got != c.want {
			t.Fatalf("%s: ConfigMatches = %v, want %v", c.name, got, c.want)
		}
	}
}

func TestOnTransitionStartsRecord(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TaskType: "intake", TargetMinutes: 60, Active: true}
	other := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "clinic", TargetMinutes: 30, Active: true}
	records := newFakeRecordStore()
	m := newTestManager(staticConfigs{cfg, other}, records, &captureAlerter{})
	task := intakeTask()

	if err := m.OnTransition(context.Background(), nil, task, workflow.TaskStateNew, workflow.TaskStateInProgress); err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	if len(records.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(records.inserted))
	}
	rec := records.inserted[0]
	if rec.ConfigID != cfg.ConfigID || rec.TargetMinutes != 60 {
		t.Fatalf("record = %+v", rec)
	}
	if !rec.StartedAt.Equal(fixedNow()) {
		t.Fatalf("started at = %v", rec.StartedAt)
	}
}

func TestOnTransitionResumeKeepsClock(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TargetMinutes: 60, Active: true}
	records := newFakeRecordStore()
	m := newTestManager(staticConfigs{cfg}, records, &captureAlerter{})
	task := intakeTask()

	// blocked -> in_progress with an open record must not start a second one.
	records.open[openKey(task.TaskID, cfg.ConfigID)] = models.SLARecord{
		RecordID: uuid.New(), TaskID: task.TaskID, ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-30 * time.Minute), TargetMinutes: 60,
	}
	if err := m.OnTransition(context.Background(), nil, task, workflow.TaskStateBlocked, workflow.TaskStateInProgress); err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	if len(records.inserted) != 0 {
		t.Fatalf("inserted = %d, want 0", len(records.inserted))
	}
}

func TestOnTransitionIgnoresNonLifecycleMoves(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TargetMinutes: 60, Active: true}
	records := newFakeRecordStore()
	m := newTestManager(staticConfigs{cfg}, records, &captureAlerter{})
	task := intakeTask()

	if err := m.OnTransition(context.Background(), nil, task, workflow.TaskStateNew, workflow.TaskStateBlocked); err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	if len(records.inserted) != 0 || len(records.closed) != 0 {
		t.Fatal("new -> blocked should not touch records")
	}
}

func TestOnTransitionClosesWithinTarget(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TargetMinutes: 60, Active: true}
	records := newFakeRecordStore()
	alerter := &captureAlerter{}
	m := newTestManager(staticConfigs{cfg}, records, alerter)
	task := intakeTask()

	records.open[openKey(task.TaskID, cfg.ConfigID)] = models.SLARecord{
		RecordID: uuid.New(), TaskID: task.TaskID, ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-20 * time.Minute), TargetMinutes: 60,
	}
	if err := m.OnTransition(context.Background(), nil, task, workflow.TaskStateInProgress, workflow.TaskStateCompleted); err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	if len(records.closed) != 1 {
		t.Fatalf("closed = %d", len(records.closed))
	}
	rec := records.closed[0]
	if rec.Breached {
		t.Fatal("record within target marked breached")
	}
	if rec.ActualMinutes == nil || *rec.ActualMinutes != 20 {
		t.Fatalf("actual minutes = %v", rec.ActualMinutes)
	}
	if len(alerter.alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", alerter.alerts)
	}
}

func TestOnTransitionClosesAtTargetBoundary(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TargetMinutes: 60, Active: true}
	records := newFakeRecordStore()
	alerter := &captureAlerter{}
	m := newTestManager(staticConfigs{cfg}, records, alerter)
	task := intakeTask()

	// 60m30s elapsed floors to 60 whole minutes, which does not exceed the
	// 60-minute target, so the record closes clean.
	records.open[openKey(task.TaskID, cfg.ConfigID)] = models.SLARecord{
		RecordID: uuid.New(), TaskID: task.TaskID, ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-(60*time.Minute + 30*time.Second)), TargetMinutes: 60,
	}
	if err := m.OnTransition(context.Background(), nil, task, workflow.TaskStateInProgress, workflow.TaskStateCompleted); err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	if len(records.closed) != 1 {
		t.Fatalf("closed = %d", len(records.closed))
	}
	rec := records.closed[0]
	if rec.ActualMinutes == nil || *rec.ActualMinutes != 60 {
		t.Fatalf("actual minutes = %v", rec.ActualMinutes)
	}
	if rec.Breached {
		t.Fatal("record at the target boundary marked breached")
	}
	if len(alerter.alerts) != 0 {
		t.Fatalf("unexpected alerts: %+v", alerter.alerts)
	}
}

func TestOnTransitionClosesBreached(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TargetMinutes: 60, Active: true}
	records := newFakeRecordStore()
	alerter := &captureAlerter{}
	m := newTestManager(staticConfigs{cfg}, records, alerter)
	task := intakeTask()

	records.open[openKey(task.TaskID, cfg.ConfigID)] = models.SLARecord{
		RecordID: uuid.New(), TaskID: task.TaskID, ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-90 * time.Minute), TargetMinutes: 60,
	}
	if err := m.OnTransition(context.Background(), nil, task, workflow.TaskStateInProgress, workflow.TaskStateCancelled); err != nil {
		t.Fatalf("OnTransition: %v", err)
	}
	if len(alerter.alerts) != 1 || alerter.alerts[0].AlertType != "sla_breach" {
		t.Fatalf("alerts = %+v", alerter.alerts)
	}
}

func TestMonitorBreaches(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TargetMinutes: 60, Active: true}
	records := newFakeRecordStore()
	alerter := &captureAlerter{}
	m := newTestManager(staticConfigs{cfg}, records, alerter)

	overdue := models.SLARecord{
		RecordID: uuid.New(), TaskID: uuid.New(), ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-2 * time.Hour), TargetMinutes: 60,
	}
	fresh := models.SLARecord{
		RecordID: uuid.New(), TaskID: uuid.New(), ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-10 * time.Minute), TargetMinutes: 60,
	}
	records.open[openKey(overdue.TaskID, cfg.ConfigID)] = overdue
	records.open[openKey(fresh.TaskID, cfg.ConfigID)] = fresh

	count, err := m.MonitorBreaches(context.Background())
	if err != nil {
		t.Fatalf("MonitorBreaches: %v", err)
	}
	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("alerts = %d", len(alerter.alerts))
	}

	// Already-breached records never flip twice.
	count, err = m.MonitorBreaches(context.Background())
	if err != nil {
		t.Fatalf("second MonitorBreaches: %v", err)
	}
	if count != 0 {
		t.Fatalf("second sweep count = %d, want 0", count)
	}
	if len(alerter.alerts) != 1 {
		t.Fatalf("second sweep re-alerted: %d alerts", len(alerter.alerts))
	}
}

func TestMonitorBreachesWritesTimeseries(t *testing.T) {
	cfg := models.SLAConfig{ConfigID: uuid.New(), ServiceArea: "home_care", TargetMinutes: 60, Active: true}
	records := newFakeRecordStore()
	m := newTestManager(staticConfigs{cfg}, records, &captureAlerter{})
	points := &capturePoints{}
	m.Timeseries = points

	overdue := models.SLARecord{
		RecordID: uuid.New(), TaskID: uuid.New(), ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-2 * time.Hour), TargetMinutes: 60,
	}
	records.open[openKey(overdue.TaskID, cfg.ConfigID)] = overdue

	if _, err := m.MonitorBreaches(context.Background()); err != nil {
		t.Fatalf("MonitorBreaches: %v", err)
	}
	if len(points.points) != 1 || points.points[0] != "sla_breach" {
		t.Fatalf("points = %v", points.points)
	}

	// A failing timeseries write is logged, not surfaced.
	records.open[openKey(overdue.TaskID, cfg.ConfigID)] = models.SLARecord{
		RecordID: uuid.New(), TaskID: overdue.TaskID, ConfigID: cfg.ConfigID,
		StartedAt: fixedNow().Add(-3 * time.Hour), TargetMinutes: 60,
	}
	points.err = errors.New("influx down")
	if _, err := m.MonitorBreaches(context.Background()); err != nil {
		t.Fatalf("MonitorBreaches with failing writer: %v", err)
	}
}
