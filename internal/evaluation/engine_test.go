package evaluation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/alerts"
	"vigil/internal/models"
	"vigil/internal/stats"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

type fakeSource struct {
	mu    sync.Mutex
	sets  map[string]*models.RuleSet
	fail  map[string]error
	calls atomic.Int64
}

func newFakeSource() *fakeSource {
	return &fakeSource{sets: make(map[string]*models.RuleSet), fail: make(map[string]error)}
}

func (f *fakeSource) GetCachedRules(_ context.Context, tenantID string) (*models.RuleSet, error) {
	f.calls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[tenantID]; err != nil {
		return nil, err
	}
	if set, ok := f.sets[tenantID]; ok {
		return set, nil
	}
	return models.NewRuleSet(tenantID, 0, nil), nil
}

// panicEngine blows up on events from one device.
type panicEngine struct {
	inner  alerts.RuleEngine
	device string
}

func (p panicEngine) Evaluate(ctx context.Context, rules *models.RuleSet, ev *models.HealthEvent) ([]models.AlertResult, error) {
	if ev.DeviceID == p.device {
		panic("bad device")
	}
	return p.inner.Evaluate(ctx, rules, ev)
}

type failingSink struct{}

func (failingSink) SaveBatch(context.Context, []models.AlertResult) error {
	return errors.New("sink offline")
}

// rejectAll never accepts a task.
type rejectAll struct{}

func (rejectAll) Submit(worker.Task) error { return worker.ErrQueueFull }

func hrRule() models.Rule {
	return models.Rule{ID: 1, Name: "high hr", MetricName: "heart_rate", Operator: ">", Threshold: 100, Severity: models.SeverityWarning, Enabled: true}
}

func event(tenant, device string, hr float64) models.HealthEvent {
	return models.HealthEvent{
		TenantID:  tenant,
		DeviceID:  device,
		Timestamp: time.Now(),
		Metrics:   map[string]models.MetricValue{"heart_rate": models.Num(hr)},
	}
}

func newPool(t *testing.T) *worker.Pool {
	t.Helper()
	pool := worker.NewPool(worker.Config{Name: "eval_test", Workers: 4, QueueSize: 32})
	pool.Start()
	t.Cleanup(func() { pool.Shutdown(time.Second) })
	return pool
}

func TestGroupByTenant(t *testing.T) {
	events := []models.HealthEvent{
		event("A", "e1", 1),
		event("A", "e2", 1),
		event("", "e3", 1),
		event("B", "e4", 1),
		event("B", "e5", 1),
	}

	groups, discarded := GroupByTenant(events)
	assert.Equal(t, 1, discarded)
	require.Len(t, groups, 2)
	assert.Equal(t, "A", groups[0].TenantID)
	assert.Equal(t, "e1", groups[0].Events[0].DeviceID)
	assert.Equal(t, "e2", groups[0].Events[1].DeviceID)
	assert.Equal(t, "B", groups[1].TenantID)
	assert.Equal(t, "e4", groups[1].Events[0].DeviceID)
	assert.Equal(t, "e5", groups[1].Events[1].DeviceID)
}

func TestProcessBatchDiscardsTenantlessEvents(t *testing.T) {
	src := newFakeSource()
	src.sets["A"] = models.NewRuleSet("A", 1, []models.Rule{hrRule()})
	src.sets["B"] = models.NewRuleSet("B", 1, []models.Rule{hrRule()})
	sink := storage.NewMemoryAlerts()
	counters := stats.New()

	engine := NewEngine(src, alerts.NewThresholdEngine(), sink, newPool(t), counters)
	summary := engine.ProcessBatch(context.Background(), []models.HealthEvent{
		event("A", "e1", 120),
		event("A", "e2", 80),
		event("", "e3", 150),
		event("B", "e4", 130),
		event("B", "e5", 90),
	})

	assert.True(t, summary.Success)
	assert.Equal(t, int64(4), summary.ProcessedCount)
	assert.Equal(t, int64(2), summary.TriggeredCount)
	assert.Zero(t, summary.ErrorCount)
	assert.Equal(t, int64(1), summary.DiscardedCount)
	assert.InDelta(t, 50.0, summary.AlertRatePercent, 0.001)
	assert.Len(t, sink.All(), 2)
	assert.Equal(t, int64(2), src.calls.Load())

	snap := engine.Statistics()
	assert.Equal(t, int64(4), snap.ProcessedCount)
	assert.Equal(t, int64(2), snap.TriggeredCount)
}

func TestProcessBatchIsolatesFailingGroups(t *testing.T) {
	src := newFakeSource()
	src.sets["ok"] = models.NewRuleSet("ok", 1, []models.Rule{hrRule()})
	src.sets["panics"] = models.NewRuleSet("panics", 1, []models.Rule{hrRule()})
	src.fail["broken"] = errors.New("rules not ready")
	sink := storage.NewMemoryAlerts()

	engine := NewEngine(src, panicEngine{inner: alerts.NewThresholdEngine(), device: "bad"}, sink, newPool(t), stats.New())
	summary := engine.ProcessBatch(context.Background(), []models.HealthEvent{
		event("ok", "d1", 150),
		event("broken", "d2", 150),
		event("broken", "d3", 150),
		event("panics", "bad", 150),
		event("panics", "good", 150),
		event("ok", "d4", 150),
	})

	assert.True(t, summary.Success)
	assert.Equal(t, int64(6), summary.ProcessedCount)
	assert.Equal(t, int64(3), summary.ErrorCount)
	assert.Equal(t, int64(3), summary.TriggeredCount)

	devices := map[string]bool{}
	for _, a := range sink.All() {
		devices[a.DeviceID] = true
	}
	assert.Equal(t, map[string]bool{"d1": true, "d4": true, "good": true}, devices)
}

func TestProcessBatchPersistFailureKeepsCounts(t *testing.T) {
	src := newFakeSource()
	src.sets["A"] = models.NewRuleSet("A", 1, []models.Rule{hrRule()})
	counters := stats.New()

	engine := NewEngine(src, alerts.NewThresholdEngine(), failingSink{}, newPool(t), counters)
	summary := engine.ProcessBatch(context.Background(), []models.HealthEvent{
		event("A", "d1", 150),
		event("A", "d2", 50),
	})

	assert.False(t, summary.Success)
	assert.Equal(t, "sink offline", summary.PersistError)
	assert.Equal(t, int64(2), summary.ProcessedCount)
	assert.Equal(t, int64(1), summary.TriggeredCount)
	assert.Equal(t, int64(1), counters.Snapshot().TriggeredCount)
}

func TestProcessBatchRunsInlineWhenRejected(t *testing.T) {
	src := newFakeSource()
	src.sets["A"] = models.NewRuleSet("A", 1, []models.Rule{hrRule()})
	sink := storage.NewMemoryAlerts()

	engine := NewEngine(src, alerts.NewThresholdEngine(), sink, rejectAll{}, stats.New())
	summary := engine.ProcessBatch(context.Background(), []models.HealthEvent{event("A", "d1", 150)})

	assert.True(t, summary.Success)
	assert.Equal(t, int64(1), summary.TriggeredCount)
	assert.Len(t, sink.All(), 1)
}

func TestProcessBatchEmpty(t *testing.T) {
	engine := NewEngine(newFakeSource(), alerts.NewThresholdEngine(), storage.NewMemoryAlerts(), rejectAll{}, stats.New())

	summary := engine.ProcessBatch(context.Background(), nil)
	assert.True(t, summary.Success)
	assert.Zero(t, summary.ProcessedCount)
	assert.Zero(t, summary.AlertRatePercent)
}

func TestResetStatistics(t *testing.T) {
	counters := stats.New()
	counters.AddProcessed(10)
	counters.RecordUpdate(5)

	engine := NewEngine(newFakeSource(), alerts.NewThresholdEngine(), storage.NewMemoryAlerts(), rejectAll{}, counters)
	engine.ResetStatistics()

	assert.Equal(t, stats.Snapshot{}, engine.Statistics())
}
