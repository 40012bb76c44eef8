// Package evaluation scores batches of health events against each tenant's
// cached rules and persists the alerts that fire.
package evaluation

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/alerts"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/stats"
	"vigil/internal/storage"
	"vigil/internal/worker"
)

// Executor runs per-tenant groups. *worker.Pool satisfies it. A rejected
// group runs on the calling goroutine instead.
type Executor interface {
	Submit(task worker.Task) error
}

// RuleSource hands out the current rule set for a tenant.
type RuleSource interface {
	GetCachedRules(ctx context.Context, tenantID string) (*models.RuleSet, error)
}

// Summary describes one ProcessBatch call. Counts always reflect what was
// evaluated, even when persisting the alerts failed.
type Summary struct {
	Success             bool    `json:"success"`
	ProcessedCount      int64   `json:"processed_count"`
	TriggeredCount      int64   `json:"triggered_count"`
	ErrorCount          int64   `json:"error_count"`
	DiscardedCount      int64   `json:"discarded_count"`
	ElapsedMillis       int64   `json:"elapsed_millis"`
	ThroughputPerSecond float64 `json:"throughput_per_second"`
	AlertRatePercent    float64 `json:"alert_rate_percent"`
	PersistError        string  `json:"persist_error,omitempty"`
}

// Engine fans a batch out per tenant and joins the results.
type Engine struct {
	rules  RuleSource
	scorer alerts.RuleEngine
	sink   storage.AlertRecordStore
	exec   Executor
	stats  *stats.Counters
	log    zerolog.Logger
	now    func() time.Time
}

func NewEngine(rules RuleSource, scorer alerts.RuleEngine, sink storage.AlertRecordStore, exec Executor, counters *stats.Counters) *Engine {
	return &Engine{
		rules:  rules,
		scorer: scorer,
		sink:   sink,
		exec:   exec,
		stats:  counters,
		log:    logger.WithComponent("evaluation"),
		now:    time.Now,
	}
}

// Group is one tenant's events in input order.
type Group struct {
	TenantID string
	Events   []models.HealthEvent
}

// GroupByTenant splits events by tenant, keeping first-seen tenant order and
// per-tenant input order. Events without a tenant are counted as discarded.
func GroupByTenant(events []models.HealthEvent) (groups []Group, discarded int) {
	index := make(map[string]int)
	for _, ev := range events {
		if ev.TenantID == "" {
			discarded++
			continue
		}
		i, ok := index[ev.TenantID]
		if !ok {
			i = len(groups)
			index[ev.TenantID] = i
			groups = append(groups, Group{TenantID: ev.TenantID})
		}
		groups[i].Events = append(groups[i].Events, ev)
	}
	return groups, discarded
}

type groupResult struct {
	processed int64
	errors    int64
	alerts    []models.AlertResult
}

// ProcessBatch evaluates events and saves every alert in one call. It waits
// for all groups; a failing group never affects the others.
func (e *Engine) ProcessBatch(ctx context.Context, events []models.HealthEvent) Summary {
	start := e.now()

	groups, discarded := GroupByTenant(events)
	if discarded > 0 {
		metrics.EvaluationEventsTotal.WithLabelValues("discarded").Add(float64(discarded))
		e.log.Debug().Int("discarded", discarded).Msg("events without tenant id dropped")
	}

	results := make([]groupResult, len(groups))
	var wg sync.WaitGroup
	for i, g := range groups {
		wg.Add(1)
		task := func(context.Context) {
			defer wg.Done()
			results[i] = e.evaluateGroup(ctx, g)
		}
		if err := e.exec.Submit(task); err != nil {
			e.log.Debug().Err(err).Str("tenant_id", g.TenantID).Msg("executor rejected group, running inline")
			task(ctx)
		}
	}
	wg.Wait()

	summary := Summary{Success: true, DiscardedCount: int64(discarded)}
	var found []models.AlertResult
	for _, r := range results {
		summary.ProcessedCount += r.processed
		summary.ErrorCount += r.errors
		found = append(found, r.alerts...)
	}
	summary.TriggeredCount = int64(len(found))

	if len(found) > 0 {
		if err := e.sink.SaveBatch(ctx, found); err != nil {
			summary.Success = false
			summary.PersistError = err.Error()
			metrics.AlertPersistTotal.WithLabelValues("failed").Inc()
			e.log.Error().Err(err).Int("alerts", len(found)).Msg("failed to persist alerts")
		} else {
			metrics.AlertPersistTotal.WithLabelValues("success").Inc()
		}
	}

	elapsed := e.now().Sub(start)
	summary.ElapsedMillis = elapsed.Milliseconds()
	if secs := elapsed.Seconds(); secs > 0 {
		summary.ThroughputPerSecond = float64(summary.ProcessedCount) / secs
	}
	if summary.ProcessedCount > 0 {
		summary.AlertRatePercent = float64(summary.TriggeredCount) * 100 / float64(summary.ProcessedCount)
	}
	metrics.EvaluationBatchDuration.Observe(elapsed.Seconds())

	e.log.Info().
		Int("tenants", len(groups)).
		Int64("processed", summary.ProcessedCount).
		Int64("triggered", summary.TriggeredCount).
		Int64("errors", summary.ErrorCount).
		Int64("discarded", summary.DiscardedCount).
		Int64("elapsed_ms", summary.ElapsedMillis).
		Bool("success", summary.Success).
		Msg("batch evaluated")

	return summary
}

// evaluateGroup scores one tenant's events in order. A rule lookup failure
// or a panic marks every event of the group as an error.
func (e *Engine) evaluateGroup(ctx context.Context, g Group) (res groupResult) {
	n := int64(len(g.Events))
	log := e.log.With().Str("tenant_id", g.TenantID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("tenant group panic recovered")
			metrics.PanicsRecovered.WithLabelValues("evaluation").Inc()
			res = groupResult{processed: n, errors: n}
		}
		e.record(res)
	}()

	rules, err := e.rules.GetCachedRules(ctx, g.TenantID)
	if err != nil {
		log.Warn().Err(err).Int64("events", n).Msg("rules unavailable, group counted as errors")
		return groupResult{processed: n, errors: n}
	}

	for i := range g.Events {
		res.processed++
		found, err := e.evaluate(ctx, rules, &g.Events[i])
		if err != nil {
			res.errors++
			log.Debug().Err(err).Str("device_id", g.Events[i].DeviceID).Msg("event evaluation failed")
			continue
		}
		res.alerts = append(res.alerts, found...)
	}
	return res
}

// evaluate isolates a single event so a panicking rule engine costs one event.
func (e *Engine) evaluate(ctx context.Context, rules *models.RuleSet, ev *models.HealthEvent) (found []models.AlertResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.PanicsRecovered.WithLabelValues("rule_engine").Inc()
			err = fmt.Errorf("rule engine panic: %v", r)
		}
	}()
	return e.scorer.Evaluate(ctx, rules, ev)
}

func (e *Engine) record(r groupResult) {
	e.stats.AddProcessed(r.processed)
	e.stats.AddErrors(r.errors)
	e.stats.AddTriggered(int64(len(r.alerts)))

	metrics.EvaluationEventsTotal.WithLabelValues("processed").Add(float64(r.processed))
	metrics.EvaluationEventsTotal.WithLabelValues("error").Add(float64(r.errors))
	metrics.AlertsTriggeredTotal.Add(float64(len(r.alerts)))
}

// Statistics returns the process-wide counters.
func (e *Engine) Statistics() stats.Snapshot { return e.stats.Snapshot() }

// ResetStatistics zeroes the process-wide counters, including the rule
// cache's.
func (e *Engine) ResetStatistics() {
	e.stats.Reset()
	e.log.Info().Msg("statistics reset")
}
