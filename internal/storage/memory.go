package storage

import (
	"context"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"vigil/internal/logger"
	"vigil/internal/models"
)

// MemoryRules is an in-process RuleRepository for single-node runs and tests.
type MemoryRules struct {
	mu    sync.RWMutex
	rules map[string][]models.Rule
}

func NewMemoryRules() *MemoryRules {
	return &MemoryRules{rules: make(map[string][]models.Rule)}
}

// LoadRulesFile seeds a MemoryRules from a YAML file mapping tenant id to
// its rule list.
func LoadRulesFile(path string) (*MemoryRules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}

	var byTenant map[string][]models.Rule
	if err := yaml.Unmarshal(data, &byTenant); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	m := NewMemoryRules()
	for tenant, rules := range byTenant {
		for i := range rules {
			rules[i].CustomerID = tenant
		}
		m.Put(tenant, rules)
	}
	return m, nil
}

// Put replaces a tenant's rules, including disabled and deleted ones.
func (m *MemoryRules) Put(tenantID string, rules []models.Rule) {
	cp := make([]models.Rule, len(rules))
	copy(cp, rules)

	m.mu.Lock()
	m.rules[tenantID] = cp
	m.mu.Unlock()
}

func (m *MemoryRules) LoadEnabledRules(_ context.Context, tenantID string) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return models.ActiveByPriority(m.rules[tenantID]), nil
}

// MemoryAlerts keeps saved alerts in memory.
type MemoryAlerts struct {
	mu     sync.Mutex
	alerts []models.AlertResult
}

func NewMemoryAlerts() *MemoryAlerts { return &MemoryAlerts{} }

func (m *MemoryAlerts) SaveBatch(_ context.Context, alerts []models.AlertResult) error {
	m.mu.Lock()
	m.alerts = append(m.alerts, alerts...)
	m.mu.Unlock()
	return nil
}

// All returns a copy of every saved alert.
func (m *MemoryAlerts) All() []models.AlertResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.AlertResult, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// LogSyncLog writes sync statuses to the structured log.
type LogSyncLog struct{}

func (LogSyncLog) RecordSync(_ context.Context, s SyncStatus) error {
	log := logger.WithTenant("sync_log", s.TenantID)
	ev := log.Info()
	if s.Status == SyncFailed {
		ev = log.Warn().Str("error", s.Error)
	}
	ev.Int64("version", s.Version).
		Str("status", s.Status).
		Int("rule_count", s.RuleCount).
		Int64("duration_ms", s.DurationMillis).
		Msg("rule cache sync")
	return nil
}
