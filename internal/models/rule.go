package models

import (
	"sort"
	"time"
)

// Severity of a triggered alert
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Rule is an alert rule as stored in the relational rule table. The cache
// core only looks at Priority, Enabled, Deleted and CustomerID; the remaining
// fields belong to the rule engine.
type Rule struct {
	ID         int64     `json:"id" yaml:"id" db:"id"`
	CustomerID string    `json:"customer_id" yaml:"customer_id" db:"customer_id"`
	Name       string    `json:"name" yaml:"name" db:"name"`
	MetricName string    `json:"metric_name" yaml:"metric_name" db:"metric_name"`
	Operator   string    `json:"operator" yaml:"operator" db:"operator"`
	Threshold  float64   `json:"threshold" yaml:"threshold" db:"threshold"`
	Severity   Severity  `json:"severity" yaml:"severity" db:"severity"`
	Priority   int       `json:"priority" yaml:"priority" db:"priority"`
	Enabled    bool      `json:"enabled" yaml:"enabled" db:"enabled"`
	Deleted    bool      `json:"deleted" yaml:"deleted" db:"deleted"`
	UpdatedAt  time.Time `json:"updated_at" yaml:"updated_at" db:"updated_at"`
}

// Active reports whether the rule takes part in evaluation.
func (r Rule) Active() bool { return r.Enabled && !r.Deleted }

// ActiveByPriority returns a new slice holding only enabled, non-deleted
// rules in ascending priority. Ties keep their input order. Never nil.
func ActiveByPriority(rules []Rule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if r.Active() {
			out = append(out, r)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// RuleSet is the cached, versioned snapshot of one tenant's active rules.
// A RuleSet is replaced wholesale on update and must not be mutated.
type RuleSet struct {
	TenantID  string `json:"tenant_id"`
	Version   int64  `json:"version"`
	Rules     []Rule `json:"rules"`
	LoadedAt  int64  `json:"loaded_at"`
	RuleCount int    `json:"rule_count"`
	// Stamp is unique per cache write; versions restart after a clear.
	Stamp string `json:"stamp,omitempty"`
}

// NewRuleSet snapshots rules for a tenant at the given version.
func NewRuleSet(tenantID string, version int64, rules []Rule) *RuleSet {
	if rules == nil {
		rules = []Rule{}
	}
	return &RuleSet{
		TenantID:  tenantID,
		Version:   version,
		Rules:     rules,
		LoadedAt:  time.Now().UnixMilli(),
		RuleCount: len(rules),
	}
}
