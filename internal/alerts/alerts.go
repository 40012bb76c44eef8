package alerts

import (
	"context"
	"fmt"
	"time"

	"vigil/internal/models"
)

// RuleEngine scores one event against a tenant's rule set. An error means
// the event produced no results; it never affects other events.
type RuleEngine interface {
	Evaluate(ctx context.Context, rules *models.RuleSet, event *models.HealthEvent) ([]models.AlertResult, error)
}

// ThresholdEngine fires a rule when the event carries the rule's metric as a
// number and the comparison holds. Non-numeric metrics never match.
type ThresholdEngine struct {
	now func() time.Time
}

func NewThresholdEngine() *ThresholdEngine {
	return &ThresholdEngine{now: time.Now}
}

func (e *ThresholdEngine) Evaluate(_ context.Context, rules *models.RuleSet, event *models.HealthEvent) ([]models.AlertResult, error) {
	if rules == nil || len(rules.Rules) == 0 {
		return nil, nil
	}

	var results []models.AlertResult
	for _, rule := range rules.Rules {
		metric, ok := event.Metrics[rule.MetricName]
		if !ok {
			continue
		}
		value, ok := metric.Float()
		if !ok {
			continue
		}

		fires, err := compare(rule.Operator, value, rule.Threshold)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		if !fires {
			continue
		}

		results = append(results, models.AlertResult{
			RuleID:      rule.ID,
			TenantID:    event.TenantID,
			DeviceID:    event.DeviceID,
			UserID:      event.UserID,
			OrgID:       event.OrgID,
			Severity:    rule.Severity,
			Message:     fmt.Sprintf("[%s] %s: %s %s %g (value %g)", rule.Severity, rule.Name, rule.MetricName, rule.Operator, rule.Threshold, value),
			Value:       value,
			TriggeredAt: e.now().UTC(),
		})
	}
	return results, nil
}

func compare(op string, value, threshold float64) (bool, error) {
	switch op {
	case ">":
		return value > threshold, nil
	case ">=":
		return value >= threshold, nil
	case "<":
		return value < threshold, nil
	case "<=":
		return value <= threshold, nil
	case "==":
		return value == threshold, nil
	case "!=":
		return value != threshold, nil
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}
