package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"

	"vigil/internal/evaluation"
	"vigil/internal/logger"
	"vigil/internal/metrics"
	"vigil/internal/models"
	"vigil/internal/rulecache"
)

// BatchEvaluator is satisfied by *evaluation.Engine.
type BatchEvaluator interface {
	ProcessBatch(ctx context.Context, events []models.HealthEvent) evaluation.Summary
}

// EventHandler decodes health events and evaluates each Kafka batch as one
// evaluation batch. Undecodable messages are counted and skipped.
func EventHandler(topic string, eval BatchEvaluator) BatchHandler {
	log := logger.WithComponent("event_consumer")

	return func(ctx context.Context, msgs []kafka.Message) error {
		events := make([]models.HealthEvent, 0, len(msgs))
		for _, msg := range msgs {
			var in models.HealthEventInput
			if err := json.Unmarshal(msg.Value, &in); err != nil {
				metrics.KafkaConsumedTotal.WithLabelValues(topic, "decode_error").Inc()
				log.Warn().Err(err).Int64("offset", msg.Offset).Int("partition", msg.Partition).Msg("undecodable event")
				continue
			}
			ev, err := in.ToEvent()
			if err != nil {
				metrics.KafkaConsumedTotal.WithLabelValues(topic, "invalid").Inc()
				log.Warn().Err(err).Str("tenant_id", in.TenantID).Int64("offset", msg.Offset).Msg("invalid event")
				continue
			}
			metrics.KafkaConsumedTotal.WithLabelValues(topic, "ok").Inc()
			events = append(events, ev)
		}

		if len(events) == 0 {
			return nil
		}

		summary := eval.ProcessBatch(ctx, events)
		if !summary.Success {
			return fmt.Errorf("alert persistence: %s", summary.PersistError)
		}
		return nil
	}
}

// RuleChange announces that a tenant's rules were edited. The message key
// may carry the tenant when the body omits it.
type RuleChange struct {
	TenantID string `json:"tenant_id"`
	Action   string `json:"action"` // update (default) | clear
}

// RuleCache is the slice of the coordinator rule changes drive.
type RuleCache interface {
	BatchUpdate(ctx context.Context, tenantIDs []string) rulecache.BatchResult
	Clear(ctx context.Context, tenantID string) error
}

// RuleChangeHandler refreshes every tenant named in a batch once, and clears
// tenants whose rules were dropped. Within a batch the latest change per
// tenant wins.
func RuleChangeHandler(topic string, cache RuleCache) BatchHandler {
	log := logger.WithComponent("rule_change_consumer")

	return func(ctx context.Context, msgs []kafka.Message) error {
		var (
			order  []string
			latest = make(map[string]string)
		)
		for _, msg := range msgs {
			var change RuleChange
			if len(msg.Value) > 0 {
				if err := json.Unmarshal(msg.Value, &change); err != nil {
					metrics.KafkaConsumedTotal.WithLabelValues(topic, "decode_error").Inc()
					log.Warn().Err(err).Int64("offset", msg.Offset).Msg("undecodable rule change")
					continue
				}
			}
			if change.TenantID == "" {
				change.TenantID = string(msg.Key)
			}
			if change.TenantID == "" {
				metrics.KafkaConsumedTotal.WithLabelValues(topic, "invalid").Inc()
				continue
			}
			metrics.KafkaConsumedTotal.WithLabelValues(topic, "ok").Inc()

			if _, seen := latest[change.TenantID]; !seen {
				order = append(order, change.TenantID)
			}
			latest[change.TenantID] = change.Action
		}

		var updates, clears []string
		for _, tenantID := range order {
			if latest[tenantID] == "clear" {
				clears = append(clears, tenantID)
			} else {
				updates = append(updates, tenantID)
			}
		}

		var errs []error
		for _, tenantID := range clears {
			if err := cache.Clear(ctx, tenantID); err != nil {
				errs = append(errs, fmt.Errorf("clear %s: %w", tenantID, err))
			}
		}

		if len(updates) > 0 {
			res := cache.BatchUpdate(ctx, updates)
			for tenantID, err := range res.Errors {
				errs = append(errs, fmt.Errorf("update %s: %w", tenantID, err))
			}
		}
		return errors.Join(errs...)
	}
}
