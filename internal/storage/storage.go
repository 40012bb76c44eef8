package storage

import (
	"context"
	"time"

	"vigil/internal/models"
)

// RuleRepository is the source of truth for alert rules.
type RuleRepository interface {
	// LoadEnabledRules returns the tenant's enabled, non-deleted rules in
	// ascending priority. The slice is never nil, even alongside an error.
	LoadEnabledRules(ctx context.Context, tenantID string) ([]models.Rule, error)
}

// AlertRecordStore persists triggered alerts. SaveBatch is a best-effort,
// non-transactional insert: a failure does not undo anything already
// computed by the caller.
type AlertRecordStore interface {
	SaveBatch(ctx context.Context, alerts []models.AlertResult) error
}

// Sync outcomes recorded for each synchronous cache update.
const (
	SyncSuccess   = "success"
	SyncFailed    = "failed"
	SyncDeflected = "deflected"
)

// SyncStatus is one audit record of a cache update attempt.
type SyncStatus struct {
	TenantID       string    `db:"tenant_id"`
	Version        int64     `db:"version"`
	Status         string    `db:"status"`
	RuleCount      int       `db:"rule_count"`
	DurationMillis int64     `db:"duration_millis"`
	Error          string    `db:"error"`
	RecordedAt     time.Time `db:"recorded_at"`
}

// SyncLog records cache update outcomes for auditing. It is independent of
// the error returned to the caller and may lag behind it.
type SyncLog interface {
	RecordSync(ctx context.Context, status SyncStatus) error
}
