package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"vigil/internal/models"
)

const (
	loadRulesQuery = `SELECT id, customer_id, name, metric_name, operator, threshold, severity,
       priority, enabled, deleted, updated_at
FROM alert_rules
WHERE customer_id = $1 AND enabled = TRUE AND deleted = FALSE
ORDER BY priority ASC, id ASC`

	insertAlertsQuery = `INSERT INTO alert_records
    (rule_id, tenant_id, device_id, user_id, org_id, severity, message, value, triggered_at)
VALUES
    (:rule_id, :tenant_id, :device_id, :user_id, :org_id, :severity, :message, :value, :triggered_at)`

	insertSyncQuery = `INSERT INTO rule_cache_sync_log
    (tenant_id, version, status, rule_count, duration_millis, error, recorded_at)
VALUES
    (:tenant_id, :version, :status, :rule_count, :duration_millis, :error, :recorded_at)`

	// 9 columns per row keeps a chunk well under the 65535 bind parameter limit.
	alertInsertChunk = 500
)

// Postgres implements RuleRepository, AlertRecordStore and SyncLog on one
// connection pool.
type Postgres struct {
	db *sqlx.DB
}

// OpenPostgres opens and pings a lib/pq connection pool.
func OpenPostgres(ctx context.Context, dsn string, maxOpenConns int) (*Postgres, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
		db.SetMaxIdleConns(maxOpenConns)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return NewPostgres(db), nil
}

func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) LoadEnabledRules(ctx context.Context, tenantID string) ([]models.Rule, error) {
	rules := []models.Rule{}
	if err := p.db.SelectContext(ctx, &rules, loadRulesQuery, tenantID); err != nil {
		return []models.Rule{}, fmt.Errorf("load rules for %s: %w", tenantID, err)
	}
	return rules, nil
}

// SaveBatch inserts alerts in multi-row chunks. Chunks are independent: one
// failing chunk does not stop the rest.
func (p *Postgres) SaveBatch(ctx context.Context, alerts []models.AlertResult) error {
	var errs []error
	for start := 0; start < len(alerts); start += alertInsertChunk {
		end := min(start+alertInsertChunk, len(alerts))
		if _, err := p.db.NamedExecContext(ctx, insertAlertsQuery, alerts[start:end]); err != nil {
			errs = append(errs, fmt.Errorf("insert alerts [%d:%d]: %w", start, end, err))
		}
	}
	return errors.Join(errs...)
}

func (p *Postgres) RecordSync(ctx context.Context, status SyncStatus) error {
	if status.RecordedAt.IsZero() {
		status.RecordedAt = time.Now().UTC()
	}
	if _, err := p.db.NamedExecContext(ctx, insertSyncQuery, status); err != nil {
		return fmt.Errorf("record sync status for %s: %w", status.TenantID, err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

func (p *Postgres) Close() error { return p.db.Close() }
