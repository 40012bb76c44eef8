package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/models"
)

func newMockPostgres(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgres(sqlx.NewDb(db, "postgres")), mock
}

var ruleColumns = []string{
	"id", "customer_id", "name", "metric_name", "operator", "threshold", "severity",
	"priority", "enabled", "deleted", "updated_at",
}

func TestPostgresLoadEnabledRules(t *testing.T) {
	pg, mock := newMockPostgres(t)
	now := time.Now()

	mock.ExpectQuery(regexp.QuoteMeta(loadRulesQuery)).
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows(ruleColumns).
			AddRow(2, "t1", "low spo2", "spo2", "<", 90.0, "CRITICAL", 1, true, false, now).
			AddRow(1, "t1", "high hr", "heart_rate", ">", 120.0, "WARNING", 5, true, false, now))

	rules, err := pg.LoadEnabledRules(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, int64(2), rules[0].ID)
	assert.Equal(t, models.SeverityCritical, rules[0].Severity)
	assert.Equal(t, "heart_rate", rules[1].MetricName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadEnabledRulesEmptyAndError(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectQuery(regexp.QuoteMeta(loadRulesQuery)).
		WithArgs("none").
		WillReturnRows(sqlmock.NewRows(ruleColumns))
	mock.ExpectQuery(regexp.QuoteMeta(loadRulesQuery)).
		WithArgs("broken").
		WillReturnError(errors.New("connection reset"))

	rules, err := pg.LoadEnabledRules(context.Background(), "none")
	require.NoError(t, err)
	assert.NotNil(t, rules)
	assert.Empty(t, rules)

	rules, err = pg.LoadEnabledRules(context.Background(), "broken")
	assert.Error(t, err)
	assert.NotNil(t, rules)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveBatch(t *testing.T) {
	pg, mock := newMockPostgres(t)

	alerts := []models.AlertResult{
		{RuleID: 1, TenantID: "t1", DeviceID: "d1", Severity: models.SeverityWarning, Message: "hr high", Value: 130, TriggeredAt: time.Now()},
		{RuleID: 2, TenantID: "t1", DeviceID: "d2", Severity: models.SeverityCritical, Message: "spo2 low", Value: 85, TriggeredAt: time.Now()},
	}

	mock.ExpectExec("INSERT INTO alert_records").WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, pg.SaveBatch(context.Background(), alerts))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveBatchFailure(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO alert_records").WillReturnError(errors.New("disk full"))

	err := pg.SaveBatch(context.Background(), []models.AlertResult{{RuleID: 1, TenantID: "t1"}})
	assert.ErrorContains(t, err, "disk full")
}

func TestPostgresRecordSync(t *testing.T) {
	pg, mock := newMockPostgres(t)

	mock.ExpectExec("INSERT INTO rule_cache_sync_log").WillReturnResult(sqlmock.NewResult(1, 1))

	err := pg.RecordSync(context.Background(), SyncStatus{TenantID: "t1", Version: 3, Status: SyncSuccess})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMemoryRules(t *testing.T) {
	repo := NewMemoryRules()
	repo.Put("t1", []models.Rule{
		{ID: 1, Priority: 3, Enabled: true},
		{ID: 2, Priority: 1, Enabled: false},
		{ID: 3, Priority: 2, Enabled: true, Deleted: true},
		{ID: 4, Priority: 0, Enabled: true},
	})

	rules, err := repo.LoadEnabledRules(context.Background(), "t1")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, int64(4), rules[0].ID)
	assert.Equal(t, int64(1), rules[1].ID)

	rules, err = repo.LoadEnabledRules(context.Background(), "unknown")
	require.NoError(t, err)
	assert.NotNil(t, rules)
	assert.Empty(t, rules)
}

func TestLoadRulesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
acme:
  - id: 1
    name: high heart rate
    metric_name: heart_rate
    operator: ">"
    threshold: 120
    severity: WARNING
    priority: 2
    enabled: true
  - id: 2
    name: low spo2
    metric_name: spo2
    operator: "<"
    threshold: 90
    severity: CRITICAL
    priority: 1
    enabled: true
`), 0o600))

	repo, err := LoadRulesFile(path)
	require.NoError(t, err)

	rules, err := repo.LoadEnabledRules(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "spo2", rules[0].MetricName)
	assert.Equal(t, "acme", rules[0].CustomerID)
}

func TestMemoryAlerts(t *testing.T) {
	store := NewMemoryAlerts()
	require.NoError(t, store.SaveBatch(context.Background(), []models.AlertResult{{RuleID: 1}}))
	require.NoError(t, store.SaveBatch(context.Background(), []models.AlertResult{{RuleID: 2}}))
	assert.Len(t, store.All(), 2)
}
