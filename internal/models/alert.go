package models

import "time"

// AlertResult is produced by the rule engine when an event matches a rule.
type AlertResult struct {
	RuleID      int64     `json:"rule_id" db:"rule_id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	DeviceID    string    `json:"device_id" db:"device_id"`
	UserID      string    `json:"user_id,omitempty" db:"user_id"`
	OrgID       string    `json:"org_id,omitempty" db:"org_id"`
	Severity    Severity  `json:"severity" db:"severity"`
	Message     string    `json:"message" db:"message"`
	Value       float64   `json:"value" db:"value"`
	TriggeredAt time.Time `json:"triggered_at" db:"triggered_at"`
}
