package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// GeoPoint is a latitude/longitude pair reported by location-capable devices.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// MetricValue holds either a numeric reading or a geo point.
type MetricValue struct {
	Number *float64  `json:"number,omitempty"`
	Geo    *GeoPoint `json:"geo,omitempty"`
}

// Num builds a numeric metric value.
func Num(v float64) MetricValue { return MetricValue{Number: &v} }

// Float returns the numeric reading, if any.
func (m MetricValue) Float() (float64, bool) {
	if m.Number == nil {
		return 0, false
	}
	return *m.Number, true
}

// UnmarshalJSON accepts a bare number, a {"lat":..,"lon":..} object, or the
// tagged {"number":..}/{"geo":{..}} form produced by MarshalJSON.
func (m *MetricValue) UnmarshalJSON(data []byte) error {
	var n float64
	if err := json.Unmarshal(data, &n); err == nil {
		m.Number = &n
		m.Geo = nil
		return nil
	}

	var tagged struct {
		Number *float64  `json:"number"`
		Geo    *GeoPoint `json:"geo"`
		Lat    *float64  `json:"lat"`
		Lon    *float64  `json:"lon"`
	}
	if err := json.Unmarshal(data, &tagged); err != nil {
		return fmt.Errorf("metric value: %w", err)
	}

	switch {
	case tagged.Number != nil:
		m.Number = tagged.Number
	case tagged.Geo != nil:
		m.Geo = tagged.Geo
	case tagged.Lat != nil && tagged.Lon != nil:
		m.Geo = &GeoPoint{Lat: *tagged.Lat, Lon: *tagged.Lon}
	default:
		return ErrInvalidMetric
	}
	return nil
}

// HealthEvent is one batch of measurements reported by a device.
type HealthEvent struct {
	TenantID  string                 `json:"tenant_id"`
	DeviceID  string                 `json:"device_id"`
	UserID    string                 `json:"user_id,omitempty"`
	OrgID     string                 `json:"org_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Metrics   map[string]MetricValue `json:"metrics"`
}

// Validation errors
var (
	ErrEmptyTenantID   = errors.New("tenant ID cannot be empty")
	ErrEmptyDeviceID   = errors.New("device ID cannot be empty")
	ErrZeroTimestamp   = errors.New("timestamp cannot be zero")
	ErrFutureTimestamp = errors.New("timestamp cannot be in the future")
	ErrNoMetrics       = errors.New("event carries no metrics")
	ErrTooManyMetrics  = errors.New("too many metrics")
	ErrInvalidMetric   = errors.New("metric must be a number or a geo point")

	ErrInvalidTimestamp = errors.New("invalid timestamp format")
)

const MaxMetricsPerEvent = 128

// Validate checks the fields required for evaluation. A missing tenant id is
// reported but callers in the batch path discard such events instead.
func (e *HealthEvent) Validate() error {
	if e.TenantID == "" {
		return ErrEmptyTenantID
	}

	if e.DeviceID == "" {
		return ErrEmptyDeviceID
	}

	if e.Timestamp.IsZero() {
		return ErrZeroTimestamp
	}

	if e.Timestamp.After(time.Now().Add(time.Minute)) {
		return ErrFutureTimestamp
	}

	if len(e.Metrics) == 0 {
		return ErrNoMetrics
	}

	if len(e.Metrics) > MaxMetricsPerEvent {
		return ErrTooManyMetrics
	}

	return nil
}

// Normalize trims identifiers and lower-cases metric names.
func (e *HealthEvent) Normalize() {
	e.TenantID = strings.TrimSpace(e.TenantID)
	e.DeviceID = strings.TrimSpace(e.DeviceID)
	e.UserID = strings.TrimSpace(e.UserID)
	e.OrgID = strings.TrimSpace(e.OrgID)

	if e.Metrics != nil {
		normalized := make(map[string]MetricValue, len(e.Metrics))
		for k, v := range e.Metrics {
			normalized[strings.ToLower(strings.TrimSpace(k))] = v
		}
		e.Metrics = normalized
	}

	if !e.Timestamp.IsZero() {
		e.Timestamp = e.Timestamp.UTC()
	}
}

// SupportedTimestampFormats lists formats we attempt to parse
var SupportedTimestampFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.RFC1123,
}

// ParseTimestamp attempts to parse a timestamp string into time.Time
func ParseTimestamp(ts string) (time.Time, error) {
	ts = strings.TrimSpace(ts)

	for _, format := range SupportedTimestampFormats {
		if t, err := time.Parse(format, ts); err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, ErrInvalidTimestamp
}

// HealthEventInput is the wire form accepted over HTTP and Kafka. The
// timestamp is a string so any of SupportedTimestampFormats can be used.
type HealthEventInput struct {
	TenantID  string                 `json:"tenant_id"`
	DeviceID  string                 `json:"device_id"`
	UserID    string                 `json:"user_id,omitempty"`
	OrgID     string                 `json:"org_id,omitempty"`
	Timestamp string                 `json:"timestamp"`
	Metrics   map[string]MetricValue `json:"metrics"`
}

// ToEvent parses, normalizes and validates the input. A missing tenant id is
// not an error here; the evaluation engine discards such events itself.
func (in HealthEventInput) ToEvent() (HealthEvent, error) {
	ts, err := ParseTimestamp(in.Timestamp)
	if err != nil {
		return HealthEvent{}, fmt.Errorf("timestamp: %w", err)
	}

	ev := HealthEvent{
		TenantID:  in.TenantID,
		DeviceID:  in.DeviceID,
		UserID:    in.UserID,
		OrgID:     in.OrgID,
		Timestamp: ts,
		Metrics:   in.Metrics,
	}
	ev.Normalize()

	if err := ev.Validate(); err != nil && !errors.Is(err, ErrEmptyTenantID) {
		return HealthEvent{}, err
	}
	return ev, nil
}
