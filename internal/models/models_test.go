package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricValueUnmarshal(t *testing.T) {
	var ev HealthEvent
	raw := `{
		"tenant_id": "t1",
		"device_id": "d1",
		"timestamp": "2024-05-01T10:00:00Z",
		"metrics": {
			"heart_rate": 72,
			"location": {"lat": 31.2, "lon": 121.5},
			"spo2": {"number": 97.5}
		}
	}`
	require.NoError(t, json.Unmarshal([]byte(raw), &ev))

	hr, ok := ev.Metrics["heart_rate"].Float()
	assert.True(t, ok)
	assert.Equal(t, 72.0, hr)

	loc := ev.Metrics["location"]
	require.NotNil(t, loc.Geo)
	assert.Equal(t, 31.2, loc.Geo.Lat)
	_, ok = loc.Float()
	assert.False(t, ok)

	spo2, ok := ev.Metrics["spo2"].Float()
	assert.True(t, ok)
	assert.Equal(t, 97.5, spo2)

	var bad MetricValue
	assert.ErrorIs(t, json.Unmarshal([]byte(`{"foo": 1}`), &bad), ErrInvalidMetric)
}

func TestHealthEventValidate(t *testing.T) {
	valid := func() *HealthEvent {
		return &HealthEvent{
			TenantID:  "t1",
			DeviceID:  "d1",
			Timestamp: time.Now().Add(-time.Second),
			Metrics:   map[string]MetricValue{"hr": Num(80)},
		}
	}

	tests := []struct {
		name   string
		mutate func(e *HealthEvent)
		want   error
	}{
		{"valid", func(e *HealthEvent) {}, nil},
		{"missing tenant", func(e *HealthEvent) { e.TenantID = "" }, ErrEmptyTenantID},
		{"missing device", func(e *HealthEvent) { e.DeviceID = "" }, ErrEmptyDeviceID},
		{"zero timestamp", func(e *HealthEvent) { e.Timestamp = time.Time{} }, ErrZeroTimestamp},
		{"future timestamp", func(e *HealthEvent) { e.Timestamp = time.Now().Add(time.Hour) }, ErrFutureTimestamp},
		{"no metrics", func(e *HealthEvent) { e.Metrics = nil }, ErrNoMetrics},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestHealthEventNormalize(t *testing.T) {
	e := &HealthEvent{
		TenantID: "  t1 ",
		DeviceID: "d1\n",
		Metrics:  map[string]MetricValue{" Heart_Rate ": Num(1)},
	}
	e.Normalize()

	assert.Equal(t, "t1", e.TenantID)
	assert.Equal(t, "d1", e.DeviceID)
	_, ok := e.Metrics["heart_rate"]
	assert.True(t, ok)
}

func TestParseTimestamp(t *testing.T) {
	ts, err := ParseTimestamp("2024-05-01 10:00:00")
	require.NoError(t, err)
	assert.Equal(t, 2024, ts.Year())

	_, err = ParseTimestamp("yesterday")
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestActiveByPriority(t *testing.T) {
	rules := []Rule{
		{ID: 1, Priority: 5, Enabled: true},
		{ID: 2, Priority: 1, Enabled: true},
		{ID: 3, Priority: 0, Enabled: false},
		{ID: 4, Priority: 1, Enabled: true, Deleted: true},
		{ID: 5, Priority: 1, Enabled: true},
	}

	got := ActiveByPriority(rules)
	ids := make([]int64, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []int64{2, 5, 1}, ids)

	assert.NotNil(t, ActiveByPriority(nil))
}

func TestHealthEventInputToEvent(t *testing.T) {
	ts := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)

	ev, err := HealthEventInput{
		TenantID:  " acme ",
		DeviceID:  "d1",
		Timestamp: ts,
		Metrics:   map[string]MetricValue{"Heart_Rate": Num(80)},
	}.ToEvent()
	require.NoError(t, err)
	assert.Equal(t, "acme", ev.TenantID)
	_, ok := ev.Metrics["heart_rate"]
	assert.True(t, ok)

	// tenantless events survive parsing so the engine can count them
	_, err = HealthEventInput{DeviceID: "d1", Timestamp: ts}.ToEvent()
	assert.NoError(t, err)

	_, err = HealthEventInput{TenantID: "acme", DeviceID: "d1", Timestamp: "yesterday"}.ToEvent()
	assert.ErrorIs(t, err, ErrInvalidTimestamp)

	_, err = HealthEventInput{TenantID: "acme", Timestamp: ts, Metrics: map[string]MetricValue{"x": Num(1)}}.ToEvent()
	assert.ErrorIs(t, err, ErrEmptyDeviceID)
}
