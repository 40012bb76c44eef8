// Package stats holds the process-wide counters shared by the rule cache and
// the evaluation engine. One Counters value is created at startup and passed
// by pointer; it is reset only through an explicit operator call.
package stats

import "sync/atomic"

type Counters struct {
	updates            atomic.Int64
	failures           atomic.Int64
	totalLatencyMillis atomic.Int64
	processed          atomic.Int64
	triggered          atomic.Int64
	errors             atomic.Int64
}

func New() *Counters { return &Counters{} }

// RecordUpdate counts one successful cache update and its latency.
func (c *Counters) RecordUpdate(latencyMillis int64) {
	c.updates.Add(1)
	c.totalLatencyMillis.Add(latencyMillis)
}

func (c *Counters) RecordFailure() {
	c.failures.Add(1)
}

func (c *Counters) AddProcessed(n int64) {
	c.processed.Add(n)
}

func (c *Counters) AddTriggered(n int64) {
	c.triggered.Add(n)
}

func (c *Counters) AddErrors(n int64) {
	c.errors.Add(n)
}

// Snapshot is a point-in-time copy. Fields are loaded one at a time, so a
// snapshot taken during updates need not be mutually consistent.
type Snapshot struct {
	UpdateCount         int64   `json:"update_count"`
	FailureCount        int64   `json:"failure_count"`
	TotalLatencyMillis  int64   `json:"total_latency_millis"`
	AvgUpdateTimeMillis float64 `json:"avg_update_time_millis"`
	ProcessedCount      int64   `json:"processed_count"`
	TriggeredCount      int64   `json:"triggered_count"`
	ErrorCount          int64   `json:"error_count"`
}

func (c *Counters) Snapshot() Snapshot {
	s := Snapshot{
		UpdateCount:        c.updates.Load(),
		FailureCount:       c.failures.Load(),
		TotalLatencyMillis: c.totalLatencyMillis.Load(),
		ProcessedCount:     c.processed.Load(),
		TriggeredCount:     c.triggered.Load(),
		ErrorCount:         c.errors.Load(),
	}
	if s.UpdateCount > 0 {
		s.AvgUpdateTimeMillis = float64(s.TotalLatencyMillis) / float64(s.UpdateCount)
	}
	return s
}

// Reset zeroes every counter.
func (c *Counters) Reset() {
	c.updates.Store(0)
	c.failures.Store(0)
	c.totalLatencyMillis.Store(0)
	c.processed.Store(0)
	c.triggered.Store(0)
	c.errors.Store(0)
}
