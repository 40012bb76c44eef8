// Package bus carries rule-cache invalidation hints between instances.
//
// Delivery is best-effort: messages may be dropped, duplicated or reordered.
// Receivers use them only to evict local copies early; correctness comes from
// version numbers stored alongside the cached rule sets.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"vigil/internal/metrics"
)

const (
	ActionUpdate = "update"
	ActionClear  = "clear"
)

// Message announces that a tenant's cached rule set changed.
type Message struct {
	Action    string `json:"action"`
	TenantID  string `json:"tenant_id"`
	Version   int64  `json:"version,omitempty"`
	Timestamp int64  `json:"timestamp"`
	// Origin identifies the publishing instance so it can skip its own echoes.
	Origin string `json:"origin,omitempty"`
}

// UpdateMessage builds an update notification stamped with the current time.
func UpdateMessage(tenantID string, version int64, origin string) Message {
	return Message{
		Action:    ActionUpdate,
		TenantID:  tenantID,
		Version:   version,
		Timestamp: time.Now().UnixMilli(),
		Origin:    origin,
	}
}

// ClearMessage builds a clear notification.
func ClearMessage(tenantID, origin string) Message {
	return Message{
		Action:    ActionClear,
		TenantID:  tenantID,
		Timestamp: time.Now().UnixMilli(),
		Origin:    origin,
	}
}

func (m Message) encode() ([]byte, error) { return json.Marshal(m) }

func decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Bus publishes and subscribes to invalidation channels.
type Bus interface {
	// Publish is fire-and-forget from the caller's point of view; an error
	// only means this particular hint was not sent.
	Publish(ctx context.Context, channel string, msg Message) error

	// Subscribe streams messages until ctx is cancelled, then closes the
	// channel. Slow consumers lose messages rather than block the transport.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	Close() error
}

// ErrClosed is returned after Close.
var ErrClosed = errors.New("invalidation bus closed")

// deliver hands msg to a subscriber buffer, dropping it when the buffer is full.
func deliver(ch chan<- Message, msg Message) {
	select {
	case ch <- msg:
	default:
		metrics.InvalidationsTotal.WithLabelValues("dropped").Inc()
	}
}

func published() {
	metrics.InvalidationsTotal.WithLabelValues("published").Inc()
}
