// Package events publishes slot lifecycle events for the surrounding
// dashboard.
//
// Events are fire-and-forget over NATS; the pool never blocks or fails an
// operation because an event could not be delivered.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event types emitted by the pool.
const (
	EventReserved   = "reserved"
	EventReleased   = "released"
	EventQuarantine = "quarantined"
	EventRemediated = "remediated"
	EventDestroyed  = "destroyed"
)

// Event describes one slot lifecycle transition.
type Event struct {
	Type     string    `json:"type"`
	SlotID   string    `json:"slot_id"`
	TenantID string    `json:"tenant_id,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Publisher emits slot lifecycle events.
type Publisher interface {
	Publish(ev Event)
}

// NATSPublisher publishes events to pool.slot.<slot_id>.<type> subjects.
type NATSPublisher struct {
	nc     *nats.Conn
	logger *zap.Logger
}

// NewNATS creates a publisher over an established NATS connection.
func NewNATS(nc *nats.Conn, logger *zap.Logger) *NATSPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSPublisher{nc: nc, logger: logger}
}

func (p *NATSPublisher) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("failed to marshal slot event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("pool.slot.%s.%s", ev.SlotID, ev.Type)
	if err := p.nc.Publish(subject, payload); err != nil {
		p.logger.Warn("failed to publish slot event",
			zap.String("subject", subject),
			zap.Error(err),
		)
	}
}

// Nop discards all events. Used when NATS is disabled.
type Nop struct{}

func (Nop) Publish(Event) {}

var (
	_ Publisher = (*NATSPublisher)(nil)
	_ Publisher = Nop{}
)
