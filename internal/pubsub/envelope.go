// Package pubsub publishes domain events to RabbitMQ.
package pubsub

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Meta identifies an event on the bus.
type Meta struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	TenantID      string    `json:"tenant_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Envelope wraps an event payload.
type Envelope struct {
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope marshals data under a fresh event id.
func NewEnvelope(eventType, tenantID, correlationID string, data any) (Envelope, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		Meta: Meta{
			ID:            uuid.NewString(),
			Type:          eventType,
			TenantID:      tenantID,
			CorrelationID: correlationID,
			OccurredAt:    time.Now().UTC(),
		},
		Data: payload,
	}, nil
}
