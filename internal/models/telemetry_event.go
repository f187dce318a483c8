package models

import (
	"encoding/json"
	"time"
)

// TelemetryEvent is a fire-and-forget analytics record. Events carry no
// retry state of their own; they are flushed or retained as a batch.
type TelemetryEvent struct {
	ID        UUID            `json:"id" msgpack:"id"`
	Name      string          `json:"name" msgpack:"name"`
	Payload   json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at" msgpack:"created_at"`
}
