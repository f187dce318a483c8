package models

import (
	"encoding/json"
	"time"
)

// ConflictLog records a conflict reported by the remote service and how it
// was resolved.
type ConflictLog struct {
	ID              UUID            `db:"id" json:"id" yaml:"id"`
	ItemID          UUID            `db:"item_id" json:"item_id" yaml:"item_id"`
	Kind            string          `db:"kind" json:"kind" yaml:"kind"`
	Target          string          `db:"target" json:"target" yaml:"target"`
	Strategy        string          `db:"strategy" json:"strategy" yaml:"strategy"` // client_wins, server_wins, last_write_wins
	LocalPayload    json.RawMessage `db:"local_payload" json:"local_payload" yaml:"-"`
	ServerState     json.RawMessage `db:"server_state" json:"server_state" yaml:"-"`
	ResolvedPayload json.RawMessage `db:"resolved_payload" json:"resolved_payload" yaml:"-"`
	DetectedAt      int64           `db:"detected_at" json:"detected_at" yaml:"detected_at"` // unix millis
}

// TableName returns the table name for ConflictLog.
func (ConflictLog) TableName() string {
	return "conflict_log"
}

// DetectedAtTime returns the DetectedAt as time.Time.
func (c *ConflictLog) DetectedAtTime() time.Time {
	return time.UnixMilli(c.DetectedAt)
}
