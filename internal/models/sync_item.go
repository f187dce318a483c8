package models

import (
	"encoding/json"
	"time"
)

// Action is the kind of mutation a SyncItem carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Priority orders items at selection time. It is fixed at enqueue.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank returns the selection rank of p; lower ranks are drained first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() < 3
}

// ItemStatus is the lifecycle state of a SyncItem.
type ItemStatus string

const (
	StatusPending   ItemStatus = "pending"
	StatusSyncing   ItemStatus = "syncing"
	StatusCompleted ItemStatus = "completed"
	StatusFailed    ItemStatus = "failed"
)

// Valid reports whether s is a known status.
func (s ItemStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSyncing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether an item may move from s to next.
//
// syncing -> pending covers both the retry path and recovery of an
// interrupted pass. failed -> pending is the operator reset.
func (s ItemStatus) CanTransition(next ItemStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusSyncing
	case StatusSyncing:
		return next == StatusCompleted || next == StatusFailed || next == StatusPending
	case StatusFailed:
		return next == StatusPending
	}
	return false
}

// SyncItem is one queued mutation intent awaiting delivery.
type SyncItem struct {
	ID           UUID            `json:"id" msgpack:"id" yaml:"id"`
	Seq          uint64          `json:"seq" msgpack:"seq" yaml:"seq"`
	Kind         string          `json:"kind" msgpack:"kind" yaml:"kind"`
	Action       Action          `json:"action" msgpack:"action" yaml:"action"`
	Payload      json.RawMessage `json:"payload,omitempty" msgpack:"payload,omitempty" yaml:"-"`
	Target       string          `json:"target" msgpack:"target" yaml:"target"`
	Priority     Priority        `json:"priority" msgpack:"priority" yaml:"priority"`
	Status       ItemStatus      `json:"status" msgpack:"status" yaml:"status"`
	Attempt      int             `json:"attempt" msgpack:"attempt" yaml:"attempt"`
	AttemptLimit int             `json:"attempt_limit" msgpack:"attempt_limit" yaml:"attempt_limit"`
	LastError    string          `json:"last_error,omitempty" msgpack:"last_error,omitempty" yaml:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at" msgpack:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at" msgpack:"updated_at" yaml:"updated_at"`
}

// Clone returns a deep copy of the item.
func (i *SyncItem) Clone() *SyncItem {
	if i == nil {
		return nil
	}
	c := *i
	if i.Payload != nil {
		c.Payload = append(json.RawMessage(nil), i.Payload...)
	}
	return &c
}

// Less reports whether i should be drained before other: priority first,
// then creation time, then insertion sequence.
func (i *SyncItem) Less(other *SyncItem) bool {
	if ri, ro := i.Priority.Rank(), other.Priority.Rank(); ri != ro {
		return ri < ro
	}
	if !i.CreatedAt.Equal(other.CreatedAt) {
		return i.CreatedAt.Before(other.CreatedAt)
	}
	return i.Seq < other.Seq
}
