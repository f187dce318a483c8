package models

import "time"

// SyncStatus is a derived snapshot of the queue and engine state. It is
// computed on demand and never persisted.
type SyncStatus struct {
	PendingItems   int        `json:"pending_items" yaml:"pending_items"`
	SyncingItems   int        `json:"syncing_items" yaml:"syncing_items"`
	FailedItems    int        `json:"failed_items" yaml:"failed_items"`
	CompletedItems int        `json:"completed_items" yaml:"completed_items"` // since engine start
	TotalItems     int        `json:"total_items" yaml:"total_items"`
	IsOnline       bool       `json:"is_online" yaml:"is_online"`
	IsSyncing      bool       `json:"is_syncing" yaml:"is_syncing"`
	LastSyncAt     *time.Time `json:"last_sync_at,omitempty" yaml:"last_sync_at,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty" yaml:"next_retry_at,omitempty"`
}
