package sync

import (
	"context"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

// API is the engine surface consumed by the HTTP server and the CLI.
// This interface allows for mocking in handler tests.
type API interface {
	// Enqueue persists a change and returns its ID.
	Enqueue(ctx context.Context, req EnqueueRequest) (models.UUID, error)

	// RetryFailed resets terminally failed items and returns how many.
	RetryFailed(ctx context.Context) (int, error)

	// ManualSync runs a pass now. Fails with SYNC_OFFLINE when offline.
	ManualSync(ctx context.Context) (*PassResult, error)

	// ClearAll purges the queue, retry state and telemetry batch.
	ClearAll(ctx context.Context) (int, error)

	// Subscribe registers a status listener and returns its unsubscribe func.
	Subscribe(fn func(models.SyncStatus)) func()

	// CurrentStatus returns a fresh status snapshot.
	CurrentStatus() models.SyncStatus

	// Items returns all queued items in store order.
	Items() []*models.SyncItem

	// Item returns one queued item.
	Item(id models.UUID) (*models.SyncItem, error)

	// LastPass returns the most recent pass result, or nil.
	LastPass() *PassResult
}

var _ API = (*Engine)(nil)
