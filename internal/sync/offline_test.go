package sync

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/db"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

// openSQLiteStore opens a migrated sqlite-backed kv store in dir.
func openSQLiteStore(t *testing.T, dir string) (kv.Store, func()) {
	t.Helper()
	database, err := db.Open(dir)
	require.NoError(t, err)
	require.NoError(t, database.Migrate())

	store := db.NewKVStore(database.DB, nil)
	return store, func() {
		store.Close()
		database.Close()
	}
}

// TestOfflinePersistence verifies items queued offline survive a process
// restart and drain once connectivity returns.
func TestOfflinePersistence(t *testing.T) {
	dir := t.TempDir()

	// Phase 1: queue while offline.
	store1, close1 := openSQLiteStore(t, dir)
	h1 := newHarness(t, false, newFakeTransport(nil), store1)
	require.NoError(t, h1.engine.Start(context.Background()))

	low := h1.enqueue(t, "/notes/low", models.PriorityLow, 3)
	high := h1.enqueue(t, "/notes/high", models.PriorityHigh, 3)
	assert.Equal(t, 2, h1.engine.CurrentStatus().PendingItems)

	require.NoError(t, h1.engine.Stop())
	close1()

	// Phase 2: reopen and drain.
	store2, close2 := openSQLiteStore(t, dir)
	defer close2()
	transport := newFakeTransport(nil)
	h2 := newHarness(t, false, transport, store2)
	require.NoError(t, h2.engine.Start(context.Background()))
	defer h2.engine.Stop()

	for _, id := range []models.UUID{low, high} {
		item, err := h2.engine.Item(id)
		require.NoError(t, err, "item %s lost across restart", id)
		assert.Equal(t, models.StatusPending, item.Status)
	}

	h2.conn.online.Store(true)
	result, err := h2.engine.ManualSync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, []string{"/notes/high", "/notes/low"}, transport.Calls())
	assert.Zero(t, h2.engine.CurrentStatus().TotalItems)
	assert.NotNil(t, h2.engine.CurrentStatus().LastSyncAt)
}

// TestOfflineConcurrency verifies concurrent producers never lose or
// duplicate items while offline.
func TestOfflineConcurrency(t *testing.T) {
	store, closeStore := openSQLiteStore(t, t.TempDir())
	defer closeStore()
	h := newHarness(t, false, nil, store)

	const numGoroutines = 10
	const itemsPerGoroutine = 5

	errCh := make(chan error, numGoroutines*itemsPerGoroutine)
	done := make(chan struct{}, numGoroutines)

	for g := 0; g < numGoroutines; g++ {
		go func(goroutineID int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < itemsPerGoroutine; i++ {
				_, err := h.engine.Enqueue(context.Background(), EnqueueRequest{
					Kind:   "note",
					Action: models.ActionCreate,
					Target: fmt.Sprintf("/notes/%d-%d", goroutineID, i),
				})
				if err != nil {
					errCh <- fmt.Errorf("goroutine %d item %d: %w", goroutineID, i, err)
				}
			}
		}(g)
	}

	for i := 0; i < numGoroutines; i++ {
		<-done
	}
	close(errCh)
	for err := range errCh {
		t.Fatalf("concurrent enqueue failed: %v", err)
	}

	items := h.engine.Items()
	require.Len(t, items, numGoroutines*itemsPerGoroutine)

	seen := make(map[models.UUID]bool)
	seqs := make(map[uint64]bool)
	for _, item := range items {
		assert.False(t, seen[item.ID], "duplicate id %s", item.ID)
		assert.False(t, seqs[item.Seq], "duplicate seq %d", item.Seq)
		seen[item.ID] = true
		seqs[item.Seq] = true
	}
}

// TestOfflineEnqueue100Items checks queueing stays fast on a durable store.
func TestOfflineEnqueue100Items(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping performance test in short mode")
	}

	store, closeStore := openSQLiteStore(t, t.TempDir())
	defer closeStore()
	h := newHarness(t, false, nil, store)

	start := time.Now()
	for i := 0; i < 100; i++ {
		h.enqueue(t, fmt.Sprintf("/notes/%d", i), models.PriorityMedium, 3)
	}
	elapsed := time.Since(start)

	t.Logf("Queued 100 items in %v (avg: %v per item)", elapsed, elapsed/100)
	assert.Equal(t, 100, h.engine.CurrentStatus().PendingItems)
	if elapsed > 10*time.Second {
		t.Errorf("queueing 100 items took %v", elapsed)
	}
}
