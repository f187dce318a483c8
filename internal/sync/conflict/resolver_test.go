// Package conflict provides unit tests for conflict resolution.
package conflict

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/clock"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

var created = time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC)

func localItem() *models.SyncItem {
	return &models.SyncItem{
		ID:        "item-1",
		Kind:      "verification",
		Action:    models.ActionUpdate,
		Target:    "/workers/42",
		Payload:   json.RawMessage(`{"verified":true}`),
		CreatedAt: created,
	}
}

type memRecorder struct {
	mu   sync.Mutex
	logs []*models.ConflictLog
}

func (m *memRecorder) RecordConflict(_ context.Context, log *models.ConflictLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memRecorder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.logs)
}

// TestClientWins_overwritesServer verifies the default strategy returns the local payload.
func TestClientWins_overwritesServer(t *testing.T) {
	rec := &memRecorder{}
	r := NewResolver(nil, WithRecorder(rec), WithClock(clock.NewFake(created)))

	result, err := r.Resolve(localItem(), json.RawMessage(`{"verified":false,"by":"admin"}`))
	require.NoError(t, err)
	r.Close()

	assert.Equal(t, StrategyClientWins, result.Strategy)
	assert.True(t, result.Apply)
	assert.JSONEq(t, `{"verified":true}`, string(result.Payload))

	require.Equal(t, 1, rec.count())
	entry := rec.logs[0]
	assert.Equal(t, models.UUID("item-1"), entry.ItemID)
	assert.Equal(t, "client_wins", entry.Strategy)
	assert.JSONEq(t, `{"verified":false,"by":"admin"}`, string(entry.ServerState))
	assert.Equal(t, created.UnixMilli(), entry.DetectedAt)
}

// TestResolve_deterministic verifies identical inputs always resolve identically.
func TestResolve_deterministic(t *testing.T) {
	server := json.RawMessage(`{"verified":false,"updated_at":"2024-04-02T09:00:00Z"}`)

	for _, s := range []Strategy{ClientWins{}, ServerWins{}, LastWriteWins{}} {
		t.Run(string(s.Name()), func(t *testing.T) {
			r := NewResolver(s, WithRecorder(&memRecorder{}))
			defer r.Close()

			first, err := r.Resolve(localItem(), server)
			require.NoError(t, err)
			for i := 0; i < 10; i++ {
				again, err := r.Resolve(localItem(), server)
				require.NoError(t, err)
				assert.Equal(t, string(first.Payload), string(again.Payload))
				assert.Equal(t, first.Apply, again.Apply)
			}
		})
	}
}

// TestServerWins keeps the server state.
func TestServerWins(t *testing.T) {
	out, err := ServerWins{}.Resolve(localItem(), json.RawMessage(`{"verified":false}`))
	require.NoError(t, err)
	assert.False(t, out.Apply)
	assert.JSONEq(t, `{"verified":false}`, string(out.Payload))
}

// TestLastWriteWins compares the local mutation time with the server timestamp.
func TestLastWriteWins(t *testing.T) {
	tests := []struct {
		name      string
		server    string
		wantApply bool
	}{
		{"server older RFC3339", `{"updated_at":"2024-04-02T09:00:00Z"}`, true},
		{"server newer RFC3339", `{"updated_at":"2024-04-02T11:00:00Z"}`, false},
		{"tie goes to local", `{"updated_at":"2024-04-02T10:00:00Z"}`, true},
		{"server newer unix seconds", `{"updatedAt":` + itoa(created.Add(time.Hour).Unix()) + `}`, false},
		{"server newer unix millis", `{"updated_at":` + itoa(created.Add(time.Minute).UnixMilli()) + `}`, false},
		{"no timestamp", `{"verified":false}`, true},
		{"not an object", `[1,2,3]`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := LastWriteWins{}.Resolve(localItem(), json.RawMessage(tt.server))
			require.NoError(t, err)
			assert.Equal(t, tt.wantApply, out.Apply)
		})
	}
}

// TestStrategyByName verifies strategy lookup.
func TestStrategyByName(t *testing.T) {
	for name, want := range map[string]ResolutionStrategy{
		"":                "client_wins",
		"client_wins":     StrategyClientWins,
		"server_wins":     StrategyServerWins,
		"last_write_wins": StrategyLastWriteWins,
	} {
		s, err := StrategyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want, s.Name())
	}

	_, err := StrategyByName("merge")
	assert.True(t, IsConflictError(err))
}

// TestResolve_nilItem verifies invalid input is rejected.
func TestResolve_nilItem(t *testing.T) {
	r := NewResolver(ClientWins{})
	defer r.Close()

	_, err := r.Resolve(nil, nil)
	assert.Equal(t, ErrInvalidConflict, err)
}

type blockingRecorder struct {
	release chan struct{}
	seen    chan struct{}
}

func (b *blockingRecorder) RecordConflict(context.Context, *models.ConflictLog) error {
	b.seen <- struct{}{}
	<-b.release
	return nil
}

// TestResolve_neverBlocksOnSlowRecorder verifies a full buffer drops records instead of stalling.
func TestResolve_neverBlocksOnSlowRecorder(t *testing.T) {
	rec := &blockingRecorder{release: make(chan struct{}), seen: make(chan struct{}, 10)}
	r := NewResolver(ClientWins{}, WithRecorder(rec), WithBuffer(1))

	// First record is picked up by the drain goroutine and blocks there.
	_, err := r.Resolve(localItem(), nil)
	require.NoError(t, err)
	<-rec.seen

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			_, _ = r.Resolve(localItem(), nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Resolve blocked on a slow recorder")
	}
	assert.Equal(t, 4, r.Dropped(), "one record fits the buffer, the rest are dropped")

	close(rec.release)
	r.Close()
}

// TestResolve_afterCloseCountsDrop verifies a record arriving after Close is
// counted as dropped and still resolves.
func TestResolve_afterCloseCountsDrop(t *testing.T) {
	rec := &memRecorder{}
	r := NewResolver(ClientWins{}, WithRecorder(rec))
	r.Close()

	res, err := r.Resolve(localItem(), json.RawMessage(`{"verified":false}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"verified":true}`, string(res.Payload))
	assert.Equal(t, 1, r.Dropped())
	assert.Zero(t, rec.count())
}

func itoa(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
