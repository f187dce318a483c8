package conflict

import (
	"encoding/json"
	"strconv"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
)

// ResolutionStrategy names how conflicts are resolved.
type ResolutionStrategy string

const (
	StrategyClientWins    ResolutionStrategy = "client_wins"
	StrategyServerWins    ResolutionStrategy = "server_wins"
	StrategyLastWriteWins ResolutionStrategy = "last_write_wins"
)

// Outcome is the decision for one conflict.
type Outcome struct {
	// Payload is the state both sides should converge on.
	Payload json.RawMessage
	// Apply is true when Payload must be pushed to the remote service;
	// false means the server state is kept and the local mutation dropped.
	Apply bool
}

// Strategy decides a conflict between a local item and the server's state.
// Implementations must be deterministic.
type Strategy interface {
	Name() ResolutionStrategy
	Resolve(local *models.SyncItem, serverState json.RawMessage) (Outcome, error)
}

// ClientWins overwrites the server with the local payload. It never
// merges; concurrent server-side changes are lost.
type ClientWins struct{}

func (ClientWins) Name() ResolutionStrategy { return StrategyClientWins }

func (ClientWins) Resolve(local *models.SyncItem, _ json.RawMessage) (Outcome, error) {
	return Outcome{Payload: copyRaw(local.Payload), Apply: true}, nil
}

// ServerWins keeps the server state and discards the local mutation.
type ServerWins struct{}

func (ServerWins) Name() ResolutionStrategy { return StrategyServerWins }

func (ServerWins) Resolve(_ *models.SyncItem, serverState json.RawMessage) (Outcome, error) {
	return Outcome{Payload: copyRaw(serverState), Apply: false}, nil
}

// LastWriteWins compares the time the local mutation was recorded with the
// server state's updated_at field. Local wins ties and server states that
// carry no usable timestamp.
type LastWriteWins struct{}

func (LastWriteWins) Name() ResolutionStrategy { return StrategyLastWriteWins }

func (LastWriteWins) Resolve(local *models.SyncItem, serverState json.RawMessage) (Outcome, error) {
	remote, ok := serverTimestamp(serverState)
	if !ok || !local.CreatedAt.Before(remote) {
		return Outcome{Payload: copyRaw(local.Payload), Apply: true}, nil
	}
	return Outcome{Payload: copyRaw(serverState), Apply: false}, nil
}

// StrategyByName returns the built-in strategy registered under name. An
// empty name selects client-wins.
func StrategyByName(name string) (Strategy, error) {
	switch ResolutionStrategy(name) {
	case "", StrategyClientWins:
		return ClientWins{}, nil
	case StrategyServerWins:
		return ServerWins{}, nil
	case StrategyLastWriteWins:
		return LastWriteWins{}, nil
	}
	return nil, ErrUnknownStrategy
}

// serverTimestamp extracts updated_at (or updatedAt) from a JSON object.
// RFC 3339 strings and unix seconds or milliseconds are accepted.
func serverTimestamp(state json.RawMessage) (time.Time, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(state, &fields); err != nil {
		return time.Time{}, false
	}
	raw, ok := fields["updated_at"]
	if !ok {
		raw, ok = fields["updatedAt"]
	}
	if !ok {
		return time.Time{}, false
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t, true
		}
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return unixAuto(n), true
		}
		return time.Time{}, false
	}

	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return unixAuto(i), true
		}
	}
	return time.Time{}, false
}

// unixAuto treats values beyond year 33658 in seconds as milliseconds.
func unixAuto(n int64) time.Time {
	if n > 1e12 {
		return time.UnixMilli(n)
	}
	return time.Unix(n, 0)
}

func copyRaw(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	return append(json.RawMessage(nil), b...)
}
