package db

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/models"
	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/uuid"
)

// Repository provides queries over the conflict log and the prepared
// statement cache shared with KVStore.
type Repository struct {
	db *sql.DB

	// Statements are prepared on first use and cached for reuse.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	// If another goroutine stored one first, use it and close ours.
	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		if err := value.(*sql.Stmt).Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		r.stmtCache.Delete(key)
		return true
	})
	return firstErr
}

// =====================================================
// ConflictLog Operations
// =====================================================

// CreateConflictLog inserts a conflict log entry, assigning an ID and
// detection time when they are unset.
func (r *Repository) CreateConflictLog(log *models.ConflictLog) error {
	if log.ID == "" {
		log.ID = models.UUID(uuid.New())
	}
	if log.DetectedAt == 0 {
		log.DetectedAt = time.Now().UnixMilli()
	}

	stmt, err := r.PrepareStmt(`
	INSERT INTO conflict_log (id, item_id, kind, target, strategy, local_payload, server_state, resolved_payload, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(log.ID, log.ItemID, log.Kind, log.Target, log.Strategy,
		[]byte(log.LocalPayload), []byte(log.ServerState), []byte(log.ResolvedPayload), log.DetectedAt)
	return err
}

// RecordConflict stores a conflict reported by the resolver.
func (r *Repository) RecordConflict(_ context.Context, log *models.ConflictLog) error {
	return r.CreateConflictLog(log)
}

// ListConflictLogs returns the most recent conflict log entries, newest
// first. A non-empty itemID restricts the result to that item.
func (r *Repository) ListConflictLogs(itemID string, limit int) ([]*models.ConflictLog, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
	SELECT id, item_id, kind, target, strategy, local_payload, server_state, resolved_payload, detected_at
	FROM conflict_log`
	args := []interface{}{}
	if itemID != "" {
		query += ` WHERE item_id = ?`
		args = append(args, itemID)
	}
	query += ` ORDER BY detected_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		var l models.ConflictLog
		var local, server, resolved []byte
		if err := rows.Scan(&l.ID, &l.ItemID, &l.Kind, &l.Target, &l.Strategy,
			&local, &server, &resolved, &l.DetectedAt); err != nil {
			return nil, err
		}
		l.LocalPayload, l.ServerState, l.ResolvedPayload = local, server, resolved
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// CountConflictLogs returns the number of stored conflict log entries.
func (r *Repository) CountConflictLogs() (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM conflict_log").Scan(&n)
	return n, err
}
