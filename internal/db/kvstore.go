package db

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/ChaizMaster/kaabil-sewak-sub000/internal/kv"
)

// KVStore implements kv.Store over the kv_store table.
type KVStore struct {
	db   *sql.DB
	repo *Repository
}

var _ kv.Store = (*KVStore)(nil)

// NewKVStore creates a KVStore. The schema must already be migrated.
func NewKVStore(db *sql.DB, repo *Repository) *KVStore {
	if repo == nil {
		repo = NewRepository(db)
	}
	return &KVStore{db: db, repo: repo}
}

const (
	kvGetQuery    = `SELECT value FROM kv_store WHERE key = ?`
	kvSetQuery    = `INSERT INTO kv_store (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	kvDeleteQuery = `DELETE FROM kv_store WHERE key = ?`
)

func (s *KVStore) Get(key []byte) ([]byte, error) {
	stmt, err := s.repo.PrepareStmt(kvGetQuery)
	if err != nil {
		return nil, err
	}
	return scanValue(stmt.QueryRow(key))
}

func (s *KVStore) Set(key, value []byte) error {
	stmt, err := s.repo.PrepareStmt(kvSetQuery)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key, nonNil(value))
	return err
}

func (s *KVStore) Delete(key []byte) error {
	stmt, err := s.repo.PrepareStmt(kvDeleteQuery)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key)
	return err
}

func (s *KVStore) Scan(prefix []byte, fn func(k, v []byte) error) error {
	return scanPrefix(s.db, prefix, fn)
}

// Update runs fn inside a SQL transaction.
func (s *KVStore) Update(fn func(txn kv.Txn) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(&kvTxn{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases cached statements. The underlying DB is owned by the caller.
func (s *KVStore) Close() error {
	return s.repo.Close()
}

type kvTxn struct {
	tx *sql.Tx
}

func (t *kvTxn) Get(key []byte) ([]byte, error) {
	return scanValue(t.tx.QueryRow(kvGetQuery, key))
}

func (t *kvTxn) Set(key, value []byte) error {
	_, err := t.tx.Exec(kvSetQuery, key, nonNil(value))
	return err
}

func (t *kvTxn) Delete(key []byte) error {
	_, err := t.tx.Exec(kvDeleteQuery, key)
	return err
}

func (t *kvTxn) Scan(prefix []byte, fn func(k, v []byte) error) error {
	return scanPrefix(t.tx, prefix, fn)
}

type queryer interface {
	Query(query string, args ...interface{}) (*sql.Rows, error)
}

// scanPrefix reads the whole range before invoking fn so that fn may
// issue further queries on the single pooled connection.
func scanPrefix(q queryer, prefix []byte, fn func(k, v []byte) error) error {
	var (
		rows *sql.Rows
		err  error
	)
	if end := prefixEnd(prefix); end != nil {
		rows, err = q.Query(`SELECT key, value FROM kv_store WHERE key >= ? AND key < ? ORDER BY key`, nonNil(prefix), end)
	} else {
		rows, err = q.Query(`SELECT key, value FROM kv_store WHERE key >= ? ORDER BY key`, nonNil(prefix))
	}
	if err != nil {
		return err
	}

	var entries [][2][]byte
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return err
		}
		entries = append(entries, [2][]byte{k, v})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e[0], e[1]); err != nil {
			return err
		}
	}
	return nil
}

func scanValue(row *sql.Row) ([]byte, error) {
	var v []byte
	if err := row.Scan(&v); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, kv.ErrKeyNotFound
		}
		return nil, err
	}
	return v, nil
}

// prefixEnd returns the smallest key greater than every key with the given
// prefix, or nil when no such bound exists.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// nonNil keeps empty values stored as zero-length blobs instead of NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
