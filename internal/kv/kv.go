// Package kv defines the key-value persistence boundary used by the queue
// store and the telemetry batcher, with Badger and in-memory backends.
package kv

import "errors"

// ErrKeyNotFound is returned by Get when the key does not exist.
var ErrKeyNotFound = errors.New("kv: key not found")

// Reader is the read side shared by stores and transactions.
type Reader interface {
	Get(key []byte) ([]byte, error)

	// Scan iterates keys with the given prefix in ascending key order.
	// Returning an error from fn stops the scan and returns that error.
	Scan(prefix []byte, fn func(k, v []byte) error) error
}

// Txn is a read-write transaction passed to Store.Update.
type Txn interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
}

// Store is a durable ordered key-value store.
//
// Update runs fn in a transaction that is committed if fn returns nil and
// discarded otherwise; either every write in fn is persisted or none is.
type Store interface {
	Reader
	Set(key, value []byte) error
	Delete(key []byte) error
	Update(fn func(txn Txn) error) error
	Close() error
}

// DeletePrefix removes every key under prefix inside txn.
func DeletePrefix(txn Txn, prefix []byte) error {
	var keys [][]byte
	if err := txn.Scan(prefix, func(k, _ []byte) error {
		keys = append(keys, append([]byte(nil), k...))
		return nil
	}); err != nil {
		return err
	}
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}
