package kv

import (
	"bytes"
	"errors"
	"sort"
	"sync"
)

var errClosed = errors.New("kv: store closed")

// MemoryStore is a volatile Store for tests and ephemeral daemons.
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	closed bool
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (m *MemoryStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	v, ok := m.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryStore) Set(key, value []byte) error {
	return m.Update(func(txn Txn) error { return txn.Set(key, value) })
}

func (m *MemoryStore) Delete(key []byte) error {
	return m.Update(func(txn Txn) error { return txn.Delete(key) })
}

func (m *MemoryStore) Scan(prefix []byte, fn func(k, v []byte) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return errClosed
	}
	snapshot := m.scanLocked(prefix, nil)
	m.mu.RUnlock()

	for _, kv := range snapshot {
		if err := fn(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}

// Update applies fn's writes atomically. Writes are staged and only
// copied into the map when fn returns nil.
func (m *MemoryStore) Update(fn func(txn Txn) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}

	txn := &memoryTxn{store: m, writes: make(map[string][]byte)}
	if err := fn(txn); err != nil {
		return err
	}
	for k, v := range txn.writes {
		if v == nil {
			delete(m.data, k)
			continue
		}
		m.data[k] = v
	}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Len returns the number of stored keys.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.data)
}

// scanLocked returns sorted copies of the entries under prefix, with the
// staged writes of an open transaction layered on top.
func (m *MemoryStore) scanLocked(prefix []byte, staged map[string][]byte) [][2][]byte {
	merged := make(map[string][]byte)
	for k, v := range m.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			merged[k] = v
		}
	}
	for k, v := range staged {
		if !bytes.HasPrefix([]byte(k), prefix) {
			continue
		}
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([][2][]byte, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2][]byte{[]byte(k), append([]byte(nil), merged[k]...)})
	}
	return out
}

type memoryTxn struct {
	store  *MemoryStore
	writes map[string][]byte // nil value marks a delete
}

func (t *memoryTxn) Get(key []byte) ([]byte, error) {
	if v, ok := t.writes[string(key)]; ok {
		if v == nil {
			return nil, ErrKeyNotFound
		}
		return append([]byte(nil), v...), nil
	}
	v, ok := t.store.data[string(key)]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *memoryTxn) Set(key, value []byte) error {
	v := make([]byte, len(value))
	copy(v, value)
	t.writes[string(key)] = v
	return nil
}

func (t *memoryTxn) Delete(key []byte) error {
	t.writes[string(key)] = nil
	return nil
}

func (t *memoryTxn) Scan(prefix []byte, fn func(k, v []byte) error) error {
	for _, kv := range t.store.scanLocked(prefix, t.writes) {
		if err := fn(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return nil
}
