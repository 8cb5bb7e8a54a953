package storage

import (
	"errors"
	"sync"

	"golang.org/x/exp/slices"
)

// ErrKeyNotFound is returned when a key doesn't exist in the store
var ErrKeyNotFound = errors.New("key not found")

// numStripes is the size of MemoryStore's lock table.
const numStripes = 64

// KeyRecord is one stored key with its value and version.
type KeyRecord struct {
	Value   []byte `json:"value"`
	Key     int64  `json:"key"`
	Version uint64 `json:"version"` // 1 after the first Put, +1 per Put
}

// Store defines the interface for key-value storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves the record for key
	// Returns ErrKeyNotFound if the key doesn't exist
	Get(key int64) (KeyRecord, error)

	// Put upserts value under key and bumps the version
	// Returns the record as stored
	Put(key int64, value []byte) (KeyRecord, error)

	// Delete removes a key
	// No error if key doesn't exist
	Delete(key int64) error

	// Keys returns all keys in ascending order
	Keys() []int64

	// Stats returns storage statistics
	Stats() StoreStats
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Keys  int `json:"keys"`  // Number of keys
	Bytes int `json:"bytes"` // Total size of all values in bytes
}

type stripe struct {
	data map[int64]*KeyRecord
	mu   sync.RWMutex
}

// MemoryStore implements Store with in-memory storage.
// Keys are spread over a fixed table of lock stripes so operations on the
// same key are serialized while different keys proceed in parallel.
type MemoryStore struct {
	stripes [numStripes]stripe
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	m := &MemoryStore{}
	for i := range m.stripes {
		m.stripes[i].data = make(map[int64]*KeyRecord)
	}
	return m
}

func (m *MemoryStore) stripeFor(key int64) *stripe {
	return &m.stripes[uint64(key)%numStripes]
}

// Get retrieves the record for key
// Returns a copy of the value to prevent external modification
func (m *MemoryStore) Get(key int64) (KeyRecord, error) {
	s := m.stripeFor(key)
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.data[key]
	if !exists {
		return KeyRecord{}, ErrKeyNotFound
	}
	return KeyRecord{Key: key, Value: slices.Clone(rec.Value), Version: rec.Version}, nil
}

// Put upserts value under key and increments its version
// Makes a copy of the value to prevent external modification
func (m *MemoryStore) Put(key int64, value []byte) (KeyRecord, error) {
	stored := make([]byte, len(value))
	copy(stored, value)

	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.data[key]
	if !exists {
		rec = &KeyRecord{Key: key}
		s.data[key] = rec
	}
	rec.Value = stored
	rec.Version++

	return KeyRecord{Key: key, Value: slices.Clone(stored), Version: rec.Version}, nil
}

// Delete removes a key
// No error if key doesn't exist (idempotent)
func (m *MemoryStore) Delete(key int64) error {
	s := m.stripeFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.data, key)
	return nil
}

// Keys returns all keys in ascending order
func (m *MemoryStore) Keys() []int64 {
	var keys []int64
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.RLock()
		for k := range s.data {
			keys = append(keys, k)
		}
		s.mu.RUnlock()
	}
	slices.Sort(keys)
	return keys
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	var stats StoreStats
	for i := range m.stripes {
		s := &m.stripes[i]
		s.mu.RLock()
		stats.Keys += len(s.data)
		for _, rec := range s.data {
			stats.Bytes += len(rec.Value)
		}
		s.mu.RUnlock()
	}
	return stats
}
