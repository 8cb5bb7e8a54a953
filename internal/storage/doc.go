// Package storage provides the in-memory key-value store behind each shard
// server.
//
// # Overview
//
// A Store holds KeyRecords: an integer key, its value and a per-key version
// that starts at 1 and increases by one on every Put. Nothing is persisted;
// records live for the lifetime of the process.
//
// # Concurrency
//
// MemoryStore splits its keyspace over a fixed table of lock stripes, each
// with its own map:
//
//	key ──► stripe[uint64(key) % 64] ──► { RWMutex, map[int64]*KeyRecord }
//
// All operations on one key take that key's stripe lock, so two concurrent
// Puts of the same key are serialized and the loser's value is either fully
// visible or not at all. Keys in different stripes never contend.
//
// Values are copied on the way in and out so callers cannot alias stored
// bytes.
//
// # Errors
//
// ErrKeyNotFound is returned by Get for absent keys. Delete of an absent key
// is not an error.
//
// # Usage
//
//	store := storage.NewMemoryStore()
//	rec, _ := store.Put(7, []byte("1000"))   // rec.Version == 1
//	rec, err := store.Get(7)
//	if errors.Is(err, storage.ErrKeyNotFound) {
//	    ...
//	}
package storage
