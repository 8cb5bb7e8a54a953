// Package master implements the keyshard master.
// See doc.go for complete package documentation.
package master

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/wire"
)

// ErrUnknownServer is returned by Deregister for IDs that never registered.
var ErrUnknownServer = errors.New("unknown server")

// RegisterResult is the outcome of a registration.
type RegisterResult struct {
	Snapshot cluster.Snapshot    // registry including the new record
	Record   cluster.ShardRecord // the caller's record
	Size     int                 // registry size after registration
	Existing bool                // address was already registered
}

// ShardRegistry is the ordered membership list owned by the master.
//
// Concurrency Model:
//   - Register and Deregister take the write lock
//   - Lookup, Locate and Snapshot take the read lock and run in parallel
//   - Every mutation bumps the epoch under the same lock, so an epoch
//     always identifies exactly one registry state
type ShardRegistry struct {
	records []cluster.ShardRecord
	epoch   uint64
	mu      sync.RWMutex
}

// NewShardRegistry creates an empty registry.
func NewShardRegistry() *ShardRegistry {
	return &ShardRegistry{}
}

// Register adds addr to the registry with the next join order.
//
// An address that is already registered keeps its server ID and join order;
// if it was Unreachable it becomes Active again. The registry never shrinks.
func (r *ShardRegistry) Register(addr string) (RegisterResult, error) {
	if addr == "" {
		return RegisterResult{}, errors.New("server address cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.records, func(rec cluster.ShardRecord) bool { return rec.Addr == addr })
	existing := idx >= 0
	if existing {
		if r.records[idx].Status != cluster.StatusActive {
			r.records[idx].Status = cluster.StatusActive
			r.epoch++
		}
	} else {
		joinOrder := len(r.records)
		r.records = append(r.records, cluster.ShardRecord{
			ServerID:  uint64(joinOrder + 1),
			JoinOrder: joinOrder,
			Addr:      addr,
			Status:    cluster.StatusActive,
		})
		idx = joinOrder
		r.epoch++
	}

	return RegisterResult{
		Record:   r.records[idx],
		Size:     len(r.records),
		Snapshot: r.snapshotLocked(),
		Existing: existing,
	}, nil
}

// Deregister marks a server Unreachable. Its record stays in place so join
// order is preserved, but it no longer owns any key.
func (r *ShardRegistry) Deregister(serverID uint64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := slices.IndexFunc(r.records, func(rec cluster.ShardRecord) bool { return rec.ServerID == serverID })
	if idx < 0 {
		return fmt.Errorf("deregister %d: %w", serverID, ErrUnknownServer)
	}
	if r.records[idx].Status == cluster.StatusUnreachable {
		return nil
	}
	r.records[idx].Status = cluster.StatusUnreachable
	r.epoch++
	return nil
}

// Lookup returns the record owning key under the current registry.
// It fails with wire.ErrEmptyRegistry when no server is active.
func (r *ShardRegistry) Lookup(key int64) (cluster.ShardRecord, error) {
	rec, _, err := r.Locate(key)
	return rec, err
}

// Locate is Lookup plus the epoch the answer was computed at.
func (r *ShardRegistry) Locate(key int64) (cluster.ShardRecord, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := cluster.Snapshot{Records: r.records}.Owner(key)
	if !ok {
		return cluster.ShardRecord{}, r.epoch, fmt.Errorf("locate key %d: %w", key, wire.ErrEmptyRegistry)
	}
	return rec, r.epoch, nil
}

// Snapshot returns a copy of the registry.
func (r *ShardRegistry) Snapshot() cluster.Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// ActiveRecords returns the Active records in join order.
func (r *ShardRegistry) ActiveRecords() []cluster.ShardRecord {
	return r.Snapshot().Active()
}

// Epoch returns the current registry epoch.
func (r *ShardRegistry) Epoch() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.epoch
}

// Size returns the number of records, Active or not.
func (r *ShardRegistry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}

func (r *ShardRegistry) snapshotLocked() cluster.Snapshot {
	return cluster.Snapshot{Epoch: r.epoch, Records: slices.Clone(r.records)}
}
