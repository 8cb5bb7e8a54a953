package shard

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"

	"github.com/dreamware/keyshard/internal/cluster"
	"github.com/dreamware/keyshard/internal/storage"
	"github.com/dreamware/keyshard/internal/wire"
)

// OperationStats tracks operation counts
type OperationStats struct {
	Gets      uint64 `json:"gets"`      // GETs served from the store
	Puts      uint64 `json:"puts"`      // PUTs applied to the store
	Redirects uint64 `json:"redirects"` // requests answered with REDIRECT
	NotFound  uint64 `json:"not_found"` // GETs for absent owned keys
}

// RefreshFunc fetches a newer snapshot, at least minEpoch, and applies it.
type RefreshFunc func(ctx context.Context, minEpoch uint64) error

// Shard decides key ownership from its membership snapshot and serves the
// keys it owns from its store.
type Shard struct {
	store   storage.Store
	refresh RefreshFunc
	snap    cluster.Snapshot
	stats   OperationStats
	self    uint64
	mu      sync.RWMutex
}

// NewShard creates a shard over store. It owns nothing until SetMembership.
func NewShard(store storage.Store) *Shard {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	return &Shard{store: store}
}

// SetRefresher installs the function used when a request proves the local
// snapshot stale.
func (s *Shard) SetRefresher(fn RefreshFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = fn
}

// SetMembership installs this server's ID and a snapshot. Snapshots older
// than the current one are ignored; it reports whether snap was applied.
func (s *Shard) SetMembership(self uint64, snap cluster.Snapshot) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if self != 0 {
		s.self = self
	}
	if snap.Epoch < s.snap.Epoch {
		return false
	}
	s.snap = snap.Clone()
	return true
}

// Membership returns this server's ID and a copy of its snapshot.
func (s *Shard) Membership() (uint64, cluster.Snapshot) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.self, s.snap.Clone()
}

// Epoch returns the epoch of the local snapshot.
func (s *Shard) Epoch() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.Epoch
}

// Stats returns a copy of the operation counters.
func (s *Shard) Stats() OperationStats {
	return OperationStats{
		Gets:      atomic.LoadUint64(&s.stats.Gets),
		Puts:      atomic.LoadUint64(&s.stats.Puts),
		Redirects: atomic.LoadUint64(&s.stats.Redirects),
		NotFound:  atomic.LoadUint64(&s.stats.NotFound),
	}
}

// Store exposes the backing store.
func (s *Shard) Store() storage.Store { return s.store }

// route reports whether this server owns key, and if not, who does.
// A request epoch newer than the local snapshot triggers a refresh first.
func (s *Shard) route(ctx context.Context, key int64, epoch uint64) (owner cluster.ShardRecord, own bool, snapEpoch uint64, err error) {
	s.mu.RLock()
	stale := epoch > s.snap.Epoch
	refresh := s.refresh
	s.mu.RUnlock()

	if stale && refresh != nil {
		if rerr := refresh(ctx, epoch); rerr != nil {
			log.Printf("shard: refresh to epoch %d failed, answering from current snapshot: %v", epoch, rerr)
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	owner, ok := s.snap.Owner(key)
	if !ok {
		return cluster.ShardRecord{}, false, s.snap.Epoch, wire.ErrEmptyRegistry
	}
	return owner, owner.ServerID == s.self, s.snap.Epoch, nil
}

// HandlePut stores value under key if this server owns it. Otherwise it
// returns a REDIRECT to the owner and leaves the store untouched.
func (s *Shard) HandlePut(ctx context.Context, key int64, value []byte, epoch uint64) wire.Message {
	owner, own, snapEpoch, err := s.route(ctx, key, epoch)
	if err != nil {
		return wire.ErrorReply(wire.KindOf(err))
	}
	if !own {
		atomic.AddUint64(&s.stats.Redirects, 1)
		return wire.Redirect(key, owner.Addr, snapEpoch)
	}

	rec, err := s.store.Put(key, value)
	if err != nil {
		log.Printf("shard[%d]: put %d: %v", owner.ServerID, key, err)
		return wire.ErrorReply(wire.ErrInternal)
	}
	atomic.AddUint64(&s.stats.Puts, 1)
	return wire.Message{Kind: wire.KindAck, Key: key, HasKey: true, Version: rec.Version, Epoch: snapEpoch}
}

// HandleGet returns the value of key if this server owns it, NotFound if it
// owns it but has never stored it, and a REDIRECT otherwise.
func (s *Shard) HandleGet(ctx context.Context, key int64, epoch uint64) wire.Message {
	owner, own, snapEpoch, err := s.route(ctx, key, epoch)
	if err != nil {
		return wire.ErrorReply(wire.KindOf(err))
	}
	if !own {
		atomic.AddUint64(&s.stats.Redirects, 1)
		return wire.Redirect(key, owner.Addr, snapEpoch)
	}

	rec, err := s.store.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		atomic.AddUint64(&s.stats.NotFound, 1)
		return wire.ErrorReply(wire.ErrNotFound)
	}
	if err != nil {
		log.Printf("shard[%d]: get %d: %v", owner.ServerID, key, err)
		return wire.ErrorReply(wire.ErrInternal)
	}
	atomic.AddUint64(&s.stats.Gets, 1)

	value := rec.Value
	if value == nil {
		value = []byte{}
	}
	return wire.Message{Kind: wire.KindAck, Key: key, HasKey: true, Value: value, Version: rec.Version, Epoch: snapEpoch}
}

// ServeWire dispatches PUT, GET and PING.
func (s *Shard) ServeWire(ctx context.Context, req wire.Message) wire.Message {
	switch req.Kind {
	case wire.KindPut:
		if !req.HasKey {
			return wire.ErrorReply(wire.ErrProtocol)
		}
		return s.HandlePut(ctx, req.Key, req.Value, req.Epoch)
	case wire.KindGet:
		if !req.HasKey {
			return wire.ErrorReply(wire.ErrProtocol)
		}
		return s.HandleGet(ctx, req.Key, req.Epoch)
	case wire.KindPing:
		return wire.Ack()
	}
	return wire.ErrorReply(wire.ErrProtocol)
}
