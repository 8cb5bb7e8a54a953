package cluster

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"golang.org/x/exp/slices"
)

// Status is the membership state of a registered shard server.
type Status string

const (
	// StatusActive means the server takes part in key ownership.
	StatusActive Status = "active"
	// StatusUnreachable means the server failed health checks or was
	// deregistered. It keeps its join order but owns no keys.
	StatusUnreachable Status = "unreachable"
)

// ShardRecord describes one registered shard server.
type ShardRecord struct {
	Addr      string `json:"addr"`       // host:port the server accepts requests on
	Status    Status `json:"status"`     // Active or Unreachable
	ServerID  uint64 `json:"server_id"`  // JoinOrder+1; zero means unassigned
	JoinOrder int    `json:"join_order"` // position in the registry, never reused
}

// Snapshot is a point-in-time, read-only copy of the shard registry.
// Records are ordered by JoinOrder.
type Snapshot struct {
	Records []ShardRecord `json:"records"`
	Epoch   uint64        `json:"epoch"`
}

// KeyHash returns the FNV-1a hash of the key's big-endian encoding.
func KeyHash(key int64) uint32 {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(key))
	h := fnv.New32a()
	h.Write(b[:])
	return h.Sum32()
}

// OwnerIndex maps a key onto an index in [0, n). It returns -1 when n <= 0.
func OwnerIndex(key int64, n int) int {
	if n <= 0 {
		return -1
	}
	return int(KeyHash(key) % uint32(n))
}

// Active returns the Active records in join order.
func (s Snapshot) Active() []ShardRecord {
	active := slices.DeleteFunc(slices.Clone(s.Records), func(r ShardRecord) bool {
		return r.Status != StatusActive
	})
	slices.SortFunc(active, func(a, b ShardRecord) int {
		return a.JoinOrder - b.JoinOrder
	})
	return active
}

// Owner returns the record that owns key under this snapshot.
// ok is false only when no record is Active.
func (s Snapshot) Owner(key int64) (rec ShardRecord, ok bool) {
	active := s.Active()
	idx := OwnerIndex(key, len(active))
	if idx < 0 {
		return ShardRecord{}, false
	}
	return active[idx], true
}

// Find returns the record with the given server ID.
func (s Snapshot) Find(serverID uint64) (ShardRecord, bool) {
	idx := slices.IndexFunc(s.Records, func(r ShardRecord) bool { return r.ServerID == serverID })
	if idx < 0 {
		return ShardRecord{}, false
	}
	return s.Records[idx], true
}

// Clone returns a deep copy so callers can hand snapshots across goroutines.
func (s Snapshot) Clone() Snapshot {
	return Snapshot{Epoch: s.Epoch, Records: slices.Clone(s.Records)}
}

// Size is the number of records, Active or not.
func (s Snapshot) Size() int { return len(s.Records) }

func (r ShardRecord) String() string {
	return fmt.Sprintf("shard[%d]@%s(%s)", r.ServerID, r.Addr, r.Status)
}
