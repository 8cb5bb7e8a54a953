// Package cluster holds the membership model shared by every keyshard process:
// shard records, registry snapshots and the ownership function that maps an
// integer key onto exactly one registered shard server.
//
// # Overview
//
// The master owns the authoritative registry. Shard servers and clients only
// ever hold a Snapshot, a read-only copy stamped with the registry epoch at
// the time it was taken. Because the ownership function is a pure function of
// (key, snapshot), any two components holding snapshots with the same epoch
// agree on the owner of every key.
//
//	            ┌──────────────┐
//	            │    Master    │  registry (epoch N)
//	            └──────┬───────┘
//	        REGISTER   │   MEMBERS / LOCATE
//	     ┌─────────────┼─────────────┐
//	     ▼             ▼             ▼
//	┌─────────┐   ┌─────────┐   ┌─────────┐
//	│ Shard 1 │   │ Shard 2 │   │ Client  │  snapshots (epoch ≤ N)
//	└─────────┘   └─────────┘   └─────────┘
//
// # Ownership
//
// Owner considers only Active records, in join order, and picks
//
//	active[fnv32a(bigEndian(key)) mod len(active)]
//
// Join order is never compacted, so the position of a server in the active
// list only changes when servers join or become unreachable. Keys are not
// migrated on such changes; a stale holder answers with a redirect and the
// client re-routes.
//
// # Freshness
//
// Snapshot epochs are monotonic. A component that receives a request stamped
// with an epoch newer than its own snapshot knows its view is stale and
// should refresh from the master before deciding ownership.
package cluster
