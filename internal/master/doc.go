// Package master implements the keyshard master: the single source of truth
// for shard membership and the answer to "who owns key K?".
//
// # Overview
//
// The master holds the ShardRegistry, an ordered list of shard servers in the
// order they joined. Shard servers REGISTER on startup, clients may LOCATE a
// key before their first hop, and shard servers fetch MEMBERS to refresh
// stale snapshots. The master never stores data and never proxies requests.
//
//	┌─────────────────────────────────────┐
//	│              MASTER                 │
//	├─────────────────────────────────────┤
//	│  ShardRegistry                      │
//	│    records in join order            │
//	│    epoch bumped on every mutation   │
//	│    RWMutex: lookups in parallel,    │
//	│    registrations exclusive          │
//	├─────────────────────────────────────┤
//	│  HealthMonitor                      │
//	│    PING each active server          │
//	│    N failures → Unreachable         │
//	├─────────────────────────────────────┤
//	│  wire handler   REGISTER DEREGISTER │
//	│                 LOCATE MEMBERS PING │
//	│  status HTTP    /health /members    │
//	│                 /locate             │
//	└─────────────────────────────────────┘
//
// # Registration
//
// Register appends a record with the next join order and returns the server
// ID together with the full snapshot, so a new server starts with a view that
// already includes itself. Registering an address that is already present
// returns the existing record (reactivated if it was Unreachable); join order
// is never compacted, which keeps ownership stable for keys already served.
//
// # Failure handling
//
// A lookup against an empty registry returns wire.ErrEmptyRegistry and the
// master keeps accepting registrations. Servers that fail consecutive health
// checks are marked Unreachable and drop out of the ownership function; they
// rejoin by registering again.
package master
