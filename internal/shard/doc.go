// Package shard implements the keyshard storage node: a shard server that
// registers with the master, stores the keys it owns and redirects requests
// for keys it does not.
//
// # Request path
//
//	PUT/GET key ──► epoch newer than snapshot? ──► refresh from master
//	                          │
//	                          ▼
//	            Owner(key, snapshot) == self ?
//	              │ yes                    │ no
//	              ▼                        ▼
//	        store.Put / Get        REDIRECT(owner addr)
//	        ACK / NotFound
//
// A shard server never forwards a request on the client's behalf. A request
// for a key it does not own leaves its store untouched and returns the
// address of the owner according to its own snapshot; the client re-sends.
//
// # Membership
//
// The REGISTER acknowledgement carries the full registry, so a server starts
// with a snapshot that already includes itself. Later joins are picked up by
// a periodic MEMBERS refresh and on demand when a request carries an epoch
// newer than the local snapshot. If the master is unreachable the server keeps
// answering from the snapshot it has. If a refresh shows the server marked
// Unreachable it registers again.
package shard
