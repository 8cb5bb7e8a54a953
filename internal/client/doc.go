// Package client issues PUT and GET requests against a keyshard cluster.
//
// Routing has two modes. With Direct set, the first request goes to the
// address the caller names. Otherwise the client asks the master which
// server owns the key (LOCATE) and sends the first request there, carrying
// the master's registry epoch so a shard server with an older snapshot
// refreshes before deciding ownership.
//
// In both modes a REDIRECT is followed to the named server. A request that
// is still redirected after MaxHops servers fails with wire.ErrRedirectLoop.
// Connection failures and timeouts retry the whole operation with
// exponential backoff; every other error is returned at once.
package client
