// Package wire implements the keyshard protocol: the message model, a
// length-prefixed binary codec, and a small request/response transport over
// TCP used by the master, the shard servers and the client.
//
// # Framing
//
// Every message travels as one frame:
//
//	┌──────────────┬──────────────────────────────────────┐
//	│ len uint32BE │ body (len bytes)                     │
//	└──────────────┴──────────────────────────────────────┘
//
// The body starts with the kind and a flags byte naming which optional
// fields follow, always in this order:
//
//	kind:u8 flags:u8
//	[key:int64BE] [epoch:uvarint] [version:uvarint] [serverID:uvarint]
//	[code:u8] [addrLen:uvarint addr] [valueLen:uvarint value]
//	[n:uvarint n×(id:uvarint join:uvarint status:u8 addrLen:uvarint addr)]
//
// A decoder rejects unknown kinds and error codes, truncated fields and
// trailing bytes with ErrProtocol.
//
// # Errors
//
// ErrorKind is both the on-wire error code and a Go error value, so a code
// received in an ERROR frame can be returned directly and matched with
// errors.Is at the call site:
//
//	if errors.Is(err, wire.ErrNotFound) { ... }
//
// # Transport
//
// Call dials, writes one request frame and reads one response frame under a
// deadline; any dial, IO or timeout failure is reported as ErrUnreachable.
// Server accepts connections and runs one goroutine per connection, serving
// request/response pairs until the peer closes.
package wire
