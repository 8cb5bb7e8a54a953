package wire

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures. It is carried in ERROR frames and also
// implements error so it can be wrapped and matched with errors.Is.
type ErrorKind uint8

const (
	// ErrNone is the zero code; it never appears as a returned error.
	ErrNone ErrorKind = iota
	// ErrEmptyRegistry means no shard server is registered and active.
	ErrEmptyRegistry
	// ErrNotFound means a GET reached the owner but the key is absent.
	ErrNotFound
	// ErrProtocol means a frame could not be decoded or made no sense.
	ErrProtocol
	// ErrRedirectLoop means routing did not converge within the hop bound.
	ErrRedirectLoop
	// ErrUnreachable covers dial failures, broken connections and timeouts.
	ErrUnreachable
	// ErrInternal is an unexpected server-side fault.
	ErrInternal

	maxErrorKind = ErrInternal
)

var errorKindNames = map[ErrorKind]string{
	ErrNone:          "none",
	ErrEmptyRegistry: "empty registry",
	ErrNotFound:      "not found",
	ErrProtocol:      "protocol error",
	ErrRedirectLoop:  "redirect loop",
	ErrUnreachable:   "unreachable",
	ErrInternal:      "internal error",
}

func (k ErrorKind) Error() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("error kind %d", uint8(k))
}

// Retryable reports whether the client should retry the whole operation.
func (k ErrorKind) Retryable() bool { return k == ErrUnreachable }

// KindOf extracts the ErrorKind from err. Errors that carry no kind map to
// ErrInternal; nil maps to ErrNone.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ErrNone
	}
	var k ErrorKind
	if errors.As(err, &k) {
		return k
	}
	return ErrInternal
}

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}
