// Package transport defines the opaque byte-pipe abstraction the secure
// channel and session layers speak over, plus the concrete HTTP, mock
// and USB transports.
package transport

import (
	"context"
	"errors"
)

// Status reports what a transport can discover about its peer.
type Status struct {
	Connected      bool
	SerialNumber   string
	VendorID       uint16
	ProductID      uint16
	FirmwareVersion string
}

// Transport is a duplex, opaque byte pipe: it accepts one fully formed
// command frame and returns one fully formed response frame. Concrete
// implementations are disjoint (HTTP, USB, mock); callers hold a
// Transport value, never a concrete type, so the session layer can swap
// backends without change.
type Transport interface {
	// Send ships a complete request frame and returns the complete
	// response frame. It may fail with an error satisfying IsTransportError.
	Send(ctx context.Context, frame []byte) ([]byte, error)
	// Status reports connectivity and device identity where discoverable.
	Status(ctx context.Context) (Status, error)
	// Close releases any held resources. Idempotent.
	Close() error
}

// Error wraps a failure at the physical/transport layer. The session
// facade treats this as potentially recoverable via reconnect.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return "transport: " + e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is (or wraps) a *Error.
func IsTransportError(err error) bool {
	var te *Error
	return errors.As(err, &te)
}
