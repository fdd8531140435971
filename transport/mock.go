package transport

import "context"

// Peer is the narrow surface transport.Mock needs from an in-process
// device simulator: turn one raw request frame into one raw response
// frame. mockhsm.Peer satisfies this without transport importing
// mockhsm, avoiding a cycle (mockhsm already imports command/wire/
// object/hsmcrypto, none of which import transport).
type Peer interface {
	Handle(frame []byte) []byte
}

// Mock is an in-process Transport that hands every frame directly to a
// Peer, skipping any real byte pipe. Used by tests and by the session
// facade's own test suite to exercise the full stack without hardware.
type Mock struct {
	peer   Peer
	status Status
}

// NewMock wraps peer as a Transport, reporting status as connected with
// the given serial number.
func NewMock(peer Peer, serialNumber string) *Mock {
	return &Mock{peer: peer, status: Status{Connected: true, SerialNumber: serialNumber}}
}

// Send implements Transport by calling peer.Handle directly.
func (m *Mock) Send(ctx context.Context, frame []byte) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, &Error{Op: "send", Err: ctx.Err()}
	default:
	}
	return m.peer.Handle(frame), nil
}

// Status implements Transport with the status fixed at construction.
func (m *Mock) Status(ctx context.Context) (Status, error) {
	return m.status, nil
}

// Close implements Transport; the mock holds no resources to release.
func (m *Mock) Close() error {
	return nil
}
