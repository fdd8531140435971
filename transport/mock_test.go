package transport

import (
	"context"
	"testing"
)

type echoPeer struct {
	received [][]byte
}

func (p *echoPeer) Handle(frame []byte) []byte {
	p.received = append(p.received, frame)
	out := make([]byte, len(frame))
	copy(out, frame)
	return out
}

func TestMockSendRoundTrip(t *testing.T) {
	peer := &echoPeer{}
	m := NewMock(peer, "serial-123")

	resp, err := m.Send(context.Background(), []byte{1, 2, 3})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(resp) != 3 || resp[0] != 1 || resp[1] != 2 || resp[2] != 3 {
		t.Fatalf("Send() = %v, want echoed frame", resp)
	}
	if len(peer.received) != 1 {
		t.Fatalf("peer received %d frames, want 1", len(peer.received))
	}
}

func TestMockSendRespectsCanceledContext(t *testing.T) {
	peer := &echoPeer{}
	m := NewMock(peer, "serial-123")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Send(ctx, []byte{1}); err == nil {
		t.Fatal("Send() should fail on an already-canceled context")
	}
	if len(peer.received) != 0 {
		t.Fatal("Send() should not reach the peer once the context is canceled")
	}
}

func TestMockStatusReportsSerial(t *testing.T) {
	m := NewMock(&echoPeer{}, "serial-xyz")
	status, err := m.Status(context.Background())
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	if !status.Connected || status.SerialNumber != "serial-xyz" {
		t.Fatalf("Status() = %+v, want Connected=true SerialNumber=serial-xyz", status)
	}
}

func TestMockCloseIsIdempotent(t *testing.T) {
	m := NewMock(&echoPeer{}, "serial-123")
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
}
