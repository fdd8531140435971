package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shieldkey/yhsm/command"
	"github.com/shieldkey/yhsm/hsmcrypto"
	"github.com/shieldkey/yhsm/mockhsm"
	"github.com/shieldkey/yhsm/object"
	"github.com/shieldkey/yhsm/transport"
)

const testPassword = "correct horse battery staple"

func newTestFactory(t *testing.T) (TransportFactory, *mockhsm.Peer) {
	t.Helper()
	peer := mockhsm.NewPeer(1)
	static := hsmcrypto.DeriveStaticKeysFromPassword(testPassword)
	encKey, err := hsmcrypto.NewKey16(static[:hsmcrypto.KeyLength])
	if err != nil {
		t.Fatalf("NewKey16() error = %v", err)
	}
	macKey, err := hsmcrypto.NewKey16(static[hsmcrypto.KeyLength:])
	if err != nil {
		t.Fatalf("NewKey16() error = %v", err)
	}
	peer.AddAuthKey(mockhsm.DefaultAuthKeyID, mockhsm.AuthCredential{
		EncKey:       encKey,
		MacKey:       macKey,
		Capabilities: object.Capabilities(^uint64(0)),
		Delegated:    object.Capabilities(^uint64(0)),
	})
	factory := func(ctx context.Context) (transport.Transport, error) {
		return transport.NewMock(peer, "dev-serial"), nil
	}
	return factory, peer
}

func testConfig() Config {
	return Config{AuthKeyID: mockhsm.DefaultAuthKeyID, Password: testPassword}
}

func TestSessionOpenAndSendCommand(t *testing.T) {
	factory, _ := newTestFactory(t)
	s, err := Open(context.Background(), factory, testConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close(context.Background())

	if s.SerialNumber() != "dev-serial" {
		t.Fatalf("SerialNumber() = %q, want dev-serial", s.SerialNumber())
	}

	resp, err := s.SendCommand(context.Background(), command.Echo([]byte("ping")))
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if echoResp, ok := resp.(command.EchoResponse); !ok || string(echoResp.Data) != "ping" {
		t.Fatalf("SendCommand() = %+v, want echo of 'ping'", resp)
	}
	if s.MessageCount() != 1 {
		t.Fatalf("MessageCount() = %d, want 1", s.MessageCount())
	}
}

func TestSessionCloseRejectsFurtherCommands(t *testing.T) {
	factory, _ := newTestFactory(t)
	s, err := Open(context.Background(), factory, testConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if _, err := s.SendCommand(context.Background(), command.Echo([]byte("x"))); err != ErrClosed {
		t.Fatalf("SendCommand() after Close = %v, want ErrClosed", err)
	}
}

// flakyTransport fails its Nth Send call (1-indexed, across every
// transport instance the factory hands out) and passes every other
// call through to a fresh mock transport over the same peer.
type flakyTransport struct {
	inner   transport.Transport
	counter *int32
	failAt  int32
}

func (f *flakyTransport) Send(ctx context.Context, frame []byte) ([]byte, error) {
	n := atomic.AddInt32(f.counter, 1)
	if n == f.failAt {
		return nil, &transport.Error{Op: "send", Err: errors.New("simulated transport flake")}
	}
	return f.inner.Send(ctx, frame)
}

func (f *flakyTransport) Status(ctx context.Context) (transport.Status, error) {
	return f.inner.Status(ctx)
}

func (f *flakyTransport) Close() error { return f.inner.Close() }

func newFlakyFactory(t *testing.T, failAt int32) TransportFactory {
	t.Helper()
	_, peer := newTestFactory(t)
	counter := new(int32)
	return func(ctx context.Context) (transport.Transport, error) {
		return &flakyTransport{inner: transport.NewMock(peer, "dev-serial"), counter: counter, failAt: failAt}, nil
	}
}

// TestSessionReconnectsOnTransportErrorForReadOnlyCommand exercises the
// retry path: Open consumes two Send calls authenticating (CreateSession,
// AuthenticateSession), so failAt=3 fails the very next command, which
// should trigger a silent reconnect-and-retry since Echo is read-only.
func TestSessionReconnectsOnTransportErrorForReadOnlyCommand(t *testing.T) {
	factory := newFlakyFactory(t, 3)
	s, err := Open(context.Background(), factory, testConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close(context.Background())

	resp, err := s.SendCommand(context.Background(), command.Echo([]byte("retry me")))
	if err != nil {
		t.Fatalf("SendCommand() should transparently reconnect and retry, got error = %v", err)
	}
	if echoResp, ok := resp.(command.EchoResponse); !ok || string(echoResp.Data) != "retry me" {
		t.Fatalf("SendCommand() = %+v, want echo of 'retry me'", resp)
	}
}

// A command that mutates device state must not be silently retried
// after a transport error: the device may already have applied it.
func TestSessionDoesNotRetryWriteCommandOnTransportError(t *testing.T) {
	factory := newFlakyFactory(t, 3)
	s, err := Open(context.Background(), factory, testConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close(context.Background())

	label, _ := object.NewLabel("k")
	req := command.GenerateAsymmetricKey(object.ID(1), label, object.Domain(1), object.Capabilities(^uint64(0)), object.AlgorithmEd25519)
	if _, err := s.SendCommand(context.Background(), req); err == nil {
		t.Fatal("SendCommand() should surface the transport error untouched for a write command")
	}
}

func TestSessionIdleLivenessCheckPrecedesCommand(t *testing.T) {
	factory, _ := newTestFactory(t)
	cfg := testConfig()
	cfg.IdleTimeout = time.Millisecond
	s, err := Open(context.Background(), factory, cfg)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close(context.Background())

	time.Sleep(5 * time.Millisecond)
	if _, err := s.SendCommand(context.Background(), command.Echo([]byte("after idle"))); err != nil {
		t.Fatalf("SendCommand() after an idle gap should still succeed, got error = %v", err)
	}
}
