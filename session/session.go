// Package session is the top-level facade an application talks to: one
// authenticated Channel over one Transport, with reconnect-on-transport-
// error, idle-liveness checking, and simple message-count/serial
// metrics. Deliberately one Channel per facade rather than a pool of
// interchangeable ones, since sharing a single authenticated channel
// across callers invites exactly the sort of mutable shared state a
// sequentially-ordered command counter can't tolerate; see pool.go for
// pooling built one layer above this.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shieldkey/yhsm/command"
	"github.com/shieldkey/yhsm/securechannel"
	"github.com/shieldkey/yhsm/transport"
)

// IdleTimeout is how long a session may sit unused before the next
// command is preceded by an Echo liveness check.
const IdleTimeout = 30 * time.Second

// TransportFactory opens a fresh Transport, used both for the initial
// connect and for reconnecting after a transport-level failure.
type TransportFactory func(ctx context.Context) (transport.Transport, error)

// Config parameterizes a Session.
type Config struct {
	AuthKeyID uint16
	Password  string
	// IdleTimeout overrides the package default when non-zero.
	IdleTimeout time.Duration
}

// Session owns exactly one Channel and one Transport, reconnecting
// transparently on transport-level failure for read-only commands and
// surfacing the error untouched for anything that may have already
// mutated device state.
type Session struct {
	mu sync.Mutex

	factory TransportFactory
	cfg     Config

	t       transport.Transport
	channel *securechannel.Channel

	lastUsed     time.Time
	messageCount uint64
	serial       string
}

// ErrClosed is returned by any operation on a Session after Close.
var ErrClosed = errors.New("session: closed")

// Open connects via factory, authenticates as cfg.AuthKeyID, and
// returns a ready-to-use Session.
func Open(ctx context.Context, factory TransportFactory, cfg Config) (*Session, error) {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = IdleTimeout
	}
	s := &Session{factory: factory, cfg: cfg}
	if err := s.connectLocked(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// connectLocked opens a new transport and authenticates a new channel
// over it, replacing whatever the Session currently holds. Caller holds mu.
func (s *Session) connectLocked(ctx context.Context) error {
	t, err := s.factory(ctx)
	if err != nil {
		return err
	}

	channel, err := securechannel.New(t, s.cfg.AuthKeyID, s.cfg.Password)
	if err != nil {
		t.Close()
		return err
	}
	if err := channel.Authenticate(ctx); err != nil {
		t.Close()
		return err
	}

	status, err := t.Status(ctx)
	if err == nil {
		s.serial = status.SerialNumber
	}

	s.t = t
	s.channel = channel
	s.lastUsed = time.Now()
	return nil
}

// writeCommands marks commands that mutate device state: a transport
// failure after sending one of these must not be silently retried,
// since the device may have already applied it. Kept as a side table
// for now rather than a field on command.Request; a future revision
// could move this onto the command record itself.
var writeCommands = map[command.Code]bool{
	command.CodeGenerateAsymmetricKey: true,
	command.CodePutAsymmetricKey:      true,
	command.CodePutAuthKey:            true,
	command.CodeChangeAuthKey:         true,
	command.CodePutOpaque:             true,
	command.CodePutHMACKey:            true,
	command.CodeGenerateHMACKey:       true,
	command.CodePutWrapKey:            true,
	command.CodeGenerateWrapKey:       true,
	command.CodeImportWrapped:         true,
	command.CodeDeleteObject:          true,
	command.CodePutOption:             true,
	command.CodeSetLogIndex:           true,
	command.CodeReset:                 true,
	command.CodePutOTPAeadKey:         true,
	command.CodeGenerateOTPAeadKey:    true,
}

func isRetryable(code command.Code) bool {
	return !writeCommands[code]
}

// ensureLiveLocked runs an Echo liveness check and reconnects if the
// session has been idle past cfg.IdleTimeout. Caller holds mu.
func (s *Session) ensureLiveLocked(ctx context.Context) error {
	if time.Since(s.lastUsed) < s.cfg.IdleTimeout {
		return nil
	}
	probe := []byte("liveness")
	if _, err := s.channel.SendCommand(ctx, command.Echo(probe)); err != nil {
		return s.connectLocked(ctx)
	}
	return nil
}

// SendCommand sends req over the session's Channel, transparently
// reconnecting and retrying exactly once on a transport-level error for
// commands that do not mutate device state.
func (s *Session) SendCommand(ctx context.Context, req command.Request) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		return nil, ErrClosed
	}

	if err := s.ensureLiveLocked(ctx); err != nil {
		return nil, err
	}

	resp, err := s.channel.SendCommand(ctx, req)
	if err != nil {
		if transport.IsTransportError(err) && isRetryable(req.Code) {
			if rerr := s.connectLocked(ctx); rerr == nil {
				resp, err = s.channel.SendCommand(ctx, req)
			}
		}
		if err != nil {
			return nil, err
		}
	}

	s.messageCount++
	s.lastUsed = time.Now()
	return resp, nil
}

// MessageCount returns the number of commands successfully sent over
// this Session's lifetime, across reconnects.
func (s *Session) MessageCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.messageCount
}

// SerialNumber returns the device serial number reported by the
// underlying transport at last (re)connect, or "" if unknown.
func (s *Session) SerialNumber() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serial
}

// Close sends CloseSession best-effort and releases the transport.
// Errors from the close handshake are swallowed; the transport is
// always released.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.channel == nil {
		return nil
	}
	s.channel.Close(ctx)
	err := s.t.Close()
	s.channel = nil
	s.t = nil
	return err
}
