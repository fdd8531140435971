// Package securechannel implements the host side of the SCP03 mutual
// authentication handshake and per-command encrypted/MAC'd framing over
// a transport.Transport: challenge/cryptogram exchange, session key
// derivation, and a counter-driven IV plus CMAC chain for every message
// that follows.
package securechannel

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/shieldkey/yhsm/command"
	"github.com/shieldkey/yhsm/hsmcrypto"
	"github.com/shieldkey/yhsm/internal/scp03"
	"github.com/shieldkey/yhsm/transport"
	"github.com/shieldkey/yhsm/wire"
)

// SecurityLevel is the authentication state of a Channel.
type SecurityLevel byte

const (
	SecurityLevelUnauthenticated SecurityLevel = 0
	SecurityLevelAuthenticated   SecurityLevel = 1
	SecurityLevelClosed          SecurityLevel = 2
)

// MaxMessagesPerSession caps the command counter well under the point a
// real uint32 wraparound could occur, since the device itself enforces
// a much lower practical limit on commands per session than the IV
// space technically allows.
const MaxMessagesPerSession = 10000

const macLength = 8

// ErrNotAuthenticated is returned by SendCommand when called before
// Authenticate has completed successfully.
var ErrNotAuthenticated error = newUsageError("channel is not authenticated")

// ErrAlreadyAuthenticated is returned by Authenticate on a channel that
// has already completed the handshake.
var ErrAlreadyAuthenticated error = newUsageError("channel is already authenticated")

// ErrChannelClosed is returned by SendCommand on a channel that has
// closed, either explicitly or after an unrecoverable device error.
var ErrChannelClosed error = newUsageError("channel is closed")

// ErrSessionExhausted is returned once Counter reaches
// MaxMessagesPerSession; callers must open a fresh Channel.
var ErrSessionExhausted error = newUsageError("session message limit reached, reconnect required")

// ErrCounterOverflow is returned by SendCommand when the counter would
// wrap past its uint32 range on the next increment. The channel closes
// immediately: a counter that wraps would reuse an EncryptedCounter IV
// under keys already used to encrypt a different message, which is
// exactly the condition the monotonic-counter invariant exists to rule
// out.
var ErrCounterOverflow error = newCryptoError(ReasonCounterOverflow, "counter would overflow")

// Channel is one authenticated SCP03 session over an arbitrary
// transport.Transport. Not safe for concurrent command issuance from
// multiple goroutines beyond the internal locking that serializes wire
// traffic; see session.Session for pooling/reconnect above this layer.
type Channel struct {
	t transport.Transport

	authKeyID uint16
	encKey    *hsmcrypto.Key16
	macKey    *hsmcrypto.Key16

	mu            sync.Mutex
	id            uint8
	counter       uint32
	level         SecurityLevel
	keys          *scp03.SessionKeys
	hostChallenge []byte
	cardChallenge []byte
	macChainValue []byte
}

// New builds an unauthenticated Channel bound to t, authenticating as
// authKeyID using the static keys derived from password. Call
// Authenticate to complete the handshake before sending any other
// command.
func New(t transport.Transport, authKeyID uint16, password string) (*Channel, error) {
	static := hsmcrypto.DeriveStaticKeysFromPassword(password)
	encKey, err := hsmcrypto.NewKey16(static[:hsmcrypto.KeyLength])
	if err != nil {
		return nil, err
	}
	macKey, err := hsmcrypto.NewKey16(static[hsmcrypto.KeyLength:])
	if err != nil {
		return nil, err
	}
	return &Channel{
		t:             t,
		authKeyID:     authKeyID,
		encKey:        encKey,
		macKey:        macKey,
		macChainValue: make([]byte, 16),
		level:         SecurityLevelUnauthenticated,
	}, nil
}

// NewWithStaticKeys builds an unauthenticated Channel from already
// derived 16-byte static keys, for callers that store keys out of band
// rather than deriving them from a password on every connect.
func NewWithStaticKeys(t transport.Transport, authKeyID uint16, encKey, macKey *hsmcrypto.Key16) *Channel {
	return &Channel{
		t:             t,
		authKeyID:     authKeyID,
		encKey:        encKey,
		macKey:        macKey,
		macChainValue: make([]byte, 16),
		level:         SecurityLevelUnauthenticated,
	}
}

// Level reports the channel's current authentication state.
func (c *Channel) Level() SecurityLevel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.level
}

// Authenticate runs the SCP03 CreateSession/AuthenticateSession
// handshake: generates a host challenge, validates the device's
// cryptogram against the freshly derived session MAC key, and proves
// host possession of the static keys with a host cryptogram.
func (c *Channel) Authenticate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.level == SecurityLevelClosed {
		return ErrChannelClosed
	}
	if c.level != SecurityLevelUnauthenticated {
		return ErrAlreadyAuthenticated
	}

	hostChallenge, err := hsmcrypto.RandomBytes(scp03.ChallengeLength)
	if err != nil {
		return err
	}
	c.hostChallenge = hostChallenge

	req := command.CreateSession(c.authKeyID, hostChallenge)
	raw, err := c.sendUnauthenticatedLocked(ctx, req)
	if err != nil {
		return err
	}

	resp, err := command.Decode(req.Code, raw)
	if err != nil {
		return err
	}
	sessResp, ok := resp.(command.CreateSessionResponse)
	if !ok {
		return newProtocolError(fmt.Sprintf("unexpected response type %T to CreateSession", resp))
	}

	c.id = sessResp.SessionID
	c.cardChallenge = sessResp.CardChallenge

	keys, err := scp03.DeriveSessionKeys(c.encKey, c.macKey, c.hostChallenge, c.cardChallenge)
	if err != nil {
		return err
	}
	c.keys = keys

	expectedCardCryptogram, err := scp03.DeriveKDF(keys.Mac, scp03.ConstCardCryptogram, c.hostChallenge, c.cardChallenge, macLength)
	if err != nil {
		return err
	}
	if !hsmcrypto.ConstantTimeEqual(expectedCardCryptogram, sessResp.CardCryptogram) {
		c.level = SecurityLevelClosed
		return newCryptoError(ReasonCryptogramMismatch, "device sent an unexpected card cryptogram")
	}

	hostCryptogram, err := scp03.DeriveKDF(keys.Mac, scp03.ConstHostCryptogram, c.hostChallenge, c.cardChallenge, macLength)
	if err != nil {
		return err
	}

	authReq := command.AuthenticateSession(hostCryptogram)
	if _, err := c.sendAuthenticatingLocked(ctx, authReq); err != nil {
		c.level = SecurityLevelClosed
		return err
	}

	// Set counter to 1 as specified by the protocol: AuthenticateSession
	// itself is only MAC'd, never CBC-encrypted, so counter value 1 has
	// not yet been consumed as an IV when the first real command uses it.
	c.counter = 1
	c.level = SecurityLevelAuthenticated
	return nil
}

// sendUnauthenticatedLocked ships req as a bare top-level frame, used
// only for CreateSession before any session keys exist. Caller holds mu.
func (c *Channel) sendUnauthenticatedLocked(ctx context.Context, req command.Request) ([]byte, error) {
	frame, err := wire.EncodeFrame(wire.Frame{Code: uint8(req.Code), Body: req.Body})
	if err != nil {
		return nil, err
	}
	raw, err := c.t.Send(ctx, frame)
	if err != nil {
		return nil, &transport.Error{Op: "send", Err: err}
	}
	return decodeTopLevelResponse(req.Code, raw)
}

// sendAuthenticatingLocked ships the AuthenticateSession command: MAC'd
// under s_mac but never CBC-encrypted, matching the wire behavior of the
// message that proves the host knows the session keys in the first
// place (there is nothing to keep confidential in a cryptogram the
// device can already recompute itself). Caller holds mu.
func (c *Channel) sendAuthenticatingLocked(ctx context.Context, req command.Request) ([]byte, error) {
	inner, err := wire.EncodeFrame(wire.Frame{Code: uint8(req.Code), Body: req.Body})
	if err != nil {
		return nil, err
	}
	return c.sendSessionMessageLocked(ctx, inner, false)
}

// SendCommand sends req as an authenticated, encrypted SessionMessage
// and decodes the response into the type command.Decode returns for
// req.Code, erroring if the device reports a failure.
func (c *Channel) SendCommand(ctx context.Context, req command.Request) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.level == SecurityLevelClosed {
		return nil, ErrChannelClosed
	}
	if c.level != SecurityLevelAuthenticated {
		return nil, ErrNotAuthenticated
	}
	if c.counter == math.MaxUint32 {
		c.level = SecurityLevelClosed
		return nil, ErrCounterOverflow
	}
	if c.counter >= MaxMessagesPerSession {
		c.level = SecurityLevelClosed
		return nil, ErrSessionExhausted
	}

	inner, err := wire.EncodeFrame(wire.Frame{Code: uint8(req.Code), Body: req.Body})
	if err != nil {
		return nil, err
	}

	iv, err := scp03.EncryptedCounterIV(c.keys.Enc, c.counter)
	if err != nil {
		return nil, err
	}
	ciphertext, err := hsmcrypto.CBCEncrypt(c.keys.Enc, iv, hsmcrypto.PadISO9797M2(inner))
	if err != nil {
		return nil, err
	}

	respBody, err := c.sendSessionMessageLocked(ctx, ciphertext, true)
	if err != nil {
		var de *command.DeviceError
		closes := errors.As(err, &de) && de.Kind.ClosesSession()
		if _, isCrypto := IsCryptoError(err); isCrypto {
			closes = true
		}
		if closes {
			c.level = SecurityLevelClosed
		}
		return nil, err
	}
	c.counter++

	return command.Decode(req.Code, respBody)
}

// sendSessionMessageLocked wraps payload in a SessionMessage frame,
// MACs it under the running chain value, sends it, then verifies the
// device's response MAC and, if encrypted is true, decrypts the
// response body with the same counter-derived IV used to encrypt
// payload. Passing encrypted=false is used for AuthenticateSession,
// whose body is only ever MAC'd, never CBC-encrypted. Returns the
// inner frame body (or errors with *command.DeviceError on a device
// failure). Caller holds mu.
func (c *Channel) sendSessionMessageLocked(ctx context.Context, payload []byte, encrypted bool) ([]byte, error) {
	ciphertext := payload
	header := wire.NewBuilder(3)
	header.PutU8(uint8(command.CodeSessionMessage))
	header.PutU16(uint16(1 + len(ciphertext) + macLength))

	macInput := wire.NewBuilder(len(c.macChainValue) + 3 + 1 + len(ciphertext))
	macInput.PutBytes(c.macChainValue)
	macInput.PutBytes(header.Bytes())
	macInput.PutU8(c.id)
	macInput.PutBytes(ciphertext)

	tag, err := hsmcrypto.CMAC(c.macKeyForPhase(), macInput.Bytes())
	if err != nil {
		return nil, err
	}

	body := wire.NewBuilder(1 + len(ciphertext) + macLength)
	body.PutU8(c.id)
	body.PutBytes(ciphertext)
	body.PutBytes(tag[:macLength])

	frame, err := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeSessionMessage), Body: body.Bytes()})
	if err != nil {
		return nil, err
	}
	c.macChainValue = tag

	raw, err := c.t.Send(ctx, frame)
	if err != nil {
		return nil, &transport.Error{Op: "send", Err: err}
	}

	respFrame, err := wire.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if command.Code(respFrame.Code) == command.ErrorCode {
		// A bare error frame carries no MAC, so nothing authenticates it:
		// its code is surfaced, but the channel closes.
		c.level = SecurityLevelClosed
		if len(respFrame.Body) != 1 {
			return nil, newProtocolError("malformed device error response")
		}
		return nil, &command.DeviceError{Kind: command.DeviceErrorKind(respFrame.Body[0])}
	}
	if command.Code(respFrame.Code) != command.CodeSessionMessage|command.ResponseOffset {
		return nil, newProtocolError(fmt.Sprintf("unexpected response code 0x%02x", respFrame.Code))
	}

	c2 := wire.NewCursor(respFrame.Body)
	sessionID, err := c2.GetU8()
	if err != nil {
		return nil, err
	}
	if sessionID != c.id {
		return nil, newProtocolError("response session id mismatch")
	}
	rest := c2.Rest()
	if len(rest) < macLength {
		return nil, newProtocolError("response too short for MAC")
	}
	respCiphertext := rest[:len(rest)-macLength]
	respMac := rest[len(rest)-macLength:]

	expectedMacInput := wire.NewBuilder(len(c.macChainValue) + 3 + 1 + len(respCiphertext))
	expectedMacInput.PutBytes(c.macChainValue)
	respHeader := wire.NewBuilder(3)
	respHeader.PutU8(respFrame.Code)
	respHeader.PutU16(uint16(len(respFrame.Body)))
	expectedMacInput.PutBytes(respHeader.Bytes())
	expectedMacInput.PutU8(sessionID)
	expectedMacInput.PutBytes(respCiphertext)

	expectedTag, err := hsmcrypto.CMAC(c.rmacKeyForPhase(), expectedMacInput.Bytes())
	if err != nil {
		return nil, err
	}
	if !hsmcrypto.ConstantTimeEqual(expectedTag[:macLength], respMac) {
		return nil, newCryptoError(ReasonMacVerification, "invalid response MAC")
	}
	c.macChainValue = expectedTag

	innerFrame := respCiphertext
	if encrypted {
		iv, err := scp03.EncryptedCounterIV(c.keys.Enc, c.counter)
		if err != nil {
			return nil, err
		}
		if len(respCiphertext) == 0 {
			return nil, nil
		}
		padded, err := hsmcrypto.CBCDecrypt(c.keys.Enc, iv, respCiphertext)
		if err != nil {
			return nil, err
		}
		innerFrame = hsmcrypto.UnpadISO9797M2(padded)
	}

	f, err := wire.DecodeFrame(innerFrame)
	if err != nil {
		return nil, err
	}
	if command.Code(f.Code) == command.ErrorCode {
		if len(f.Body) != 1 {
			return nil, newProtocolError("malformed inner device error")
		}
		return nil, &command.DeviceError{Kind: command.DeviceErrorKind(f.Body[0])}
	}
	return f.Body, nil
}

// macKeyForPhase returns s_mac. It dereferences the derived session
// keys, so it is only valid once CreateSession has produced them; the
// unauthenticated CreateSession exchange itself does not call it.
func (c *Channel) macKeyForPhase() *hsmcrypto.Key16 {
	return c.keys.Mac
}

func (c *Channel) rmacKeyForPhase() *hsmcrypto.Key16 {
	return c.keys.RMac
}

// decodeTopLevelResponse parses a bare (unencrypted) response frame for
// reqCode, erroring on a device error response.
func decodeTopLevelResponse(reqCode command.Code, raw []byte) ([]byte, error) {
	f, err := wire.DecodeFrame(raw)
	if err != nil {
		return nil, err
	}
	if command.Code(f.Code) == command.ErrorCode {
		if len(f.Body) != 1 {
			return nil, newProtocolError("malformed device error response")
		}
		return nil, &command.DeviceError{Kind: command.DeviceErrorKind(f.Body[0])}
	}
	if command.Code(f.Code) != reqCode|command.ResponseOffset {
		return nil, newProtocolError(fmt.Sprintf("unexpected response code 0x%02x for request 0x%02x", f.Code, reqCode))
	}
	return f.Body, nil
}

// Close sends CloseSession if still authenticated, then marks the
// channel closed regardless of outcome so callers never reuse it.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	level := c.level
	c.mu.Unlock()

	if level != SecurityLevelAuthenticated {
		c.mu.Lock()
		c.level = SecurityLevelClosed
		c.mu.Unlock()
		return nil
	}

	_, err := c.SendCommand(ctx, command.CloseSession())

	c.mu.Lock()
	c.level = SecurityLevelClosed
	c.encKey.Close()
	c.macKey.Close()
	if c.keys != nil {
		c.keys.Enc.Close()
		c.keys.Mac.Close()
		c.keys.RMac.Close()
	}
	c.mu.Unlock()

	return err
}
