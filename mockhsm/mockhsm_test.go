package mockhsm

import (
	"bytes"
	"testing"

	"github.com/shieldkey/yhsm/command"
	"github.com/shieldkey/yhsm/hsmcrypto"
	"github.com/shieldkey/yhsm/internal/scp03"
	"github.com/shieldkey/yhsm/object"
	"github.com/shieldkey/yhsm/wire"
)

func credentialFromPassword(t *testing.T, password string) AuthCredential {
	t.Helper()
	static := hsmcrypto.DeriveStaticKeysFromPassword(password)
	encKey, err := hsmcrypto.NewKey16(static[:hsmcrypto.KeyLength])
	if err != nil {
		t.Fatalf("NewKey16() error = %v", err)
	}
	macKey, err := hsmcrypto.NewKey16(static[hsmcrypto.KeyLength:])
	if err != nil {
		t.Fatalf("NewKey16() error = %v", err)
	}
	return AuthCredential{EncKey: encKey, MacKey: macKey, Capabilities: object.Capabilities(^uint64(0)), Delegated: object.Capabilities(^uint64(0))}
}

// decodeResponseFrame unwraps a raw Handle() response into its wire.Frame.
func decodeResponseFrame(t *testing.T, raw []byte) wire.Frame {
	t.Helper()
	f, err := wire.DecodeFrame(raw)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	return f
}

func TestHandleCreateSessionUnknownAuthKeyReturnsInvalidID(t *testing.T) {
	peer := NewPeer(1)
	req, _ := wire.EncodeFrame(wire.Frame{
		Code: uint8(command.CodeCreateSession),
		Body: append([]byte{0x00, 0x01}, make([]byte, scp03.ChallengeLength)...),
	})
	resp := decodeResponseFrame(t, peer.Handle(req))
	if command.Code(resp.Code) != command.ErrorCode {
		t.Fatalf("Code = %#x, want ErrorCode", resp.Code)
	}
	if command.DeviceErrorKind(resp.Body[0]) != command.ErrInvalidID {
		t.Fatalf("error kind = %v, want ErrInvalidID", command.DeviceErrorKind(resp.Body[0]))
	}
}

func TestHandleSessionMessageUnknownSessionReturnsInvalidSession(t *testing.T) {
	peer := NewPeer(1)
	body := append([]byte{0x00}, make([]byte, 16)...)
	req, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeSessionMessage), Body: body})
	resp := decodeResponseFrame(t, peer.Handle(req))
	if command.DeviceErrorKind(resp.Body[0]) != command.ErrInvalidSession {
		t.Fatalf("error kind = %v, want ErrInvalidSession", command.DeviceErrorKind(resp.Body[0]))
	}
}

func TestHandleCreateSessionAcceptsRegisteredAuthKey(t *testing.T) {
	peer := NewPeer(1)
	peer.AddAuthKey(DefaultAuthKeyID, credentialFromPassword(t, "swordfish"))

	hostChallenge := bytes.Repeat([]byte{0x09}, scp03.ChallengeLength)
	reqBody := append([]byte{0x00, byte(DefaultAuthKeyID)}, hostChallenge...)
	req, _ := wire.EncodeFrame(wire.Frame{Code: uint8(command.CodeCreateSession), Body: reqBody})

	resp := decodeResponseFrame(t, peer.Handle(req))
	if command.Code(resp.Code) != command.CodeCreateSession|command.ResponseOffset {
		t.Fatalf("Code = %#x, want CreateSession response code", resp.Code)
	}
	if len(resp.Body) != 1+8+8 {
		t.Fatalf("len(body) = %d, want 17", len(resp.Body))
	}
}

func TestUnknownTopLevelCommandIsRejected(t *testing.T) {
	peer := NewPeer(1)
	req, _ := wire.EncodeFrame(wire.Frame{Code: 0xfe, Body: nil})
	resp := decodeResponseFrame(t, peer.Handle(req))
	if command.DeviceErrorKind(resp.Body[0]) != command.ErrInvalidCommand {
		t.Fatalf("error kind = %v, want ErrInvalidCommand", command.DeviceErrorKind(resp.Body[0]))
	}
}

func TestMalformedFrameIsRejected(t *testing.T) {
	peer := NewPeer(1)
	resp := decodeResponseFrame(t, peer.Handle([]byte{0x01}))
	if command.Code(resp.Code) != command.ErrorCode {
		t.Fatalf("Code = %#x, want ErrorCode", resp.Code)
	}
	if command.DeviceErrorKind(resp.Body[0]) != command.ErrInvalidData {
		t.Fatalf("error kind = %v, want ErrInvalidData", command.DeviceErrorKind(resp.Body[0]))
	}
}
