package command

import (
	"bytes"
	"testing"

	"github.com/shieldkey/yhsm/object"
	"github.com/shieldkey/yhsm/wire"
)

func TestGenerateAsymmetricKeyEncodeDecodeIdentity(t *testing.T) {
	label, err := object.NewLabel("test")
	if err != nil {
		t.Fatalf("NewLabel() error = %v", err)
	}
	req := GenerateAsymmetricKey(object.ID(7), label, object.Domain(1), object.Capabilities(object.CapabilityAsymmetricSignEddsa), object.AlgorithmEd25519)

	f, err := wire.EncodeFrame(wire.Frame{Code: uint8(req.Code), Body: req.Body})
	if err != nil {
		t.Fatalf("EncodeFrame() error = %v", err)
	}
	decoded, err := wire.DecodeFrame(f)
	if err != nil {
		t.Fatalf("DecodeFrame() error = %v", err)
	}
	if decoded.Code != uint8(CodeGenerateAsymmetricKey) || !bytes.Equal(decoded.Body, req.Body) {
		t.Fatalf("round trip mismatch: got code=%#x body=%x", decoded.Code, decoded.Body)
	}
}

func TestDecodeCreateSessionResponse(t *testing.T) {
	body := append(append([]byte{0x05}, bytes.Repeat([]byte{0xaa}, 8)...), bytes.Repeat([]byte{0xbb}, 8)...)
	resp, err := Decode(CodeCreateSession, body)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	sessResp, ok := resp.(CreateSessionResponse)
	if !ok {
		t.Fatalf("Decode() returned %T, want CreateSessionResponse", resp)
	}
	if sessResp.SessionID != 0x05 {
		t.Fatalf("SessionID = %d, want 5", sessResp.SessionID)
	}
	if !bytes.Equal(sessResp.CardChallenge, bytes.Repeat([]byte{0xaa}, 8)) {
		t.Fatalf("CardChallenge mismatch")
	}
	if !bytes.Equal(sessResp.CardCryptogram, bytes.Repeat([]byte{0xbb}, 8)) {
		t.Fatalf("CardCryptogram mismatch")
	}
}

func TestDecodeCreateSessionResponseRejectsTruncated(t *testing.T) {
	if _, err := Decode(CodeCreateSession, []byte{0x01, 0x02}); err == nil {
		t.Fatal("Decode() should reject a truncated CreateSession response")
	}
}

func TestDecodeObjectInfoRoundTrip(t *testing.T) {
	label, _ := object.NewLabel("attestor")
	b := wire.NewBuilder(0)
	b.PutU64(uint64(object.CapabilityAsymmetricSignEcdsa))
	b.PutU16(uint16(object.ID(42)))
	b.PutU16(32)
	b.PutU16(uint16(object.Domain(3)))
	b.PutU8(uint8(object.TypeAsymmetricKey))
	b.PutU8(uint8(object.AlgorithmEcP256))
	b.PutU8(1)
	b.PutU8(0)
	b.PutBytes(label[:])
	b.PutU64(uint64(object.CapabilityAsymmetricSignEcdsa))

	resp, err := Decode(CodeGetObjectInfo, b.Bytes())
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	info, ok := resp.(ObjectInfoResponse)
	if !ok {
		t.Fatalf("Decode() returned %T, want ObjectInfoResponse", resp)
	}
	if info.ID != 42 || info.Type != object.TypeAsymmetricKey || info.Algorithm != object.AlgorithmEcP256 {
		t.Fatalf("unexpected decoded fields: %+v", info)
	}
	if info.Label.String() != "attestor" {
		t.Fatalf("Label = %q, want %q", info.Label.String(), "attestor")
	}
}

func TestDecodeUnknownCodeErrors(t *testing.T) {
	if _, err := Decode(Code(0xf0), nil); err == nil {
		t.Fatal("Decode() should error for a code with no registered decoder")
	}
}

func TestDeviceErrorClosesSession(t *testing.T) {
	tests := []struct {
		kind  DeviceErrorKind
		close bool
	}{
		{ErrInvalidSession, true},
		{ErrSessionFailed, true},
		{ErrAuthFail, true},
		{ErrInvalidData, false},
		{ErrWrongLength, false},
	}
	for _, tc := range tests {
		if got := tc.kind.ClosesSession(); got != tc.close {
			t.Errorf("%v.ClosesSession() = %v, want %v", tc.kind, got, tc.close)
		}
	}
}
