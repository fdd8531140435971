package wire

import (
	"bytes"
	"testing"
)

func TestBuilderCursorRoundTrip(t *testing.T) {
	b := NewBuilder(0)
	b.PutU8(0x42).PutU16(0x1234).PutU32(0xdeadbeef).PutU64(0x0102030405060708)
	b.PutBlobU8([]byte{1, 2, 3})
	b.PutBlobU16(bytes.Repeat([]byte{0xff}, 300))

	c := NewCursor(b.Bytes())
	if v, err := c.GetU8(); err != nil || v != 0x42 {
		t.Fatalf("GetU8() = %v, %v, want 0x42, nil", v, err)
	}
	if v, err := c.GetU16(); err != nil || v != 0x1234 {
		t.Fatalf("GetU16() = %v, %v, want 0x1234, nil", v, err)
	}
	if v, err := c.GetU32(); err != nil || v != 0xdeadbeef {
		t.Fatalf("GetU32() = %v, %v, want 0xdeadbeef, nil", v, err)
	}
	if v, err := c.GetU64(); err != nil || v != 0x0102030405060708 {
		t.Fatalf("GetU64() = %v, %v, want 0x0102030405060708, nil", v, err)
	}
	blob8, err := c.GetBlobU8()
	if err != nil || !bytes.Equal(blob8, []byte{1, 2, 3}) {
		t.Fatalf("GetBlobU8() = %v, %v", blob8, err)
	}
	blob16, err := c.GetBlobU16()
	if err != nil || !bytes.Equal(blob16, bytes.Repeat([]byte{0xff}, 300)) {
		t.Fatalf("GetBlobU16() wrong content or error %v", err)
	}
	if c.Remaining() != 0 {
		t.Fatalf("Remaining() = %d, want 0", c.Remaining())
	}
}

func TestCursorShortRead(t *testing.T) {
	c := NewCursor([]byte{0x01})
	if _, err := c.GetU16(); err == nil {
		t.Fatal("GetU16() on 1 byte should error")
	}
}

func TestFrameEncodeDecodeIdentity(t *testing.T) {
	tests := []struct {
		name string
		f    Frame
	}{
		{"empty body", Frame{Code: 0x01, Body: nil}},
		{"small body", Frame{Code: 0x46, Body: []byte{1, 2, 3, 4}}},
		{"max body", Frame{Code: 0x40, Body: bytes.Repeat([]byte{0xab}, MaxBodyLength)}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := EncodeFrame(tc.f)
			if err != nil {
				t.Fatalf("EncodeFrame() error = %v", err)
			}
			got, err := DecodeFrame(raw)
			if err != nil {
				t.Fatalf("DecodeFrame() error = %v", err)
			}
			if got.Code != tc.f.Code || !bytes.Equal(got.Body, tc.f.Body) {
				t.Fatalf("DecodeFrame() = %+v, want %+v", got, tc.f)
			}
		})
	}
}

func TestEncodeFrameRejectsOverLong(t *testing.T) {
	_, err := EncodeFrame(Frame{Code: 0x01, Body: bytes.Repeat([]byte{0}, MaxBodyLength+1)})
	if err == nil {
		t.Fatal("EncodeFrame() should reject a body over MaxBodyLength")
	}
}

func TestDecodeFrameRejectsTruncated(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
	}{
		{"too short for header", []byte{0x01, 0x00}},
		{"declared length exceeds actual", []byte{0x01, 0x00, 0x05, 0x01, 0x02}},
		{"declared length exceeds max", append([]byte{0x01, 0xff, 0xff}, bytes.Repeat([]byte{0}, 10)...)},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeFrame(tc.raw); err == nil {
				t.Fatalf("DecodeFrame(%x) should have errored", tc.raw)
			}
		})
	}
}
