// Package wire implements the fixed-endian binary codec shared by every
// command and response record, plus the command/response frame layout
// used on top of a Transport.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MaxBodyLength is the largest frame body the device will accept.
const MaxBodyLength = 2028

// ErrInvalidFrame is returned when a frame's declared length does not
// match the bytes actually present, or exceeds MaxBodyLength.
var ErrInvalidFrame = errors.New("wire: invalid frame")

// Cursor is a forward-only reader over a byte slice used to decode
// fixed-width fields without allocating a bytes.Reader per call.
type Cursor struct {
	buf []byte
	off int
}

// NewCursor wraps buf for sequential decoding.
func NewCursor(buf []byte) *Cursor {
	return &Cursor{buf: buf}
}

// Remaining returns the number of unread bytes.
func (c *Cursor) Remaining() int {
	return len(c.buf) - c.off
}

// Rest returns every remaining byte without advancing the cursor.
func (c *Cursor) Rest() []byte {
	return c.buf[c.off:]
}

func (c *Cursor) take(n int) ([]byte, error) {
	if c.Remaining() < n {
		return nil, fmt.Errorf("wire: short read: need %d, have %d", n, c.Remaining())
	}
	b := c.buf[c.off : c.off+n]
	c.off += n
	return b, nil
}

// GetU8 reads one byte.
func (c *Cursor) GetU8() (uint8, error) {
	b, err := c.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// GetU16 reads a big-endian uint16.
func (c *Cursor) GetU16() (uint16, error) {
	b, err := c.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// GetU32 reads a big-endian uint32.
func (c *Cursor) GetU32() (uint32, error) {
	b, err := c.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// GetU64 reads a big-endian uint64.
func (c *Cursor) GetU64() (uint64, error) {
	b, err := c.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// GetBytes reads n raw bytes.
func (c *Cursor) GetBytes(n int) ([]byte, error) {
	return c.take(n)
}

// GetBlobU8 reads a u8 length prefix followed by that many bytes.
func (c *Cursor) GetBlobU8() ([]byte, error) {
	n, err := c.GetU8()
	if err != nil {
		return nil, err
	}
	return c.take(int(n))
}

// GetBlobU16 reads a u16 length prefix followed by that many bytes.
func (c *Cursor) GetBlobU16() ([]byte, error) {
	n, err := c.GetU16()
	if err != nil {
		return nil, err
	}
	return c.take(int(n))
}

// Builder accumulates encoded fields big-endian into one growable
// buffer.
type Builder struct {
	buf []byte
}

// NewBuilder returns an empty Builder, optionally pre-sized.
func NewBuilder(sizeHint int) *Builder {
	return &Builder{buf: make([]byte, 0, sizeHint)}
}

// PutU8 appends one byte.
func (b *Builder) PutU8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

// PutU16 appends a big-endian uint16.
func (b *Builder) PutU16(v uint16) *Builder {
	b.buf = append(b.buf, byte(v>>8), byte(v))
	return b
}

// PutU32 appends a big-endian uint32.
func (b *Builder) PutU32(v uint32) *Builder {
	b.buf = append(b.buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
	return b
}

// PutU64 appends a big-endian uint64.
func (b *Builder) PutU64(v uint64) *Builder {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	b.buf = append(b.buf, tmp[:]...)
	return b
}

// PutBytes appends raw bytes verbatim.
func (b *Builder) PutBytes(p []byte) *Builder {
	b.buf = append(b.buf, p...)
	return b
}

// PutBlobU8 appends a u8 length prefix followed by p.
func (b *Builder) PutBlobU8(p []byte) *Builder {
	b.PutU8(uint8(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

// PutBlobU16 appends a u16 length prefix followed by p.
func (b *Builder) PutBlobU16(p []byte) *Builder {
	b.PutU16(uint16(len(p)))
	b.buf = append(b.buf, p...)
	return b
}

// Bytes returns the accumulated buffer.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// Frame is the generic [code][len u16][body] layout shared by commands
// and responses.
type Frame struct {
	Code uint8
	Body []byte
}

// EncodeFrame serializes f, rejecting bodies over MaxBodyLength.
func EncodeFrame(f Frame) ([]byte, error) {
	if len(f.Body) > MaxBodyLength {
		return nil, fmt.Errorf("%w: body length %d exceeds max %d", ErrInvalidFrame, len(f.Body), MaxBodyLength)
	}
	out := NewBuilder(3 + len(f.Body))
	out.PutU8(f.Code)
	out.PutU16(uint16(len(f.Body)))
	out.PutBytes(f.Body)
	return out.Bytes(), nil
}

// DecodeFrame parses raw into a Frame, verifying the declared length
// matches what was actually received and that it fits MaxBodyLength.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < 3 {
		return Frame{}, fmt.Errorf("%w: too short (%d bytes)", ErrInvalidFrame, len(raw))
	}
	c := NewCursor(raw)
	code, _ := c.GetU8()
	length, _ := c.GetU16()
	if length > MaxBodyLength {
		return Frame{}, fmt.Errorf("%w: declared length %d exceeds max %d", ErrInvalidFrame, length, MaxBodyLength)
	}
	body := c.Rest()
	if len(body) != int(length) {
		return Frame{}, fmt.Errorf("%w: declared length %d, got %d bytes", ErrInvalidFrame, length, len(body))
	}
	return Frame{Code: code, Body: body}, nil
}
