package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned when a payload ends before a fixed-width field.
var ErrShortBuffer = errors.New("wire: short buffer")

// All integers on the wire are big-endian and fixed width.

func PackUint8(v uint8) []byte {
	return []byte{v}
}

func PackUint16(v uint16) []byte {
	return binary.BigEndian.AppendUint16(nil, v)
}

func PackUint32(v uint32) []byte {
	return binary.BigEndian.AppendUint32(nil, v)
}

func UnpackUint16(b []byte) (uint16, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("%w: need 2 bytes, have %d", ErrShortBuffer, len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

func UnpackUint32(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: need 4 bytes, have %d", ErrShortBuffer, len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

// Builder assembles a payload field by field.
type Builder struct {
	buf []byte
}

func NewBuilder(capacity int) *Builder {
	return &Builder{buf: make([]byte, 0, capacity)}
}

func (b *Builder) Uint8(v uint8) *Builder {
	b.buf = append(b.buf, v)
	return b
}

func (b *Builder) Uint16(v uint16) *Builder {
	b.buf = binary.BigEndian.AppendUint16(b.buf, v)
	return b
}

func (b *Builder) Uint32(v uint32) *Builder {
	b.buf = binary.BigEndian.AppendUint32(b.buf, v)
	return b
}

func (b *Builder) Raw(data []byte) *Builder {
	b.buf = append(b.buf, data...)
	return b
}

// Sized appends data prefixed by its length as a u32.
func (b *Builder) Sized(data []byte) *Builder {
	return b.Uint32(uint32(len(data))).Raw(data)
}

func (b *Builder) Len() int {
	return len(b.buf)
}

func (b *Builder) Bytes() []byte {
	return b.buf
}

// Reader consumes fixed-width fields from a payload.
type Reader struct {
	buf []byte
	off int
}

func NewReader(data []byte) *Reader {
	return &Reader{buf: data}
}

func (r *Reader) Uint8() (uint8, error) {
	if r.Remaining() < 1 {
		return 0, fmt.Errorf("%w: need 1 byte at offset %d", ErrShortBuffer, r.off)
	}
	v := r.buf[r.off]
	r.off++
	return v, nil
}

func (r *Reader) Uint16() (uint16, error) {
	v, err := UnpackUint16(r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += 2
	return v, nil
}

func (r *Reader) Uint32() (uint32, error) {
	v, err := UnpackUint32(r.buf[r.off:])
	if err != nil {
		return 0, err
	}
	r.off += 4
	return v, nil
}

// Next returns the next n bytes.
func (r *Reader) Next(n int) ([]byte, error) {
	if n < 0 || r.Remaining() < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, r.off, r.Remaining())
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v, nil
}

// Sized reads a u32 length followed by that many bytes.
func (r *Reader) Sized() ([]byte, error) {
	n, err := r.Uint32()
	if err != nil {
		return nil, err
	}
	return r.Next(int(n))
}

// Rest returns everything not consumed yet.
func (r *Reader) Rest() []byte {
	v := r.buf[r.off:]
	r.off = len(r.buf)
	return v
}

func (r *Reader) Remaining() int {
	return len(r.buf) - r.off
}
