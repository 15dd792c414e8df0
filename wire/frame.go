package wire

import (
	"errors"
	"fmt"
	"io"
	"math"
)

var (
	// ErrFrameTooLarge is returned when a payload does not fit the length field of the framing.
	ErrFrameTooLarge = errors.New("wire: payload too large for framing")
	// ErrShortResponse is returned when a node closes the connection mid-frame.
	ErrShortResponse = errors.New("wire: short response")
)

// Framing selects the width of the length field in request and response
// frames. Constrained nodes speak the 16-bit variant.
type Framing int

const (
	FramingLength32 Framing = iota
	FramingLength16
)

func (f Framing) String() string {
	switch f {
	case FramingLength16:
		return "length16"
	default:
		return "length32"
	}
}

func (f Framing) maxLength() int {
	if f == FramingLength16 {
		return math.MaxUint16
	}
	return math.MaxUint32
}

func (f Framing) appendLength(b *Builder, n int) error {
	if n > f.maxLength() {
		return fmt.Errorf("%w: %d bytes with %s framing", ErrFrameTooLarge, n, f)
	}
	if f == FramingLength16 {
		b.Uint16(uint16(n))
	} else {
		b.Uint32(uint32(n))
	}
	return nil
}

func (f Framing) readLength(r io.Reader) (int, error) {
	if f == FramingLength16 {
		var raw [2]byte
		if err := readFull(r, raw[:]); err != nil {
			return 0, err
		}
		v, _ := UnpackUint16(raw[:])
		return int(v), nil
	}

	var raw [4]byte
	if err := readFull(r, raw[:]); err != nil {
		return 0, err
	}
	v, _ := UnpackUint32(raw[:])
	return int(v), nil
}

// EncodeRequest frames a request as command:u16, length, payload.
func (f Framing) EncodeRequest(cmd Command, payload []byte) ([]byte, error) {
	b := NewBuilder(2 + 4 + len(payload)).Uint16(uint16(cmd))
	if err := f.appendLength(b, len(payload)); err != nil {
		return nil, err
	}
	return b.Raw(payload).Bytes(), nil
}

// ReadRequest decodes one request frame.
func (f Framing) ReadRequest(r io.Reader) (Command, []byte, error) {
	var raw [2]byte
	if err := readFull(r, raw[:]); err != nil {
		return 0, nil, err
	}
	cmd, _ := UnpackUint16(raw[:])

	n, err := f.readLength(r)
	if err != nil {
		return 0, nil, err
	}
	payload := make([]byte, n)
	if err := readFull(r, payload); err != nil {
		return 0, nil, err
	}
	return Command(cmd), payload, nil
}

// EncodeResult frames a response as status:u8, length, payload.
func (f Framing) EncodeResult(res *Result) ([]byte, error) {
	b := NewBuilder(1 + 4 + len(res.Payload)).Uint8(uint8(res.Code))
	if err := f.appendLength(b, len(res.Payload)); err != nil {
		return nil, err
	}
	return b.Raw(res.Payload).Bytes(), nil
}

// ReadResult decodes one response frame.
func (f Framing) ReadResult(r io.Reader) (*Result, error) {
	var code [1]byte
	if err := readFull(r, code[:]); err != nil {
		return nil, err
	}

	n, err := f.readLength(r)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, n)
	if err := readFull(r, payload); err != nil {
		return nil, err
	}
	return &Result{Code: ResultCode(code[0]), Payload: payload}, nil
}

func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: %v", ErrShortResponse, err)
		}
		return err
	}
	return nil
}
