package wire

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuilderReader(t *testing.T) {
	payload := NewBuilder(0).
		Uint16(0x0102).
		Uint8(0x03).
		Uint32(0x04050607).
		Sized([]byte("abc")).
		Raw([]byte{0xff}).
		Bytes()

	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0, 0, 0, 3, 'a', 'b', 'c', 0xff}, payload)

	r := NewReader(payload)
	v16, err := r.Uint16()
	require.NoError(t, err)
	require.Equal(t, uint16(0x0102), v16)

	v8, err := r.Uint8()
	require.NoError(t, err)
	require.Equal(t, uint8(3), v8)

	v32, err := r.Uint32()
	require.NoError(t, err)
	require.Equal(t, uint32(0x04050607), v32)

	sized, err := r.Sized()
	require.NoError(t, err)
	require.Equal(t, []byte("abc"), sized)

	require.Equal(t, []byte{0xff}, r.Rest())
	require.Equal(t, 0, r.Remaining())

	_, err = r.Uint16()
	require.ErrorIs(t, err, ErrShortBuffer)
}

func TestUnpackShort(t *testing.T) {
	_, err := UnpackUint16([]byte{1})
	require.ErrorIs(t, err, ErrShortBuffer)

	_, err = UnpackUint32([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrShortBuffer)

	v, err := UnpackUint32(PackUint32(0xdeadbeef))
	require.NoError(t, err)
	require.Equal(t, uint32(0xdeadbeef), v)
}

func TestFraming(t *testing.T) {
	tests := []struct {
		name     string
		framing  Framing
		expected []byte
	}{
		{
			name:     "32-bit length",
			framing:  FramingLength32,
			expected: []byte{0x00, 0x03, 0x00, 0x00, 0x00, 0x02, 0xaa, 0xbb},
		},
		{
			name:     "16-bit length",
			framing:  FramingLength16,
			expected: []byte{0x00, 0x03, 0x00, 0x02, 0xaa, 0xbb},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := tt.framing.EncodeRequest(CommandLoad, []byte{0xaa, 0xbb})
			require.NoError(t, err)
			require.Equal(t, tt.expected, frame)

			cmd, payload, err := tt.framing.ReadRequest(bytes.NewReader(frame))
			require.NoError(t, err)
			require.Equal(t, CommandLoad, cmd)
			require.Equal(t, []byte{0xaa, 0xbb}, payload)

			resFrame, err := tt.framing.EncodeResult(&Result{Code: ResultCryptoError, Payload: []byte{1}})
			require.NoError(t, err)
			res, err := tt.framing.ReadResult(bytes.NewReader(resFrame))
			require.NoError(t, err)
			require.Equal(t, ResultCryptoError, res.Code)
			require.Equal(t, []byte{1}, res.Payload)
		})
	}
}

func TestFramingTooLarge(t *testing.T) {
	_, err := FramingLength16.EncodeRequest(CommandLoad, make([]byte, 70000))
	require.ErrorIs(t, err, ErrFrameTooLarge)

	_, err = FramingLength32.EncodeRequest(CommandLoad, make([]byte, 70000))
	require.NoError(t, err)
}

func TestReadResultShort(t *testing.T) {
	_, err := FramingLength32.ReadResult(bytes.NewReader([]byte{0x00, 0x00, 0x00, 0x00, 0x05, 0x01}))
	require.ErrorIs(t, err, ErrShortResponse)

	_, err = FramingLength32.ReadResult(bytes.NewReader(nil))
	require.ErrorIs(t, err, ErrShortResponse)
}

func TestTCPTransportRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go Serve(ln, FramingLength32, func(ctx context.Context, addr string, cmd Command, payload []byte) (*Result, error) {
		switch cmd {
		case CommandPing:
			return &Result{Code: ResultOk}, nil
		case CommandCall:
			return &Result{Code: ResultOk, Payload: append([]byte("echo:"), payload...)}, nil
		default:
			return &Result{Code: ResultIllegalCommand}, nil
		}
	})

	transport := NewTCPTransport(FramingLength32)
	ctx := context.Background()

	res, err := Exchange(ctx, transport, ln.Addr().String(), CommandCall, []byte("hi"))
	require.NoError(t, err)
	require.Equal(t, []byte("echo:hi"), res.Payload)

	_, err = Exchange(ctx, transport, ln.Addr().String(), CommandPing, nil)
	require.NoError(t, err)

	_, err = Exchange(ctx, transport, ln.Addr().String(), CommandLoad, []byte{1})
	var resErr *ResultError
	require.True(t, errors.As(err, &resErr))
	require.Equal(t, CommandLoad, resErr.Command)
	require.Equal(t, ResultIllegalCommand, resErr.Code)
}

func TestTCPTransportConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewTCPTransport(FramingLength32).RoundTrip(context.Background(), addr, CommandPing, nil)
	require.Error(t, err)
}

func TestLocalTransport(t *testing.T) {
	var seen []Command
	transport := &LocalTransport{Handler: func(ctx context.Context, addr string, cmd Command, payload []byte) (*Result, error) {
		seen = append(seen, cmd)
		return &Result{Code: ResultOk}, nil
	}}

	_, err := Exchange(context.Background(), transport, "node", CommandConnect, nil)
	require.NoError(t, err)
	require.Equal(t, []Command{CommandConnect}, seen)

	_, err = (&LocalTransport{}).RoundTrip(context.Background(), "node", CommandPing, nil)
	require.Error(t, err)
}

func TestNames(t *testing.T) {
	require.Equal(t, "RegisterEntrypoint", CommandRegisterEntrypoint.String())
	require.Equal(t, "Command(99)", Command(99).String())
	require.Equal(t, "CryptoError", ResultCryptoError.String())
	require.Equal(t, "reactive command Call failed with code BadRequest", (&ResultError{Command: CommandCall, Code: ResultBadRequest}).Error())
}
