package wire

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Transport delivers a single request to a node and returns its response.
// Implementations do not interpret the result code.
type Transport interface {
	RoundTrip(ctx context.Context, addr string, cmd Command, payload []byte) (*Result, error)
}

// TCPTransport opens one TCP connection per request.
type TCPTransport struct {
	Framing Framing
	Dialer  net.Dialer
}

func NewTCPTransport(framing Framing) *TCPTransport {
	return &TCPTransport{Framing: framing}
}

func (t *TCPTransport) RoundTrip(ctx context.Context, addr string, cmd Command, payload []byte) (*Result, error) {
	frame, err := t.Framing.EncodeRequest(cmd, payload)
	if err != nil {
		return nil, err
	}

	conn, err := t.Dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to %s: %w", addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, err
		}
	}

	if _, err := conn.Write(frame); err != nil {
		return nil, fmt.Errorf("could not send %s to %s: %w", cmd, addr, err)
	}

	res, err := t.Framing.ReadResult(conn)
	if err != nil {
		return nil, fmt.Errorf("could not read %s response from %s: %w", cmd, addr, err)
	}
	return res, nil
}

// HandlerFunc answers one request. It backs LocalTransport and Serve.
type HandlerFunc func(ctx context.Context, addr string, cmd Command, payload []byte) (*Result, error)

// LocalTransport dispatches requests to an in-process handler instead of the network.
type LocalTransport struct {
	Handler HandlerFunc
}

func (t *LocalTransport) RoundTrip(ctx context.Context, addr string, cmd Command, payload []byte) (*Result, error) {
	if t.Handler == nil {
		return nil, errors.New("local transport has no handler")
	}
	return t.Handler(ctx, addr, cmd, payload)
}

// Exchange performs a round trip and converts a non-Ok status into a *ResultError.
func Exchange(ctx context.Context, t Transport, addr string, cmd Command, payload []byte) (*Result, error) {
	res, err := t.RoundTrip(ctx, addr, cmd, payload)
	if err != nil {
		return nil, err
	}
	if err := res.Check(cmd); err != nil {
		return res, err
	}
	return res, nil
}

// Serve answers framed requests on ln, one request per connection, until ln
// is closed. It is the node side of TCPTransport.
func Serve(ln net.Listener, framing Framing, handler HandlerFunc) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}

		go func(conn net.Conn) {
			defer conn.Close()

			cmd, payload, err := framing.ReadRequest(conn)
			if err != nil {
				return
			}

			res, err := handler(context.Background(), ln.Addr().String(), cmd, payload)
			if err != nil {
				res = &Result{Code: ResultInternalError}
			}

			frame, err := framing.EncodeResult(res)
			if err != nil {
				return
			}
			_, _ = conn.Write(frame)
		}(conn)
	}
}
