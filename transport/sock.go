package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// ClientReadLimit is the read limit of sockets created by Dial.
const ClientReadLimit = 16 << 20

type socketTransport struct {
	ctx    context.Context
	cancel context.CancelCauseFunc
	sock   *websocket.Conn
}

func (s *socketTransport) Context() context.Context {
	return s.ctx
}

func (s *socketTransport) Close(cause error) {
	s.cancel(cause)
}

func (s *socketTransport) ReadJSON(v any) error {
	var raw json.RawMessage
	err := wsjson.Read(s.ctx, s.sock, &raw)
	if err != nil {
		s.cancel(err)
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Raw: raw, Err: err}
	}
	return nil
}

func (s *socketTransport) WriteJSON(v any) error {
	err := wsjson.Write(s.ctx, s.sock, v)
	if err != nil {
		s.cancel(err)
	}
	return err
}

// SocketJSON wraps an open websocket.Conn, converting it to a Transport.
// It derives a new Context which is canceled if a Read/Write operation fails, and which closes the socket itself when done.
func SocketJSON(ctx context.Context, sock *websocket.Conn) Transport {
	socketCtx, cancel := context.WithCancelCause(ctx)

	context.AfterFunc(socketCtx, func() {
		code, reason := closeFor(context.Cause(socketCtx))
		sock.Close(code, reason)
	})

	return &socketTransport{
		ctx:    socketCtx,
		cancel: cancel,
		sock:   sock,
	}
}

// Dial connects to a server created with NewWebSocketHandler and performs the hello handshake.
// The returned Transport lives until ctx is done or it is closed.
func Dial(ctx context.Context, url string, opts *websocket.DialOptions) (tr Transport, resp HandshakeResponse, err error) {
	sock, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, resp, err
	}
	sock.SetReadLimit(ClientReadLimit) // snapshots can be large

	tr = SocketJSON(ctx, sock)
	if err = tr.WriteJSON(Hello{Type: "hello", Version: ProtocolVersion}); err != nil {
		return nil, resp, err
	}
	if err = tr.ReadJSON(&resp); err != nil {
		tr.Close(err)
		return nil, resp, err
	}
	if !resp.Ok {
		err = errors.New("handshake refused")
		tr.Close(err)
		return nil, resp, err
	}
	return tr, resp, nil
}

// CloseReason extracts the TransportError sent by the remote end, if any.
func CloseReason(err error) (te TransportError, ok bool) {
	if websocket.CloseStatus(err) != TransportCloseCode {
		return
	}
	var closeErr websocket.CloseError
	if !errors.As(err, &closeErr) {
		return
	}
	return DecodeTransportError(closeErr.Reason), true
}
