// Package transport deals with JSON message connections between clients and the sync server.
// It includes a WebSocket handler, a client-side wrapper for sockets, and an in-memory pair for tests.
package transport

import (
	"context"
)

type Transport interface {
	// ReadJSON reads the next message available into the given target.
	// A message that cannot be decoded returns a *DecodeError and leaves the Transport open.
	ReadJSON(v any) (err error)

	// WriteJSON sends the given message.
	// Any failure closes the Transport.
	WriteJSON(v any) (err error)

	// Context returns a context which is Done when the underlying connection has closed.
	Context() (ctx context.Context)

	// Close shuts down this Transport with the given cause.
	// A TransportError or websocket.CloseError cause is sent to the remote end; nil is a normal closure.
	Close(cause error)
}
