package transport

import (
	"context"
	"errors"
	"math/rand/v2"

	"github.com/coder/websocket"
)

const (
	skewBy = 0.20
)

func randomSkew() (skew float64) {
	return 1.0 - skewBy + rand.Float64()*(skewBy*2)
}

// closeFor returns the WebSocket close code and reason for the given cause.
func closeFor(err error) (code websocket.StatusCode, reason string) {
	var transportErr TransportError
	var closeErr websocket.CloseError

	if errors.As(err, &transportErr) {
		return TransportCloseCode, transportErr.Encode()
	} else if errors.As(err, &closeErr) {
		return closeErr.Code, closeErr.Reason
	} else if err == nil || errors.Is(err, context.Canceled) {
		return websocket.StatusNormalClosure, ""
	}
	// don't emit internal errors
	return websocket.StatusInternalError, ""
}
