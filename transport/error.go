package transport

import (
	"fmt"
	"strconv"
	"strings"
)

// TransportCloseCode is the WebSocket close code used for a TransportError.
const TransportCloseCode = 3000

// TransportError is an application error which closes a Transport.
// It is sent to the remote end as the close reason, encoded as "code:reason".
type TransportError struct {
	Code   int
	Reason string
}

func (te TransportError) Error() string {
	return fmt.Sprintf("transport error %d: %s", te.Code, te.Reason)
}

// Encode returns the close reason for this error.
// WebSocket close reasons are limited to 123 bytes, so long reasons are truncated.
func (te TransportError) Encode() string {
	s := strconv.Itoa(te.Code) + ":" + te.Reason
	if len(s) > 123 {
		s = s[:123]
	}
	return s
}

// DecodeTransportError parses a close reason created by Encode.
// A reason with no code is returned with a zero code.
func DecodeTransportError(reason string) (te TransportError) {
	code, rest, ok := strings.Cut(reason, ":")
	if !ok {
		te.Reason = reason
		return
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		te.Reason = reason
		return
	}
	return TransportError{Code: n, Reason: rest}
}

// DecodeError is returned by ReadJSON when a message arrives but is not valid for its target.
type DecodeError struct {
	Raw []byte
	Err error
}

func (de *DecodeError) Error() string {
	return "could not decode message: " + de.Err.Error()
}

func (de *DecodeError) Unwrap() error {
	return de.Err
}
