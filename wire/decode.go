package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/samthor/blocksync/block"
	"github.com/samthor/blocksync/internal/tagged"
)

var (
	ErrMalformed   = errors.New("malformed message")
	ErrUnknownType = errors.New("unknown message type")
)

// DecodeClient decodes a message sent by a client.
// Errors wrap ErrMalformed or ErrUnknownType; an invalid operation inside a DocumentOperation also wraps block.ErrInvalid.
func DecodeClient(raw []byte) (msg ClientMessage, err error) {
	kind, err := tagged.Peek(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Type(kind) {
	case TypeDocumentOperation:
		var m DocumentOperation
		if err = decodeInto(raw, &m); err != nil {
			return nil, err
		}
		if m.Operation.Operation == nil {
			return nil, fmt.Errorf("%w: missing operation", ErrMalformed)
		}
		return m, nil

	case TypeCursorUpdate:
		var m CursorUpdate
		if err = decodeInto(raw, &m); err != nil {
			return nil, err
		}
		return m, nil

	case TypeRequestDocumentState:
		var m RequestDocumentState
		if err = decodeInto(raw, &m); err != nil {
			return nil, err
		}
		return m, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
}

// DecodeServer decodes a message sent by the server.
func DecodeServer(raw []byte) (msg ServerMessage, err error) {
	kind, err := tagged.Peek(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch Type(kind) {
	case TypeJoined:
		return decodeServerAs[Joined](raw)
	case TypeUserJoined:
		return decodeServerAs[UserJoined](raw)
	case TypeUserLeft:
		return decodeServerAs[UserLeft](raw)
	case TypeOperationBroadcast:
		return decodeServerAs[OperationBroadcast](raw)
	case TypeOperationAck:
		return decodeServerAs[OperationAck](raw)
	case TypeCursorUpdate:
		return decodeServerAs[CursorUpdate](raw)
	case TypeDocumentState:
		return decodeServerAs[DocumentState](raw)
	case TypeError:
		return decodeServerAs[Error](raw)
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownType, kind)
}

func decodeServerAs[T ServerMessage](raw []byte) (msg ServerMessage, err error) {
	var m T
	if err = decodeInto(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func decodeInto(raw []byte, v any) (err error) {
	err = json.Unmarshal(raw, v)
	if err == nil {
		return nil
	}
	if errors.Is(err, block.ErrInvalid) || errors.Is(err, block.ErrUnknownKind) {
		return fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformed, err)
}
