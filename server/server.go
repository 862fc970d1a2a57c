// Package server runs the per-connection message loop of the sync protocol, and the HTTP handler which upgrades connections to it.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/samthor/blocksync/auth"
	"github.com/samthor/blocksync/block"
	"github.com/samthor/blocksync/room"
	"github.com/samthor/blocksync/transport"
	"github.com/samthor/blocksync/wire"
)

var (
	// ErrShuttingDown closes connections which arrive after the registry is shut down.
	ErrShuttingDown = transport.TransportError{Code: 4003, Reason: "shutting down"}

	// ErrLoadFailed closes connections whose document could not be loaded.
	ErrLoadFailed = transport.TransportError{Code: 4004, Reason: "could not load document"}
)

type Options struct {
	Registry *room.Registry
	Verifier auth.Verifier
	Socket   transport.SocketOpts
	Logger   *slog.Logger
}

// NewHandler returns a handler which verifies the request, upgrades it, and serves one session.
// The document is the "documentId" path value, or the "documentId" query parameter.
func NewHandler(opts Options) http.Handler {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := opts.Verifier.Verify(r)
		if err != nil {
			log.Debug("rejected connection", "remote", r.RemoteAddr, "err", err)
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}

		documentID := r.PathValue("documentId")
		if documentID == "" {
			documentID = r.URL.Query().Get("documentId")
		}
		if documentID == "" {
			http.Error(w, "missing documentId", http.StatusBadRequest)
			return
		}

		h := transport.NewWebSocketHandler(opts.Socket, func(tr transport.Transport) error {
			return Serve(opts.Registry, id, documentID, tr, log)
		})
		h.ServeHTTP(w, r)
	})
}

// Serve joins the identity to the document's room and handles its messages until the Transport fails.
// It always leaves the room before returning.
func Serve(reg *room.Registry, id auth.Identity, documentID string, tr transport.Transport, log *slog.Logger) error {
	s := room.NewSession(id.UserID, id.UserName, tr)
	log = log.With("doc", documentID, "user", id.UserID, "conn", s.ConnID)

	rm, _, err := reg.Join(s.Context(), documentID, s)
	if errors.Is(err, room.ErrClosed) {
		return ErrShuttingDown
	} else if err != nil {
		log.Error("join failed", "err", err)
		return ErrLoadFailed
	}
	defer reg.Leave(s)

	for {
		var raw json.RawMessage
		err := s.ReadJSON(&raw)

		var decodeErr *transport.DecodeError
		if errors.As(err, &decodeErr) {
			rm.Reply(s, protocolError(wire.CodeInvalidMessage, decodeErr.Err))
			continue
		} else if err != nil {
			log.Debug("session ended", "err", err)
			return nil
		}

		if err := handle(rm, s, raw, log); errors.Is(err, room.ErrNotJoined) {
			return nil // superseded or left
		}
	}
}

// handle processes one inbound message.
// Problems with the message are answered with an Error to the sender only.
func handle(rm *room.Room, s *room.Session, raw []byte, log *slog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("panic handling message", "panic", r)
			err = rm.Reply(s, wire.Error{Code: wire.CodeInternal, Message: "internal error", Timestamp: wire.Now()})
		}
	}()

	msg, err := wire.DecodeClient(raw)
	if err != nil {
		return rm.Reply(s, errorFor(err))
	}

	switch m := msg.(type) {
	case wire.DocumentOperation:
		op := m.Operation.Operation
		if op.Document() != rm.ID {
			reply := protocolError(wire.CodeWrongDocument, fmt.Errorf("operation is for %q", op.Document()))
			reply.Details = map[string]string{"documentId": rm.ID, "operationId": op.ID()}
			return rm.Reply(s, reply)
		}
		if err := block.Validate(op); err != nil {
			reply := protocolError(wire.CodeInvalidOperation, err)
			reply.Details = map[string]string{"operationId": op.ID()}
			return rm.Reply(s, reply)
		}
		return rm.Operate(s, op)

	case wire.CursorUpdate:
		return rm.Relay(s, m)

	case wire.RequestDocumentState:
		if m.DocumentID != "" && m.DocumentID != rm.ID {
			return rm.Reply(s, protocolError(wire.CodeWrongDocument, fmt.Errorf("session is for %q", rm.ID)))
		}
		return rm.Resync(s)
	}

	return rm.Reply(s, protocolError(wire.CodeUnknownType, fmt.Errorf("unhandled %q", msg.MessageType())))
}

func errorFor(err error) wire.Error {
	switch {
	case errors.Is(err, block.ErrInvalid), errors.Is(err, block.ErrUnknownKind):
		return protocolError(wire.CodeInvalidOperation, err)
	case errors.Is(err, wire.ErrUnknownType):
		return protocolError(wire.CodeUnknownType, err)
	}
	return protocolError(wire.CodeInvalidMessage, err)
}

func protocolError(code string, err error) wire.Error {
	return wire.Error{Code: code, Message: err.Error(), Timestamp: wire.Now()}
}

// RoomsHandler serves the live rooms of reg as JSON.
func RoomsHandler(reg *room.Registry) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, reg.Rooms())
	})
}

// WriteJSON writes v as a JSON response.
func WriteJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
