package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/samthor/blocksync/auth"
	"github.com/samthor/blocksync/block"
	"github.com/samthor/blocksync/room"
	"github.com/samthor/blocksync/store"
	"github.com/samthor/blocksync/transport"
	"github.com/samthor/blocksync/wire"
	"github.com/sanity-io/litter"
)

var quietLog = slog.New(slog.DiscardHandler)

type conn struct {
	t    *testing.T
	tr   transport.Transport
	msgs chan wire.ServerMessage
}

func connect(t *testing.T, reg *room.Registry, userID string) *conn {
	local, remote := transport.NewBufferPair(t.Context(), 64)
	go Serve(reg, auth.Identity{UserID: userID, UserName: userID}, "doc", local, quietLog)
	return pump(t, remote)
}

func pump(t *testing.T, tr transport.Transport) *conn {
	c := &conn{t: t, tr: tr, msgs: make(chan wire.ServerMessage, 64)}
	go func() {
		defer close(c.msgs)
		for {
			var raw json.RawMessage
			if err := tr.ReadJSON(&raw); err != nil {
				return
			}
			msg, err := wire.DecodeServer(raw)
			if err != nil {
				t.Errorf("bad server message %s: %v", raw, err)
				return
			}
			c.msgs <- msg
		}
	}()
	return c
}

func (c *conn) send(v any) {
	if err := c.tr.WriteJSON(v); err != nil {
		c.t.Fatalf("send failed: %v", err)
	}
}

func (c *conn) read() wire.ServerMessage {
	c.t.Helper()
	select {
	case msg, ok := <-c.msgs:
		if !ok {
			c.t.Fatalf("connection closed")
		}
		return msg
	case <-time.After(time.Second):
		c.t.Fatalf("no message")
	}
	return nil
}

func (c *conn) expectError(code string) wire.Error {
	c.t.Helper()
	msg := c.read()
	e, ok := msg.(wire.Error)
	if !ok || e.Code != code {
		c.t.Fatalf("expected error %q, got %s", code, litter.Sdump(msg))
	}
	return e
}

func seededRegistry(t *testing.T) *room.Registry {
	m := store.NewMemory()
	m.Save(t.Context(), block.Document{ID: "doc", Blocks: []block.Block{
		{ID: "b1", Type: block.Paragraph, Content: "one"},
		{ID: "b2", Type: block.Paragraph, Content: "two"},
	}})
	return room.New(room.Options{Snapshots: m, Logger: quietLog})
}

func header(id string) block.Header {
	return block.Header{OperationID: id, DocumentID: "doc"}
}

func TestOperationFlow(t *testing.T) {
	reg := seededRegistry(t)
	a := connect(t, reg, "a")
	if _, ok := a.read().(wire.Joined); !ok {
		t.Fatal("expected joined")
	}
	b := connect(t, reg, "b")
	b.read()
	a.read() // userJoined

	bold := "bold"
	a.send(wire.DocumentOperation{Operation: block.Op{Operation: block.UpdateBlockFormatting{
		Header:     header("op1"),
		BlockID:    "b1",
		Formatting: block.Formatting{FontWeight: &bold},
	}}})

	bc, ok := b.read().(wire.OperationBroadcast)
	if !ok || bc.Operation.ID() != "op1" || bc.UserID != "a" {
		t.Errorf("bad broadcast: %s", litter.Sdump(bc))
	}
	ack, ok := a.read().(wire.OperationAck)
	if !ok || ack.OperationID != "op1" || !ack.Success {
		t.Errorf("bad ack: %s", litter.Sdump(ack))
	}

	b.send(wire.RequestDocumentState{DocumentID: "doc"})
	state, ok := b.read().(wire.DocumentState)
	if !ok {
		t.Fatal("expected state")
	}
	if f := state.Document.Blocks[0].FontWeight; f == nil || *f != "bold" {
		t.Errorf("formatting not applied: %s", litter.Sdump(state.Document))
	}
}

func TestCursorNeverApplied(t *testing.T) {
	reg := seededRegistry(t)
	a := connect(t, reg, "a")
	a.read()
	b := connect(t, reg, "b")
	b.read()
	a.read()

	blockID := "b1"
	a.send(wire.CursorUpdate{BlockID: &blockID, Position: 2})
	if cu, ok := b.read().(wire.CursorUpdate); !ok || cu.UserID != "a" {
		t.Errorf("expected relayed cursor, got %s", litter.Sdump(cu))
	}

	a.send(wire.DocumentOperation{Operation: block.Op{Operation: block.CursorMove{
		Header:  header("cm"),
		UserID:  "a",
		BlockID: &blockID,
	}}})
	b.read()
	a.read() // ack

	a.send(wire.RequestDocumentState{})
	state, ok := a.read().(wire.DocumentState)
	if !ok || len(state.Document.Blocks) != 2 || state.Document.Blocks[0].Content != "one" {
		t.Errorf("cursor changed the document: %s", litter.Sdump(state.Document))
	}
}

func TestProtocolErrors(t *testing.T) {
	reg := seededRegistry(t)
	a := connect(t, reg, "a")
	a.read()

	transport.WriteRaw(a.tr, []byte(`{not json`))
	a.expectError(wire.CodeInvalidMessage)

	a.send(map[string]any{"type": "bogus"})
	a.expectError(wire.CodeUnknownType)

	a.send(map[string]any{"type": "documentOperation", "operation": map[string]any{"type": "explode"}})
	a.expectError(wire.CodeInvalidOperation)

	a.send(wire.DocumentOperation{Operation: block.Op{Operation: block.DeleteBlock{
		Header:  block.Header{OperationID: "x", DocumentID: "other"},
		BlockID: "b1",
	}}})
	e := a.expectError(wire.CodeWrongDocument)
	if e.Details == nil {
		t.Errorf("expected details")
	}

	a.send(wire.DocumentOperation{Operation: block.Op{Operation: block.UpdateBlockType{
		Header:  header("y"),
		BlockID: "b1",
		NewType: "table",
	}}})
	a.expectError(wire.CodeInvalidOperation)

	// still alive, and nothing was applied
	a.send(wire.RequestDocumentState{DocumentID: "doc"})
	state, ok := a.read().(wire.DocumentState)
	if !ok || state.Document.Blocks[0].Type != block.Paragraph {
		t.Errorf("unexpected state: %s", litter.Sdump(state))
	}
}

func TestDisconnectLeaves(t *testing.T) {
	reg := seededRegistry(t)
	a := connect(t, reg, "a")
	a.read()
	b := connect(t, reg, "b")
	b.read()
	a.read()

	b.tr.Close(nil)

	left, ok := a.read().(wire.UserLeft)
	if !ok || left.UserID != "b" {
		t.Errorf("expected UserLeft for b, got %s", litter.Sdump(left))
	}
	if p := reg.Presence("doc"); len(p) != 1 {
		t.Errorf("expected one user left, got %+v", p)
	}
}

func TestHandler(t *testing.T) {
	reg := seededRegistry(t)
	mux := http.NewServeMux()
	mux.Handle("GET /ws/{documentId}", NewHandler(Options{
		Registry: reg,
		Verifier: auth.Tokens{"tok": {UserID: "u1", UserName: "User"}},
		Logger:   quietLog,
	}))
	mux.Handle("GET /rooms", RoomsHandler(reg))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	if _, _, err := transport.Dial(t.Context(), wsURL+"/ws/doc?token=bad", nil); err == nil {
		t.Errorf("expected unauthenticated dial to fail")
	}

	tr, _, err := transport.Dial(t.Context(), wsURL+"/ws/doc", &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer tok"}},
	})
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer tr.Close(nil)

	c := pump(t, tr)
	joined, ok := c.read().(wire.Joined)
	if !ok || len(joined.Document.Blocks) != 2 || joined.ActiveUsers[0].UserID != "u1" {
		t.Fatalf("bad joined: %s", litter.Sdump(joined))
	}

	resp, err := http.Get(srv.URL + "/rooms")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var rooms []room.Summary
	json.NewDecoder(resp.Body).Decode(&rooms)
	if len(rooms) != 1 || rooms[0].DocumentID != "doc" || rooms[0].Users != 1 {
		t.Errorf("unexpected rooms: %+v", rooms)
	}
}
