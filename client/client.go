// Package client connects to a sync server and keeps a local replica of one document.
//
// Local operations apply immediately and are held as pending until acknowledged; remote operations are transformed against them.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/coder/websocket"
	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samthor/blocksync/block"
	"github.com/samthor/blocksync/engine"
	"github.com/samthor/blocksync/transport"
	"github.com/samthor/blocksync/wire"
	"golang.org/x/sync/errgroup"
)

var (
	ErrRejected = errors.New("operation rejected")
	ErrClosed   = errors.New("client closed")
)

// ServerError is an Error message from the server.
type ServerError struct {
	Code    string
	Message string
}

func (se *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", se.Code, se.Message)
}

// Event is passed to Options.OnEvent for every message from the server.
type Event struct {
	Message wire.ServerMessage

	// Applied is set for an OperationBroadcast which changed the local document.
	Applied bool
}

type Options struct {
	Dial   *websocket.DialOptions
	Logger *slog.Logger

	// OnEvent is called on the client's read goroutine; it must not block for long.
	OnEvent func(Event)
}

type Client struct {
	tr      transport.Transport
	log     *slog.Logger
	onEvent func(Event)
	group   *errgroup.Group

	lock       sync.Mutex
	documentID string
	engine     *engine.Engine
	presence   []wire.User
	cursors    map[string]wire.CursorUpdate
	acks       map[string]*ackImpl
	closed     error

	// resyncs holds, per outstanding Resync, the operations pending when it was requested.
	// Those are covered by the snapshot; anything submitted later is not.
	resyncs []mapset.Set[string]
}

// Dial connects to url, performs the handshake, and waits for the initial document.
func Dial(ctx context.Context, url string, opts Options) (*Client, error) {
	tr, _, err := transport.Dial(ctx, url, opts.Dial)
	if err != nil {
		return nil, err
	}
	return Start(tr, opts)
}

// Start runs a Client over an already connected Transport.
// It waits for the initial Joined message.
func Start(tr transport.Transport, opts Options) (*Client, error) {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		tr:      tr,
		log:     log,
		onEvent: opts.OnEvent,
		engine:  engine.New(),
		cursors: map[string]wire.CursorUpdate{},
		acks:    map[string]*ackImpl{},
	}

	msg, err := c.read()
	if err != nil {
		tr.Close(err)
		return nil, err
	}
	joined, ok := msg.(wire.Joined)
	if !ok {
		err = fmt.Errorf("expected %q, got %q", wire.TypeJoined, msg.MessageType())
		tr.Close(err)
		return nil, err
	}
	c.documentID = joined.DocumentID
	c.engine.InitDocument(joined.DocumentID, joined.Document.Blocks)
	c.presence = joined.ActiveUsers
	c.log = c.log.With("doc", joined.DocumentID)

	g, ctx := errgroup.WithContext(tr.Context())
	g.Go(c.readLoop)
	g.Go(func() error {
		<-ctx.Done()
		c.shutdown(context.Cause(ctx))
		return nil
	})
	c.group = g
	return c, nil
}

// read returns the next decodable message, skipping those which are not.
func (c *Client) read() (wire.ServerMessage, error) {
	for {
		var raw json.RawMessage
		err := c.tr.ReadJSON(&raw)

		var decodeErr *transport.DecodeError
		if errors.As(err, &decodeErr) {
			c.log.Warn("could not decode server message", "err", err)
			continue
		} else if err != nil {
			if te, ok := transport.CloseReason(err); ok {
				return nil, te
			}
			return nil, err
		}

		msg, err := wire.DecodeServer(raw)
		if err != nil {
			c.log.Warn("bad server message", "err", err)
			continue
		}
		return msg, nil
	}
}

func (c *Client) readLoop() error {
	for {
		msg, err := c.read()
		if err != nil {
			return err
		}
		ev := c.handle(msg)
		if c.onEvent != nil {
			c.onEvent(ev)
		}
	}
}

func (c *Client) handle(msg wire.ServerMessage) (ev Event) {
	ev.Message = msg

	c.lock.Lock()
	defer c.lock.Unlock()

	switch m := msg.(type) {
	case wire.OperationBroadcast:
		applied, err := c.engine.Receive(m.Operation.Operation)
		if err != nil {
			c.log.Warn("could not apply remote operation", "err", err)
		}
		ev.Applied = applied

	case wire.OperationAck:
		c.engine.Acknowledge(m.OperationID)
		if a := c.acks[m.OperationID]; a != nil {
			delete(c.acks, m.OperationID)
			if m.Success {
				a.resolve(nil)
			} else {
				a.resolve(ErrRejected)
			}
		}

	case wire.UserJoined:
		c.presence = slices.DeleteFunc(c.presence, func(u wire.User) bool { return u.UserID == m.User.UserID })
		c.presence = append(c.presence, m.User)

	case wire.UserLeft:
		c.presence = slices.DeleteFunc(c.presence, func(u wire.User) bool { return u.UserID == m.UserID })
		delete(c.cursors, m.UserID)

	case wire.CursorUpdate:
		c.cursors[m.UserID] = m

	case wire.DocumentState:
		c.reinit(m.Document)
		c.presence = m.ActiveUsers

	case wire.Joined:
		c.engine.InitDocument(m.DocumentID, m.Document.Blocks)
		c.presence = m.ActiveUsers

	case wire.Error:
		c.log.Warn("server error", "code", m.Code, "message", m.Message)
		opID := operationIDOf(m.Details)
		if a := c.acks[opID]; a != nil {
			// the server never applied this, so it is no longer pending either
			delete(c.acks, opID)
			c.engine.Acknowledge(opID)
			a.resolve(&ServerError{Code: m.Code, Message: m.Message})
		}
	}
	return ev
}

// reinit replaces the local document with a snapshot.
// Operations submitted after the matching Resync reached the server after the snapshot was taken, so they are reapplied and stay pending.
func (c *Client) reinit(doc block.Document) {
	covered := mapset.NewThreadUnsafeSet[string]()
	if len(c.resyncs) != 0 {
		covered = c.resyncs[0]
		c.resyncs = c.resyncs[1:]
	} else {
		for _, op := range c.engine.Pending() {
			covered.Add(op.ID())
		}
	}

	pending := c.engine.Pending()
	c.engine.InitDocument(doc.ID, doc.Blocks)
	for _, op := range pending {
		if covered.Contains(op.ID()) {
			continue
		}
		if _, err := c.engine.Apply(op, true); err != nil {
			c.log.Warn("could not reapply pending operation", "id", op.ID(), "err", err)
		}
	}
}

func operationIDOf(details any) string {
	m, ok := details.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m["operationId"].(string)
	return s
}

func (c *Client) shutdown(cause error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if cause == nil || errors.Is(cause, context.Canceled) {
		cause = ErrClosed
	}
	c.closed = cause
	for id, a := range c.acks {
		a.resolve(cause)
		delete(c.acks, id)
	}
}

// Header returns a Header for a new operation on this document.
func (c *Client) Header() block.Header {
	return block.Header{OperationID: block.NewID(), DocumentID: c.documentID}
}

// DocumentID returns the ID of the joined document.
func (c *Client) DocumentID() string {
	return c.documentID
}

// Submit applies op locally and sends it to the server.
// The returned Ack resolves when the server acknowledges or rejects it.
func (c *Client) Submit(op block.Operation) (Ack, error) {
	if err := block.Validate(op); err != nil {
		return nil, err
	}

	c.lock.Lock()
	if c.closed != nil {
		c.lock.Unlock()
		return nil, c.closed
	}
	if _, err := c.engine.Apply(op, true); err != nil {
		c.lock.Unlock()
		return nil, err
	}
	a := newAck()
	c.acks[op.ID()] = a

	// send under lock, so operations leave in the order they were applied
	err := c.tr.WriteJSON(wire.DocumentOperation{Operation: block.Op{Operation: op}, Timestamp: wire.Now()})
	if err != nil {
		delete(c.acks, op.ID())
		c.lock.Unlock()
		a.resolve(err)
		return a, err
	}
	c.lock.Unlock()
	return a, nil
}

// MoveCursor sends ephemeral cursor state to everyone else.
func (c *Client) MoveCursor(blockID *string, position int, selectionStart, selectionEnd *int) error {
	return c.tr.WriteJSON(wire.CursorUpdate{
		DocumentID:     c.documentID,
		BlockID:        blockID,
		Position:       position,
		SelectionStart: selectionStart,
		SelectionEnd:   selectionEnd,
		Timestamp:      wire.Now(),
	})
}

// Resync asks the server for the full document.
// When it arrives, the local document is replaced and operations pending at this call are discarded.
// Operations submitted after this call are kept.
func (c *Client) Resync() error {
	c.lock.Lock()
	defer c.lock.Unlock()

	covered := mapset.NewThreadUnsafeSet[string]()
	for _, op := range c.engine.Pending() {
		covered.Add(op.ID())
	}

	// send under lock, so the request is ordered against Submit
	err := c.tr.WriteJSON(wire.RequestDocumentState{DocumentID: c.documentID, Timestamp: wire.Now()})
	if err != nil {
		return err
	}
	c.resyncs = append(c.resyncs, covered)
	return nil
}

// Document returns a copy of the local replica.
func (c *Client) Document() (block.Document, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.engine.Document()
}

// Pending returns operations not yet acknowledged, in application order.
func (c *Client) Pending() []block.Operation {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.engine.Pending()
}

// Presence returns the users known to be in the room.
func (c *Client) Presence() []wire.User {
	c.lock.Lock()
	defer c.lock.Unlock()
	return slices.Clone(c.presence)
}

// Cursor returns the last cursor seen for the given user.
func (c *Client) Cursor(userID string) (cu wire.CursorUpdate, ok bool) {
	c.lock.Lock()
	defer c.lock.Unlock()
	cu, ok = c.cursors[userID]
	return
}

// Dump renders the local replica for debugging.
func (c *Client) Dump() string {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.engine.Dump()
}

// Close disconnects and waits for the client's goroutines.
// Pending operations are discarded.
func (c *Client) Close() error {
	c.tr.Close(nil)
	err := c.Wait()

	c.lock.Lock()
	defer c.lock.Unlock()
	c.engine.Reset()
	return err
}

// Wait blocks until the connection ends, returning why.
// A TransportError is returned if the server closed the connection with one.
func (c *Client) Wait() error {
	err := c.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
