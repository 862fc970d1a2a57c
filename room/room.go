package room

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/samthor/blocksync/block"
	"github.com/samthor/blocksync/engine"
	"github.com/samthor/blocksync/queue"
	"github.com/samthor/blocksync/transport"
	"github.com/samthor/blocksync/wire"
)

var (
	// ErrSuperseded ends a session when the same user joins the same document again.
	ErrSuperseded = transport.TransportError{Code: 4001, Reason: "superseded"}

	// ErrSlowConsumer ends a session which falls too far behind its room.
	ErrSlowConsumer = transport.TransportError{Code: 4002, Reason: "slow consumer"}

	// ErrNotJoined is returned when acting for a session which is not (or no longer) in the room.
	ErrNotJoined = errors.New("session not joined")

	errRoomClosed = errors.New("room closed")
)

// outbound is a message in a room's queue.
// If to is set, only that session receives it; otherwise everyone but the except user does.
type outbound struct {
	msg    wire.ServerMessage
	to     *Session
	except string
}

func (o outbound) accepts(s *Session) bool {
	if o.to != nil {
		return o.to == s
	}
	return o.except == "" || o.except != s.UserID
}

// Room is the set of live sessions on one document, plus the authoritative copy of that document.
type Room struct {
	ID string

	reg     *Registry
	ready   chan struct{} // closed once loaded
	loadErr error

	lock     sync.Mutex
	engine   *engine.Engine
	sessions map[string]*Session
	seq      int
	closed   bool
	q        queue.Queue[outbound]
}

func newRoom(reg *Registry, id string) *Room {
	return &Room{
		ID:       id,
		reg:      reg,
		ready:    make(chan struct{}),
		engine:   engine.New(),
		sessions: map[string]*Session{},
		q:        queue.New[outbound](),
	}
}

// load seeds the room from the snapshot provider, after any pending save of the previous room completes.
func (rm *Room) load(ctx context.Context, after <-chan struct{}) {
	defer close(rm.ready)

	if after != nil {
		select {
		case <-after:
		case <-ctx.Done():
			rm.loadErr = context.Cause(ctx)
			return
		}
	}

	doc, err := rm.reg.loadSnapshot(ctx, rm.ID)
	if err != nil {
		rm.loadErr = err
		return
	}
	rm.engine.InitDocument(rm.ID, doc.Blocks)
}

// presence must be called under lock.
func (rm *Room) presence() []wire.User {
	all := make([]*Session, 0, len(rm.sessions))
	for _, s := range rm.sessions {
		all = append(all, s)
	}
	slices.SortFunc(all, func(a, b *Session) int { return cmp.Compare(a.seq, b.seq) })

	out := make([]wire.User, len(all))
	for i, s := range all {
		out[i] = s.user()
	}
	return out
}

// document must be called under lock.
func (rm *Room) document() block.Document {
	doc, err := rm.engine.Document()
	if err != nil {
		return block.Document{ID: rm.ID, Blocks: []block.Block{}}
	}
	return doc
}

// join registers s, superseding any session of the same user.
// Returns errRoomClosed if this room already closed; the caller should find a new room.
func (rm *Room) join(s *Session) (users []wire.User, err error) {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	if rm.closed {
		return nil, errRoomClosed
	}
	if rm.reg.closing.Load() {
		if len(rm.sessions) == 0 {
			rm.closed = true
			rm.reg.detach(rm, false)
			rm.reg.live.Done()
		}
		return nil, ErrClosed
	}

	prev := rm.sessions[s.UserID]
	if prev != nil {
		prev.state.Store(int32(Left))
		prev.cancel(ErrSuperseded)
	}

	rm.seq++
	s.seq = rm.seq
	s.room = rm
	rm.sessions[s.UserID] = s
	s.state.Store(int32(Joined))

	l := rm.q.Join(s.ctx, s.accepts)
	go s.write(l, rm.reg.opts.MaxLag, s.logger(rm.reg.log).With("doc", rm.ID))

	users = rm.presence()
	now := wire.Now()
	rm.q.Push(
		outbound{to: s, msg: wire.Joined{DocumentID: rm.ID, Document: rm.document(), ActiveUsers: users, Timestamp: now}},
	)
	if prev == nil {
		// a superseding session is already known to everyone else
		rm.q.Push(outbound{except: s.UserID, msg: wire.UserJoined{DocumentID: rm.ID, User: s.user(), Timestamp: now}})
	}
	return users, nil
}

// leave removes s. Returns true if the room is now empty and closed.
func (rm *Room) leave(s *Session) (closed bool, final block.Document) {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	if rm.sessions[s.UserID] != s {
		return false, final
	}
	delete(rm.sessions, s.UserID)
	s.state.Store(int32(Left))

	rm.q.Push(outbound{except: s.UserID, msg: wire.UserLeft{DocumentID: rm.ID, UserID: s.UserID, Timestamp: wire.Now()}})

	if len(rm.sessions) != 0 {
		return false, final
	}
	rm.closed = true
	rm.reg.detach(rm, true)
	return true, rm.document()
}

// member must be called under lock.
func (rm *Room) member(s *Session) bool {
	return !rm.closed && rm.sessions[s.UserID] == s
}

// Operate applies op to the room's document, broadcasts it to everyone else, then acknowledges it to s.
// Operations whose target is gone are still broadcast and acknowledged.
func (rm *Room) Operate(s *Session, op block.Operation) error {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	if !rm.member(s) {
		return ErrNotJoined
	}
	s.markActive()

	if _, err := rm.engine.Apply(op, false); err != nil {
		return err
	}

	now := wire.Now()
	rm.q.Push(
		outbound{except: s.UserID, msg: wire.OperationBroadcast{
			Operation: block.Op{Operation: op},
			UserID:    s.UserID,
			UserName:  s.UserName,
			Timestamp: now,
		}},
		outbound{to: s, msg: wire.OperationAck{OperationID: op.ID(), Success: true, Timestamp: now}},
	)
	return nil
}

// Relay sends a cursor update from s to everyone else, stamped with the session's identity.
func (rm *Room) Relay(s *Session, cu wire.CursorUpdate) error {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	if !rm.member(s) {
		return ErrNotJoined
	}
	s.markActive()

	cu.UserID = s.UserID
	cu.UserName = s.UserName
	cu.DocumentID = rm.ID
	cu.Color = s.Color
	if cu.Timestamp == 0 {
		cu.Timestamp = wire.Now()
	}
	rm.q.Push(outbound{except: s.UserID, msg: cu})
	return nil
}

// Resync sends s the current document and presence.
func (rm *Room) Resync(s *Session) error {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	if !rm.member(s) {
		return ErrNotJoined
	}
	s.markActive()

	rm.q.Push(outbound{to: s, msg: wire.DocumentState{
		Document:    rm.document(),
		ActiveUsers: rm.presence(),
		Timestamp:   wire.Now(),
	}})
	return nil
}

// Reply sends msg to s only, in order with everything else sent to s.
func (rm *Room) Reply(s *Session, msg wire.ServerMessage) error {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	if !rm.member(s) {
		return ErrNotJoined
	}
	rm.q.Push(outbound{to: s, msg: msg})
	return nil
}

// Document returns a copy of the room's current document.
func (rm *Room) Document() block.Document {
	rm.lock.Lock()
	defer rm.lock.Unlock()
	return rm.document()
}

// Presence returns the users in this room, in join order.
func (rm *Room) Presence() []wire.User {
	rm.lock.Lock()
	defer rm.lock.Unlock()
	return rm.presence()
}

func (rm *Room) broadcast(msg wire.ServerMessage, exceptUserID string) {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	if rm.closed {
		return
	}
	rm.q.Push(outbound{except: exceptUserID, msg: msg})
}

func (rm *Room) closeAll(cause error) {
	rm.lock.Lock()
	defer rm.lock.Unlock()

	for _, s := range rm.sessions {
		s.cancel(cause)
	}
}
