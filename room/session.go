package room

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/samthor/blocksync/queue"
	"github.com/samthor/blocksync/transport"
	"github.com/samthor/blocksync/wire"
	"github.com/taylorza/go-lfsr"
)

// State is the lifecycle position of a Session.
type State int32

const (
	Connecting State = iota
	Joined
	Active
	Left
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Joined:
		return "joined"
	case Active:
		return "active"
	case Left:
		return "left"
	}
	return "unknown"
}

// palette holds presence colors; users are assigned one by hash of their ID.
var palette = []string{
	"#e6194b", "#3cb44b", "#4363d8", "#f58231",
	"#911eb4", "#42d4f4", "#f032e6", "#469990",
	"#9a6324", "#800000", "#808000", "#000075",
}

// ColorFor returns the stable presence color for the given user.
func ColorFor(userID string) string {
	h := fnv.New32a()
	h.Write([]byte(userID))
	return palette[h.Sum32()%uint32(len(palette))]
}

var (
	connLock sync.Mutex
	connGen  = lfsr.NewLfsr32(rand.Uint32())
)

// nextConnID returns a non-zero ID that does not repeat for ~2^32 calls.
func nextConnID() uint32 {
	connLock.Lock()
	defer connLock.Unlock()

	for {
		id, _ := connGen.Next()
		if id != 0 {
			return id
		}
	}
}

// Session is one live connection of a user to a document.
type Session struct {
	UserID   string
	UserName string
	Color    string
	ConnID   uint32

	tr     transport.Transport
	ctx    context.Context
	cancel context.CancelCauseFunc
	state  atomic.Int32

	room *Room // set on join, under the room's lock
	seq  int   // join order within the room
}

// NewSession wraps a Transport for the given identity.
// The session ends when the Transport does, or when canceled, and closes the Transport with its cause.
func NewSession(userID, userName string, tr transport.Transport) *Session {
	ctx, cancel := context.WithCancelCause(tr.Context())
	s := &Session{
		UserID:   userID,
		UserName: userName,
		Color:    ColorFor(userID),
		ConnID:   nextConnID(),
		tr:       tr,
		ctx:      ctx,
		cancel:   cancel,
	}
	context.AfterFunc(ctx, func() {
		tr.Close(context.Cause(ctx))
	})
	return s
}

// Context is done when this session ends.
func (s *Session) Context() context.Context {
	return s.ctx
}

// Close ends this session with the given cause.
// It does not leave the room; see Registry.Leave.
func (s *Session) Close(cause error) {
	s.cancel(cause)
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// markActive moves Joined to Active on the first inbound message.
func (s *Session) markActive() {
	s.state.CompareAndSwap(int32(Joined), int32(Active))
}

// Room returns the room this session joined, or nil.
func (s *Session) Room() *Room {
	return s.room
}

// ReadJSON reads the next inbound message from this session's Transport.
func (s *Session) ReadJSON(v any) error {
	return s.tr.ReadJSON(v)
}

func (s *Session) user() wire.User {
	return wire.User{UserID: s.UserID, UserName: s.UserName, Color: s.Color, IsOnline: true}
}

func (s *Session) logger(base *slog.Logger) *slog.Logger {
	return base.With("user", s.UserID, "conn", s.ConnID)
}

// write drains this session's view of its room queue onto the Transport.
// It runs until the session ends.
func (s *Session) write(l queue.Listener[outbound], maxLag int, log *slog.Logger) {
	for batch := range l.BatchIter() {
		for _, o := range batch {
			if err := s.tr.WriteJSON(o.msg); err != nil {
				if s.ctx.Err() == nil {
					log.Warn("write to session failed", "type", o.msg.MessageType(), "err", err)
				}
				s.cancel(err)
				return
			}
		}

		if maxLag > 0 && l.Lag() > maxLag {
			log.Warn("session too slow, dropping", "lag", l.Lag())
			s.cancel(ErrSlowConsumer)
			return
		}
	}
}

func (s *Session) accepts(o outbound) bool {
	return o.accepts(s)
}
