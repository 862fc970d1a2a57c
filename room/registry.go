// Package room multiplexes live sessions per document.
//
// A Registry holds rooms in shards, so unrelated documents never contend on one lock.
// Each Room owns the authoritative copy of its document and a broadcast queue; every session drains that queue on its own goroutine, so a slow peer cannot stall the rest of the room.
package room

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/samthor/blocksync/block"
	"github.com/samthor/blocksync/store"
	"github.com/samthor/blocksync/wire"
)

const (
	DefaultShards      = 16
	DefaultMaxLag      = 1024
	DefaultSaveTimeout = 10 * time.Second
)

// ErrClosed is returned by Join after Shutdown.
var ErrClosed = errors.New("registry closed")

// Snapshots provides documents when rooms are created, and optionally takes them back when rooms close.
// A store.Store satisfies this.
type Snapshots interface {
	Load(ctx context.Context, id string) (block.Document, error)
	Save(ctx context.Context, doc block.Document) error
}

type Options struct {
	// Snapshots seeds new rooms. If nil, every room starts as a new document.
	Snapshots Snapshots

	// SaveOnClose saves a room's document when its last session leaves.
	SaveOnClose bool

	// Shards is the number of independently locked room maps.
	// Defaults to DefaultShards if zero.
	Shards int

	// MaxLag is the number of queued messages addressed to a session after which it is dropped.
	// Messages excluding the session do not count.
	// Defaults to DefaultMaxLag if zero; negative disables.
	MaxLag int

	// SaveTimeout bounds each save on close.
	SaveTimeout time.Duration

	Logger *slog.Logger
}

// Summary describes one live room.
type Summary struct {
	DocumentID string `json:"documentId"`
	Users      int    `json:"users"`
}

type shard struct {
	lock   sync.Mutex
	rooms  map[string]*Room
	saving map[string]chan struct{}
}

// Registry is the set of live rooms.
type Registry struct {
	opts    Options
	log     *slog.Logger
	shards  []*shard
	closing atomic.Bool
	live    sync.WaitGroup // rooms created but not yet closed and saved
}

// New builds a Registry.
func New(opts Options) *Registry {
	if opts.Shards <= 0 {
		opts.Shards = DefaultShards
	}
	if opts.MaxLag == 0 {
		opts.MaxLag = DefaultMaxLag
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = DefaultSaveTimeout
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	r := &Registry{opts: opts, log: log, shards: make([]*shard, opts.Shards)}
	for i := range r.shards {
		r.shards[i] = &shard{rooms: map[string]*Room{}, saving: map[string]chan struct{}{}}
	}
	return r
}

func (r *Registry) shardFor(id string) *shard {
	h := fnv.New32a()
	h.Write([]byte(id))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

func (r *Registry) loadSnapshot(ctx context.Context, id string) (doc block.Document, err error) {
	if r.opts.Snapshots == nil {
		return block.NewDocument(id), nil
	}
	doc, err = r.opts.Snapshots.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return block.NewDocument(id), nil
	} else if err != nil {
		return doc, fmt.Errorf("load %q: %w", id, err)
	}
	return doc, nil
}

// roomFor returns the live room for id, creating and loading it if needed.
func (r *Registry) roomFor(ctx context.Context, id string) (*Room, error) {
	sh := r.shardFor(id)

	for {
		sh.lock.Lock()
		if r.closing.Load() {
			sh.lock.Unlock()
			return nil, ErrClosed
		}
		rm, ok := sh.rooms[id]
		if !ok {
			rm = newRoom(r, id)
			sh.rooms[id] = rm
			after := sh.saving[id]
			r.live.Add(1)
			sh.lock.Unlock()

			rm.load(ctx, after)
			if rm.loadErr != nil {
				sh.lock.Lock()
				if sh.rooms[id] == rm {
					delete(sh.rooms, id)
				}
				sh.lock.Unlock()
				r.live.Done()
				return nil, rm.loadErr
			}
			r.log.Debug("room created", "doc", id)
			return rm, nil
		}
		sh.lock.Unlock()

		select {
		case <-rm.ready:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
		if rm.loadErr == nil {
			return rm, nil
		}
		// another joiner's load failed; try again ourselves
	}
}

// detach removes a closed room from its shard.
// Called under the room's lock. If save is set, a room created for the same id afterwards waits for finish to save this one.
func (r *Registry) detach(rm *Room, save bool) {
	sh := r.shardFor(rm.ID)
	sh.lock.Lock()
	defer sh.lock.Unlock()

	if sh.rooms[rm.ID] == rm {
		delete(sh.rooms, rm.ID)
	}
	if save && r.opts.SaveOnClose && r.opts.Snapshots != nil {
		sh.saving[rm.ID] = make(chan struct{})
	}
}

// finish runs after a room closed, outside of any lock.
func (r *Registry) finish(rm *Room, final block.Document) {
	defer r.live.Done()
	r.log.Debug("room closed", "doc", rm.ID)

	if !r.opts.SaveOnClose || r.opts.Snapshots == nil {
		return
	}

	sh := r.shardFor(rm.ID)
	sh.lock.Lock()
	done := sh.saving[rm.ID]
	sh.lock.Unlock()

	defer func() {
		sh.lock.Lock()
		if sh.saving[rm.ID] == done {
			delete(sh.saving, rm.ID)
		}
		sh.lock.Unlock()
		if done != nil {
			close(done)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.opts.SaveTimeout)
	defer cancel()
	if err := r.opts.Snapshots.Save(ctx, final); err != nil {
		r.log.Error("could not save document", "doc", rm.ID, "err", err)
	}
}

// Join registers s in the room for documentID, creating the room if needed.
// The session is sent the current document snapshot as a Joined message, and everyone else a UserJoined.
// Returns the room and its presence, including s.
func (r *Registry) Join(ctx context.Context, documentID string, s *Session) (rm *Room, users []wire.User, err error) {
	for {
		rm, err = r.roomFor(ctx, documentID)
		if err != nil {
			return nil, nil, err
		}
		users, err = rm.join(s)
		if err == nil {
			s.logger(r.log).Info("joined", "doc", documentID, "users", len(users))
			return rm, users, nil
		} else if !errors.Is(err, errRoomClosed) {
			return nil, nil, err
		}
		// closed under us after the last leave, so it is already detached
	}
}

// Leave removes s from its room, broadcasting UserLeft to the rest and ending the session.
// If the room becomes empty it is destroyed.
// Leaving twice, or leaving a session that never joined, does nothing.
func (r *Registry) Leave(s *Session) {
	defer s.cancel(nil)

	rm := s.room
	if rm == nil {
		return
	}
	closed, final := rm.leave(s)
	if !closed {
		return
	}
	s.logger(r.log).Info("left", "doc", rm.ID)
	r.finish(rm, final)
}

func (r *Registry) lookup(documentID string) *Room {
	sh := r.shardFor(documentID)
	sh.lock.Lock()
	defer sh.lock.Unlock()

	rm := sh.rooms[documentID]
	if rm == nil {
		return nil
	}
	select {
	case <-rm.ready:
		if rm.loadErr != nil {
			return nil
		}
		return rm
	default:
		return nil
	}
}

// Broadcast sends msg to every session in the room, except the given user if non-empty.
// A room that does not exist receives nothing.
func (r *Registry) Broadcast(documentID string, msg wire.ServerMessage, exceptUserID string) {
	if rm := r.lookup(documentID); rm != nil {
		rm.broadcast(msg, exceptUserID)
	}
}

// Presence returns the users in the room for documentID, or nil if there is no room.
func (r *Registry) Presence(documentID string) []wire.User {
	if rm := r.lookup(documentID); rm != nil {
		return rm.Presence()
	}
	return nil
}

func (r *Registry) allRooms() (out []*Room) {
	for _, sh := range r.shards {
		sh.lock.Lock()
		for _, rm := range sh.rooms {
			out = append(out, rm)
		}
		sh.lock.Unlock()
	}
	return out
}

// Rooms lists all live rooms, sorted by document ID.
func (r *Registry) Rooms() []Summary {
	out := []Summary{}
	for _, rm := range r.allRooms() {
		select {
		case <-rm.ready:
		default:
			continue
		}
		if rm.loadErr != nil {
			continue
		}
		if users := len(rm.Presence()); users > 0 {
			out = append(out, Summary{DocumentID: rm.ID, Users: users})
		}
	}
	slices.SortFunc(out, func(a, b Summary) int { return cmp.Compare(a.DocumentID, b.DocumentID) })
	return out
}

// Shutdown refuses new joins, closes every session with a normal closure, and waits for rooms to close and save.
// Sessions must still be passed to Leave by their owners, as happens when their read loops fail.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.closing.Store(true)
	for _, sh := range r.shards {
		// any roomFor that passed the closing check has now called live.Add
		sh.lock.Lock()
		sh.lock.Unlock()
	}

	for _, rm := range r.allRooms() {
		rm.closeAll(context.Canceled)
	}

	done := make(chan struct{})
	go func() {
		r.live.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
