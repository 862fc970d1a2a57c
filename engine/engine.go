// Package engine applies operations to a single replica of a document.
// It tracks locally originated operations until the server acknowledges them, and transforms remote operations against them.
//
// An Engine is owned by exactly one goroutine, or guarded by its owner; it is not safe for concurrent use.
package engine

import (
	"errors"
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/samthor/blocksync/block"
	"github.com/sanity-io/litter"
)

var (
	ErrNotInitialized = errors.New("engine: document not initialized")
)

// Engine is a replica of one document plus its pending local operations.
type Engine struct {
	doc     *block.Document
	pending []block.Operation
	ids     mapset.Set[string] // IDs in pending

	// tombstones holds every block ID seen deleted, so a late AddBlock for it stays deleted.
	tombstones mapset.Set[string]
}

// New returns an uninitialized Engine.
// Call InitDocument before anything else.
func New() *Engine {
	return &Engine{
		ids:        mapset.NewThreadUnsafeSet[string](),
		tombstones: mapset.NewThreadUnsafeSet[string](),
	}
}

// InitDocument resets this Engine to the given snapshot, discarding any pending operations.
func (e *Engine) InitDocument(id string, blocks []block.Block) {
	doc := block.Document{ID: id, Blocks: make([]block.Block, 0, len(blocks))}
	for _, b := range blocks {
		doc.Blocks = append(doc.Blocks, b.Clone())
	}
	e.doc = &doc
	e.pending = nil
	e.ids.Clear()
	e.tombstones.Clear()
}

// Reset clears the document and pending state, e.g., on disconnect.
func (e *Engine) Reset() {
	e.doc = nil
	e.pending = nil
	e.ids.Clear()
	e.tombstones.Clear()
}

// Initialized returns whether InitDocument has been called since the last Reset.
func (e *Engine) Initialized() bool {
	return e.doc != nil
}

// Apply applies the operation to the document.
// It returns false, not an error, if the operation's target no longer exists.
// If local is true and the operation is not a CursorMove, it is added to the pending set even if it did not apply, as it is still sent to the server and acknowledged.
func (e *Engine) Apply(op block.Operation, local bool) (applied bool, err error) {
	if e.doc == nil {
		return false, ErrNotInitialized
	}
	if op == nil {
		return false, nil
	}

	if local && op.Kind() != block.KindCursorMove && !e.ids.Contains(op.ID()) {
		e.pending = append(e.pending, op)
		e.ids.Add(op.ID())
	}

	return e.apply(op), nil
}

// apply never panics out: a single bad operation must not break a batch.
func (e *Engine) apply(op block.Operation) (applied bool) {
	defer func() {
		if r := recover(); r != nil {
			applied = false
		}
	}()

	switch op := op.(type) {
	case block.AddBlock:
		if e.tombstones.Contains(op.Block.ID) {
			return false
		}
	case block.DeleteBlock:
		e.tombstones.Add(op.BlockID)
	}

	return e.doc.Apply(op)
}

// Receive transforms a remote operation against the pending set and applies it.
func (e *Engine) Receive(remote block.Operation) (applied bool, err error) {
	if e.doc == nil {
		return false, ErrNotInitialized
	}

	op, ok := Transform(remote, e.pending)
	if !ok {
		return false, nil
	}
	return e.Apply(op, false)
}

// Pending returns the operations applied locally but not yet acknowledged, in application order.
func (e *Engine) Pending() []block.Operation {
	return slices.Clone(e.pending)
}

// Acknowledge retires the given operation from the pending set.
// Returns false if it was not pending.
func (e *Engine) Acknowledge(operationID string) (ok bool) {
	if !e.ids.Contains(operationID) {
		return false
	}
	e.ids.Remove(operationID)
	e.pending = slices.DeleteFunc(e.pending, func(op block.Operation) bool { return op.ID() == operationID })
	return true
}

// Document returns a copy of the current document.
func (e *Engine) Document() (doc block.Document, err error) {
	if e.doc == nil {
		return doc, ErrNotInitialized
	}
	return e.doc.Clone(), nil
}

// Block returns a copy of the block with the given ID.
func (e *Engine) Block(id string) (b block.Block, ok bool) {
	if e.doc == nil {
		return
	}
	found := e.doc.Lookup(id)
	if found == nil {
		return
	}
	return found.Clone(), true
}

// Dump renders the document and pending operations for debugging.
func (e *Engine) Dump() string {
	return litter.Sdump(struct {
		Document *block.Document
		Pending  []block.Operation
	}{e.doc, e.pending})
}
