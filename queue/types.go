// Package queue provides a concurrent broadcast queue where every listener sees every event pushed after it joined.
package queue

import (
	"context"
	"iter"
	"sync"
)

type Queue[X any] interface {
	// Push adds more events to the queue.
	// All listeners currently waiting will receive at least one event before this method returns.
	// Returns true if any listener had consumed events that could then be trimmed.
	Push(all ...X) bool

	// Join returns a listener that provides all events passed with Push after this call completes.
	// If accept is non-nil, events for which it returns false are skipped by this listener.
	// If the context is cancelled, the listener becomes invalid and returns no/empty values.
	Join(ctx context.Context, accept func(X) bool) Listener[X]
}

type Listener[X any] interface {
	// Batch waits for and returns a slice of all available accepted events.
	// If the slice has zero-length, this listener is invalid/cancelled context.
	Batch() []X

	// BatchIter yields batches until this listener is invalid.
	BatchIter() iter.Seq[[]X]

	// Lag returns the number of accepted events pushed but not yet consumed by this listener.
	Lag() int
}

// New builds a new concurrent broadcast queue.
func New[X any]() (q Queue[X]) {
	return &queueImpl[X]{
		subs: make(map[int]int),
		cond: sync.NewCond(&sync.Mutex{}),
	}
}
