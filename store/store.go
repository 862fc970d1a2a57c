// Package store loads and saves document snapshots.
// Rooms load a snapshot when they are created and may save the final document when they close.
package store

import (
	"context"
	"errors"

	"github.com/samthor/blocksync/block"
)

// ErrNotFound is returned by Load when no snapshot exists for the document.
var ErrNotFound = errors.New("document not found")

type Store interface {
	// Load returns the latest snapshot of the given document, or ErrNotFound.
	Load(ctx context.Context, id string) (block.Document, error)

	// Save replaces the snapshot of doc.ID.
	Save(ctx context.Context, doc block.Document) error

	// List returns the ids of all stored documents, sorted.
	List(ctx context.Context) ([]string, error)
}
