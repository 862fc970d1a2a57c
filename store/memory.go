package store

import (
	"context"
	"slices"
	"sync"

	"github.com/samthor/blocksync/block"
)

// NewMemory returns a Store held in process memory.
func NewMemory() *Memory {
	return &Memory{docs: map[string]block.Document{}}
}

type Memory struct {
	lock sync.RWMutex
	docs map[string]block.Document
}

func (m *Memory) Load(ctx context.Context, id string) (block.Document, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	doc, ok := m.docs[id]
	if !ok {
		return block.Document{}, ErrNotFound
	}
	return doc.Clone(), nil
}

func (m *Memory) Save(ctx context.Context, doc block.Document) error {
	m.lock.Lock()
	defer m.lock.Unlock()

	m.docs[doc.ID] = doc.Clone()
	return nil
}

func (m *Memory) List(ctx context.Context) ([]string, error) {
	m.lock.RLock()
	defer m.lock.RUnlock()

	out := make([]string, 0, len(m.docs))
	for id := range m.docs {
		out = append(out, id)
	}
	slices.Sort(out)
	return out, nil
}
