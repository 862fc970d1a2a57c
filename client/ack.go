package client

import (
	"context"
	"sync"
)

// Ack resolves when the server acknowledges or rejects a submitted operation.
type Ack interface {
	// Wait for the ack. Returns the context error if it cancels first.
	Wait(ctx context.Context) error

	// Sync checks the ack immediately, returning false if not yet resolved.
	Sync() (error, bool)
}

type ackImpl struct {
	doneCh chan struct{}
	err    error
	once   sync.Once
}

func (a *ackImpl) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-a.doneCh:
	}
	return a.err
}

func (a *ackImpl) Sync() (err error, ok bool) {
	select {
	case <-a.doneCh:
	default:
		return
	}
	return a.err, true
}

func (a *ackImpl) resolve(err error) {
	// ignore additional calls
	a.once.Do(func() {
		a.err = err
		close(a.doneCh)
	})
}

func newAck() *ackImpl {
	return &ackImpl{doneCh: make(chan struct{})}
}
