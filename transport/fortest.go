package transport

import (
	"context"
	"encoding/json"
)

// NewBufferPair constructs two Transport interfaces that are connected to each other.
// Pass a buffer size, or zero for blocking.
// Internally uses channels, so write/read has those semantics.
// Closing either side closes both, like a socket.
func NewBufferPair(ctx context.Context, size int) (Transport, Transport) {
	pairCtx, cancel := context.WithCancelCause(ctx)

	ch1 := make(chan json.RawMessage, size)
	ch2 := make(chan json.RawMessage, size)

	l := &bufferTransport{ctx: pairCtx, cancel: cancel, readCh: ch1, writeCh: ch2}
	r := &bufferTransport{ctx: pairCtx, cancel: cancel, readCh: ch2, writeCh: ch1}
	return l, r
}

type bufferTransport struct {
	ctx     context.Context
	cancel  context.CancelCauseFunc
	readCh  <-chan json.RawMessage
	writeCh chan<- json.RawMessage
}

func (t *bufferTransport) Context() context.Context {
	return t.ctx
}

func (t *bufferTransport) Close(cause error) {
	t.cancel(cause)
}

func (t *bufferTransport) ReadJSON(v any) (err error) {
	select {
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	default:
	}

	select {
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	case raw := <-t.readCh:
		if err = json.Unmarshal(raw, v); err != nil {
			return &DecodeError{Raw: raw, Err: err}
		}
		return nil
	}
}

func (t *bufferTransport) WriteJSON(v any) (err error) {
	select {
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	default:
	}

	var b []byte
	b, err = json.Marshal(v)
	if err != nil {
		t.cancel(err)
		return err
	}

	select {
	case t.writeCh <- b:
		return nil // ok, sent!
	case <-t.ctx.Done():
		return context.Cause(t.ctx)
	}
}

// WriteRaw sends raw bytes as-is, for tests which need malformed input.
func WriteRaw(tr Transport, raw []byte) (ok bool) {
	t, isBuffer := tr.(*bufferTransport)
	if !isBuffer {
		return false
	}
	select {
	case t.writeCh <- raw:
		return true
	case <-t.ctx.Done():
		return false
	}
}
