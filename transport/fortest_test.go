package transport

import (
	"context"
	"errors"
	"testing"
)

func TestPair(t *testing.T) {
	left, right := NewBufferPair(t.Context(), 1)

	left.WriteJSON("hello")

	var out string
	right.ReadJSON(&out)

	if out != "hello" {
		t.Errorf("bad send")
	}
}

func TestPairDecodeError(t *testing.T) {
	left, right := NewBufferPair(t.Context(), 2)

	WriteRaw(left, []byte(`{nope`))
	left.WriteJSON(123)

	var out int
	err := right.ReadJSON(&out)
	var de *DecodeError
	if !errors.As(err, &de) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if string(de.Raw) != `{nope` {
		t.Errorf("expected raw bytes, got %q", de.Raw)
	}

	if err := right.ReadJSON(&out); err != nil || out != 123 {
		t.Errorf("transport should survive decode error: out=%d err=%v", out, err)
	}
}

func TestPairClose(t *testing.T) {
	left, right := NewBufferPair(t.Context(), 0)

	cause := errors.New("bye")
	left.Close(cause)

	<-right.Context().Done()
	if got := context.Cause(right.Context()); got != cause {
		t.Errorf("expected cause to be shared, got %v", got)
	}

	var out string
	if err := right.ReadJSON(&out); err != cause {
		t.Errorf("expected read to fail with cause, got %v", err)
	}
}
