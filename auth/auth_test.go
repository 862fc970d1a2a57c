package auth

import (
	"errors"
	"net/http/httptest"
	"testing"
)

func TestTokens(t *testing.T) {
	v := Tokens{"secret": {UserID: "u1", UserName: "User One"}}

	r := httptest.NewRequest("GET", "/ws/doc", nil)
	r.Header.Set("Authorization", "Bearer secret")
	id, err := v.Verify(r)
	if err != nil || id.UserID != "u1" || id.UserName != "User One" {
		t.Errorf("header token: got %+v err=%v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws/doc?token=secret", nil)
	if id, err := v.Verify(r); err != nil || id.UserID != "u1" {
		t.Errorf("query token: got %+v err=%v", id, err)
	}

	for _, target := range []string{"/ws/doc", "/ws/doc?token=nope"} {
		r = httptest.NewRequest("GET", target, nil)
		if _, err := v.Verify(r); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("%s: expected ErrUnauthenticated, got %v", target, err)
		}
	}

	// a bad header is not rescued by the query
	r = httptest.NewRequest("GET", "/ws/doc?token=secret", nil)
	r.Header.Set("Authorization", "Basic secret")
	if _, err := v.Verify(r); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}

func TestDev(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/doc?userId=sam", nil)
	id, err := Dev{}.Verify(r)
	if err != nil || id.UserID != "sam" || id.UserName != "sam" {
		t.Errorf("got %+v err=%v", id, err)
	}

	r = httptest.NewRequest("GET", "/ws/doc", nil)
	if _, err := (Dev{}).Verify(r); !errors.Is(err, ErrUnauthenticated) {
		t.Errorf("expected ErrUnauthenticated, got %v", err)
	}
}
