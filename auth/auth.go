// Package auth verifies who is connecting, before any socket is upgraded.
package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no acceptable identity.
var ErrUnauthenticated = errors.New("unauthenticated")

// Identity is a verified user.
type Identity struct {
	UserID   string `json:"user_id" yaml:"user_id"`
	UserName string `json:"user_name" yaml:"user_name"`
}

type Verifier interface {
	// Verify returns the identity of the request, or an error wrapping ErrUnauthenticated.
	Verify(r *http.Request) (Identity, error)
}

// VerifierFunc adapts a function to a Verifier.
type VerifierFunc func(r *http.Request) (Identity, error)

func (f VerifierFunc) Verify(r *http.Request) (Identity, error) {
	return f(r)
}

// Tokens maps bearer tokens to identities.
// The token is read from the "Authorization: Bearer" header, or the "token" query parameter since browsers cannot set headers on WebSocket requests.
type Tokens map[string]Identity

func (t Tokens) Verify(r *http.Request) (id Identity, err error) {
	token := bearer(r)
	if token == "" {
		return id, ErrUnauthenticated
	}
	for known, id := range t {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return id, nil
		}
	}
	return id, ErrUnauthenticated
}

func bearer(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Dev trusts the "userId" and "userName" query parameters.
// Only for development.
type Dev struct{}

func (Dev) Verify(r *http.Request) (id Identity, err error) {
	q := r.URL.Query()
	id.UserID = q.Get("userId")
	if id.UserID == "" {
		return id, ErrUnauthenticated
	}
	id.UserName = q.Get("userName")
	if id.UserName == "" {
		id.UserName = id.UserID
	}
	return id, nil
}
