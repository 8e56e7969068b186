package session

import (
	"net/http"

	"github.com/pkg/errors"
)

// ErrUnauthenticated is returned when a request carries no valid session.
var ErrUnauthenticated = errors.New("session: not authenticated")

// Identity is the user a session belongs to.
type Identity struct {
	UserID int64  `json:"id"`
	Email  string `json:"email"`
}

// Gate decides who is behind a request.
type Gate interface {
	CurrentIdentity(r *http.Request) (*Identity, error)
}

// GateFunc adapts a function to Gate.
type GateFunc func(r *http.Request) (*Identity, error)

func (f GateFunc) CurrentIdentity(r *http.Request) (*Identity, error) {
	return f(r)
}
