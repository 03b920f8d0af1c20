package auth

import (
	"net/http"

	"github.com/doed/messenger/store"
)

// Verifier resolves the session credential on an incoming request to a
// user identity. It is called once per connection, before any session
// state exists; the identity is trusted for the connection's lifetime.
type Verifier interface {
	Verify(r *http.Request) (*store.User, error)
}
