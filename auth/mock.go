package auth

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/doed/messenger/store"
)

// MockVerifier resolves the `x-uid` cookie straight to a user id, for
// development and tests. Never enable it in production.
type MockVerifier struct {
	Store store.IStore
}

func (v *MockVerifier) Verify(r *http.Request) (*store.User, error) {
	var uidStr string
	if c, err := r.Cookie("x-uid"); err == nil {
		uidStr = c.Value
	}
	if uidStr == "" {
		return nil, fmt.Errorf("empty x-uid cookie")
	}

	uid, err := strconv.ParseInt(uidStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("error parse x-uid as integer: %v", err)
	}

	user, err := v.Store.GetUser(r.Context(), uid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("unknown user id %d", uid)
	}
	return user, nil
}
