package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/doed/messenger/store"
)

const cookieName = "access_token"

// JWTVerifier validates HS256 session tokens issued by the login
// service. The `sub` claim carries the username; the token arrives in
// the access_token cookie (with an optional `Bearer ` prefix, the way
// the login service sets it) or in the Authorization header.
type JWTVerifier struct {
	secret []byte
	store  store.IStore
}

func NewJWTVerifier(secret []byte, s store.IStore) *JWTVerifier {
	return &JWTVerifier{secret: secret, store: s}
}

func credentialFromRequest(r *http.Request) string {
	if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return r.Header.Get("Authorization")
}

func (v *JWTVerifier) Verify(r *http.Request) (*store.User, error) {
	raw := credentialFromRequest(r)
	if raw == "" {
		return nil, fmt.Errorf("missing credential")
	}
	raw = strings.TrimPrefix(raw, "Bearer ")

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %v", err)
	}
	if !token.Valid || claims.Subject == "" {
		return nil, fmt.Errorf("invalid token")
	}

	user, err := v.store.GetUserByName(r.Context(), claims.Subject)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, fmt.Errorf("unknown user %q", claims.Subject)
	}
	return user, nil
}
