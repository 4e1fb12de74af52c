// Package auth resolves bearer tokens to users and keeps user profiles.
//
// Sign-in flows live outside tally: an identity provider issues tokens and
// this package only maps them to a User. A nil *User means anonymous.
package auth

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrInvalidToken is returned for an unknown or malformed token.
	ErrInvalidToken = errors.New("auth: invalid token")

	// ErrProfileNotFound is returned when a user has no profile.
	ErrProfileNotFound = errors.New("auth: profile not found")
)

// User is an authenticated principal.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
}

// Provider resolves a bearer token. An empty token resolves to a nil user
// and no error.
type Provider interface {
	Authenticate(ctx context.Context, token string) (*User, error)
}

type userCtxKey struct{}

// WithUser attaches u to ctx.
func WithUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userCtxKey{}, u)
}

// UserFromCtx returns the user attached to ctx, or nil.
func UserFromCtx(ctx context.Context) *User {
	u, _ := ctx.Value(userCtxKey{}).(*User)
	return u
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return ""
	}
	return strings.TrimSpace(token)
}
