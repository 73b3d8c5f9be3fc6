package relay

import (
	"context"
	"errors"
)

var ErrUnauthorized = errors.New("unauthorized")

// Authenticator resolves a socket token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (userID string, err error)
}

// StaticTokens authenticates against a fixed token table.
type StaticTokens map[string]string

func (s StaticTokens) Authenticate(_ context.Context, token string) (string, error) {
	if userID, ok := s[token]; ok && token != "" {
		return userID, nil
	}
	return "", ErrUnauthorized
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (string, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (string, error) {
	return f(ctx, token)
}
