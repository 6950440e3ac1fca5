package arming

import (
	"context"
	"crypto/subtle"
	"errors"
)

var ErrInvalidCode = errors.New("invalid code")

// Authorizer validates an operator code. Implementations return
// ErrInvalidCode for a bad credential.
type Authorizer interface {
	Authorize(ctx context.Context, code string) error
}

// StaticCodes accepts any of a fixed set of user codes, keyed by user name.
type StaticCodes map[string]string

func (s StaticCodes) Authorize(_ context.Context, code string) error {
	if code == "" {
		return ErrInvalidCode
	}
	ok := 0
	for _, c := range s {
		ok |= subtle.ConstantTimeCompare([]byte(c), []byte(code))
	}
	if ok != 1 {
		return ErrInvalidCode
	}
	return nil
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(ctx context.Context, code string) error

func (f AuthorizerFunc) Authorize(ctx context.Context, code string) error {
	return f(ctx, code)
}
