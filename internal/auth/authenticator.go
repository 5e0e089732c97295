// ABOUTME: Credential authenticator combining access tokens and the operator secret
// ABOUTME: Used by both the socket handshake and the REST bearer middleware

package auth

import (
	"context"
	"errors"
)

// ErrNoCredential is returned when neither a token nor a password is given.
var ErrNoCredential = errors.New("no credential provided")

// Credential is what a client presents. Token takes precedence.
type Credential struct {
	Token    string
	Password string
}

// Authenticator turns credentials into identities.
type Authenticator struct {
	tokens TokenVerifier
	secret *SharedSecret
}

// NewAuthenticator creates an authenticator. secret may be nil.
func NewAuthenticator(tokens TokenVerifier, secret *SharedSecret) *Authenticator {
	return &Authenticator{tokens: tokens, secret: secret}
}

// Authenticate verifies c and returns the identity it grants.
func (a *Authenticator) Authenticate(ctx context.Context, c Credential) (Identity, error) {
	switch {
	case c.Token != "":
		claims, err := a.tokens.Verify(c.Token)
		if err != nil {
			return Identity{}, err
		}
		return claims.Identity(), nil
	case c.Password != "":
		if err := a.secret.Verify(c.Password); err != nil {
			return Identity{}, err
		}
		return OperatorIdentity(), nil
	default:
		return Identity{}, ErrNoCredential
	}
}
