// ABOUTME: Operator shared secret stored as a bcrypt hash
// ABOUTME: A verified secret grants the fixed operator identity

package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrNoSharedSecret means no operator secret is configured.
	ErrNoSharedSecret = errors.New("shared secret authentication is not configured")

	// ErrInvalidSecret means the presented secret did not match.
	ErrInvalidSecret = errors.New("invalid shared secret")
)

// SharedSecret verifies operator passwords against a bcrypt hash.
type SharedSecret struct {
	hash []byte
}

// NewSharedSecret wraps a bcrypt hash. An empty hash disables the secret.
func NewSharedSecret(hash string) (*SharedSecret, error) {
	if hash == "" {
		return &SharedSecret{}, nil
	}
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("shared secret is not a bcrypt hash: %w", err)
	}
	return &SharedSecret{hash: []byte(hash)}, nil
}

// HashSecret bcrypts a plaintext secret for configuration.
func HashSecret(plain string) (string, error) {
	if plain == "" {
		return "", errors.New("secret must not be empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(h), nil
}

// Configured reports whether a hash is set.
func (s *SharedSecret) Configured() bool {
	return s != nil && len(s.hash) > 0
}

// Verify checks password against the configured hash.
func (s *SharedSecret) Verify(password string) error {
	if !s.Configured() {
		return ErrNoSharedSecret
	}
	if err := bcrypt.CompareHashAndPassword(s.hash, []byte(password)); err != nil {
		return ErrInvalidSecret
	}
	return nil
}
