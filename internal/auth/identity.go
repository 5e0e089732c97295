// ABOUTME: Authenticated identity with role and scope checks
// ABOUTME: Provides WithIdentity/FromContext for propagating identity via context

package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
)

// Roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ScopeWildcard grants every scope.
const ScopeWildcard = "*"

// OperatorUserID is the user id of the shared-secret operator identity.
const OperatorUserID = "00000000-0000-0000-0000-000000000000"

// ErrForbidden is the root of every authorization failure.
var ErrForbidden = errors.New("forbidden")

// ScopeError reports a missing scope.
type ScopeError struct {
	Scope string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("Scope '%s' is required", e.Scope)
}

func (e *ScopeError) Unwrap() error { return ErrForbidden }

// Identity is who a connection or request acts as. It is fixed at
// authentication time.
type Identity struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Role     string   `json:"role"`
	Scopes   []string `json:"scopes"`
}

// DefaultScopes returns the scopes granted to a role when a credential
// carries none.
func DefaultScopes(role string) []string {
	if role == RoleAdmin {
		return []string{ScopeWildcard}
	}
	return []string{"health.read", "tasks.read"}
}

// OperatorIdentity is the identity granted to shared-secret credentials.
func OperatorIdentity() Identity {
	return Identity{
		UserID:   OperatorUserID,
		Username: "operator",
		Role:     RoleAdmin,
		Scopes:   []string{ScopeWildcard},
	}
}

// IsAdmin reports whether the identity has the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// HasScope reports whether the identity holds scope or the wildcard.
func (i Identity) HasScope(scope string) bool {
	return slices.Contains(i.Scopes, ScopeWildcard) || slices.Contains(i.Scopes, scope)
}

// RequireScope returns a *ScopeError unless the identity holds scope.
func (i Identity) RequireScope(scope string) error {
	if i.HasScope(scope) {
		return nil
	}
	return &ScopeError{Scope: scope}
}

type identityKey struct{}

// WithIdentity returns a context carrying id.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// FromContext returns the identity stored by WithIdentity.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
