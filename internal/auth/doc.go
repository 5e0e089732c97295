// Package auth verifies gateway credentials and carries the resulting
// identity through request handling.
//
// # Credentials
//
// Two credential kinds are accepted:
//
//   - Access tokens: HS256 JWTs carrying sub, username, role and an
//     optional scope list. Tokens without scopes get role defaults.
//   - Shared secret: a bcrypt-hashed operator secret for local tooling.
//     A verified secret maps to the fixed operator identity with the
//     admin role and the wildcard scope.
//
// Revoked tokens are tracked by jti in memory until they would have
// expired anyway.
//
// # Scopes
//
// Every dispatcher method names a scope. The wildcard scope "*" grants
// all of them:
//
//	if err := id.RequireScope("tasks.write"); err != nil {
//	    // errors.Is(err, ErrForbidden)
//	}
package auth
