// ABOUTME: JWT access token verification and minting
// ABOUTME: Uses HS256 signing with configurable secret and optional jti revocation

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrRevokedToken = errors.New("token revoked")
)

// TokenTypeAccess is the only token type accepted for connections.
const TokenTypeAccess = "access"

// Claims are the access token claims.
type Claims struct {
	Username string   `json:"username,omitempty"`
	Role     string   `json:"role,omitempty"`
	Scopes   []string `json:"scopes,omitempty"`
	Type     string   `json:"type"`
	jwt.RegisteredClaims
}

// Identity derives the connection identity from verified claims.
func (c *Claims) Identity() Identity {
	role := c.Role
	if role == "" {
		role = RoleUser
	}
	scopes := c.Scopes
	if len(scopes) == 0 {
		scopes = DefaultScopes(role)
	}
	username := c.Username
	if username == "" {
		username = "unknown"
	}
	return Identity{
		UserID:   c.Subject,
		Username: username,
		Role:     role,
		Scopes:   scopes,
	}
}

// TokenVerifier verifies access tokens.
type TokenVerifier interface {
	Verify(tokenString string) (*Claims, error)
}

// JWTVerifier implements TokenVerifier using HS256 signed JWTs
type JWTVerifier struct {
	secret      []byte
	revocations *Revocations
}

// NewJWTVerifier creates a new JWT verifier with the given secret.
// revocations may be nil.
func NewJWTVerifier(secret []byte, revocations *Revocations) *JWTVerifier {
	return &JWTVerifier{secret: secret, revocations: revocations}
}

// Verify validates the token and returns its claims.
func (v *JWTVerifier) Verify(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, fmt.Errorf("%w: sub is not a uuid", ErrInvalidToken)
	}
	if claims.Type != TokenTypeAccess {
		return nil, fmt.Errorf("%w: type %q", ErrInvalidToken, claims.Type)
	}
	if v.revocations != nil && claims.ID != "" && v.revocations.IsRevoked(claims.ID) {
		return nil, ErrRevokedToken
	}

	return claims, nil
}

// Generate signs an access token for claims valid for ttl. Missing jti,
// iat and exp are filled in.
func (v *JWTVerifier) Generate(claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.Type = TokenTypeAccess
	if claims.ID == "" {
		claims.ID = uuid.New().String()
	}
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}
