// Package middleware provides HTTP middleware: principal extraction, request
// IDs, and rate limiting for the control-plane HTTP surface.
package middleware

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"fanoutctl/internal/domain"
)

// JWTClaims holds the parsed claims from a validated JWT: identity and the
// role (MASTER/USER/READER) the policy engine authorizes against.
type JWTClaims struct {
	Subject string
	Name    string
	Role    domain.Role
	Raw     map[string]interface{}
}

// JWTValidator validates a JWT token and returns the parsed claims. Issuing
// and rotating these tokens is the responsibility of the session/login layer
// this module sits behind; here they are only verified and decoded.
type JWTValidator interface {
	Validate(ctx context.Context, tokenString string) (*JWTClaims, error)
}

// HS256Validator validates JWTs signed with a shared HS256 secret.
type HS256Validator struct {
	secret []byte
}

// NewHS256Validator creates a validator for the shared-secret tokens issued
// by the upstream session layer.
func NewHS256Validator(secret string) (*HS256Validator, error) {
	if secret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}
	return &HS256Validator{secret: []byte(secret)}, nil
}

// Validate verifies a JWT signed with HS256 and extracts subject, name, and
// role claims.
func (v *HS256Validator) Validate(_ context.Context, tokenString string) (*JWTClaims, error) {
	tok, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if token.Method == nil || token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}

	raw, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("parse claims: unsupported claim type %T", tok.Claims)
	}

	claims := &JWTClaims{Raw: map[string]interface{}(raw)}
	if sub, ok := raw["sub"].(string); ok {
		claims.Subject = sub
	}
	if name, ok := raw["name"].(string); ok {
		claims.Name = name
	}
	role, ok := raw["role"].(string)
	if !ok || role == "" {
		return nil, fmt.Errorf("token missing role claim")
	}
	switch domain.Role(role) {
	case domain.RoleMaster, domain.RoleUser, domain.RoleReader:
		claims.Role = domain.Role(role)
	default:
		return nil, fmt.Errorf("token carries unknown role %q", role)
	}

	return claims, nil
}
