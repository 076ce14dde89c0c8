// Package auth validates client bearer tokens and yields verified principals.
package auth

import (
	"context"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrNoExpiry     = errors.New("token has no expiry")
)

// Principal is a verified identity produced from a bearer token.
type Principal struct {
	Subject   string
	Roles     []string
	ExpiresAt time.Time
	TokenID   string // jti, empty when the issuer does not set one
	Token     string // the raw bearer token
}

// HasRole reports whether the principal carries role.
func (p *Principal) HasRole(role string) bool {
	return slices.Contains(p.Roles, role)
}

// Provider validates bearer tokens and returns principals.
type Provider interface {
	ValidateToken(ctx context.Context, token string) (*Principal, error)
	Name() string
}

// BearerToken returns the token of an "Authorization: Bearer <token>" header.
// The scheme is case-insensitive.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// principalFromClaims maps registered claims plus the "roles"/"role" claim
// onto a Principal.
func principalFromClaims(token string, claims jwt.MapClaims) (*Principal, error) {
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, ErrUnauthorized
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, ErrNoExpiry
	}
	jti, _ := claims["jti"].(string)

	var roles []string
	switch v := claims["roles"].(type) {
	case []any:
		for _, r := range v {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	case string:
		if v != "" {
			roles = append(roles, v)
		}
	}
	if role, _ := claims["role"].(string); role != "" && !slices.Contains(roles, role) {
		roles = append(roles, role)
	}

	return &Principal{
		Subject:   sub,
		Roles:     roles,
		ExpiresAt: exp.Time,
		TokenID:   jti,
		Token:     token,
	}, nil
}
