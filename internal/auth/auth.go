package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Service validates HS256 tokens signed with a shared secret. It is the
// "builtin" provider and can also mint tokens for development.
type Service struct {
	secret   []byte
	issuer   string
	audience string
}

// NewService creates a builtin provider. issuer and audience are enforced
// only when non-empty.
func NewService(secret, issuer, audience string) *Service {
	return &Service{secret: []byte(secret), issuer: issuer, audience: audience}
}

// Name returns the provider name.
func (s *Service) Name() string { return "builtin" }

// ValidateToken validates a bearer token and returns its principal.
func (s *Service) ValidateToken(_ context.Context, tokenStr string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	token, err := jwt.Parse(tokenStr, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return principalFromClaims(tokenStr, claims)
}

// IssueToken mints a signed token for subject valid for ttl.
func (s *Service) IssueToken(subject string, roles []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": subject,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(now.Add(ttl)),
		"jti": uuid.New().String(),
	}
	if len(roles) > 0 {
		claims["roles"] = roles
	}
	if s.issuer != "" {
		claims["iss"] = s.issuer
	}
	if s.audience != "" {
		claims["aud"] = s.audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
