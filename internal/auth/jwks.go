package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// JWKSProvider validates asymmetric JWTs against a remote key set. Keys are
// refreshed in the background by keyfunc.
type JWKSProvider struct {
	issuer   string
	audience string
	jwks     keyfunc.Keyfunc
}

// NewJWKSProvider fetches the key set at jwksURL.
func NewJWKSProvider(ctx context.Context, jwksURL, issuer, audience string) (*JWKSProvider, error) {
	if jwksURL == "" {
		return nil, fmt.Errorf("jwks url is required")
	}
	jwks, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}
	return newJWKSProvider(jwks, issuer, audience), nil
}

func newJWKSProvider(jwks keyfunc.Keyfunc, issuer, audience string) *JWKSProvider {
	return &JWKSProvider{issuer: issuer, audience: audience, jwks: jwks}
}

// ValidateToken parses a JWT signed by one of the key set's keys.
func (p *JWKSProvider) ValidateToken(ctx context.Context, tokenStr string) (*Principal, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if p.issuer != "" {
		opts = append(opts, jwt.WithIssuer(p.issuer))
	}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}

	token, err := jwt.Parse(tokenStr, p.jwks.KeyfuncCtx(ctx), opts...)
	if err != nil {
		return nil, ErrUnauthorized
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}
	return principalFromClaims(tokenStr, claims)
}

// Name returns the provider name.
func (p *JWKSProvider) Name() string { return "jwks" }
