package auth

import (
	"context"
	"fmt"

	"github.com/amurg-ai/wsrouter/internal/config"
)

// NewProvider creates an auth Provider based on configuration.
func NewProvider(ctx context.Context, cfg config.AuthConfig) (Provider, error) {
	switch cfg.Provider {
	case "", "builtin":
		return NewService(cfg.JWTSecret, cfg.Issuer, cfg.Audience), nil
	case "jwks":
		return NewJWKSProvider(ctx, cfg.JWKSURL, cfg.Issuer, cfg.Audience)
	case "oidc":
		return NewOIDCProvider(ctx, cfg.OIDCIssuer, cfg.OIDCClientID)
	default:
		return nil, fmt.Errorf("unknown auth provider: %q", cfg.Provider)
	}
}
