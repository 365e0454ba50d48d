package auth

import (
	"context"
	"fmt"

	"github.com/spokehub/registry/pkg/observability"
)

// New selects and constructs the configured Auth implementation.
func New(ctx context.Context, cfg Config, logger *observability.Logger) (Auth, error) {
	switch cfg.Backend {
	case "", "filesystem":
		return NewFilesystem(cfg.FilesystemPath, cfg.BcryptCost, cfg.TokensPepper)
	case "postgres":
		return NewPostgres(cfg, logger)
	case "oidc":
		return NewOIDC(ctx, cfg)
	case "permissive":
		return NewPermissive(), nil
	default:
		return nil, fmt.Errorf("auth: unknown backend %q", cfg.Backend)
	}
}
