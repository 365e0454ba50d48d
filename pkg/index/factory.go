package index

import (
	"fmt"

	"github.com/spokehub/registry/pkg/observability"
)

// New selects and constructs the configured Index implementation, wrapping it
// in a RedisCache when the config enables it.
func New(cfg Config, logger *observability.Logger) (Index, error) {
	var idx Index
	var err error
	switch cfg.Backend {
	case "", "filesystem":
		idx, err = NewFilesystem(cfg.FilesystemRoot)
	case "postgres":
		idx, err = NewPostgres(cfg, logger)
	default:
		return nil, fmt.Errorf("index: unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheEnabled && cfg.RedisURL != "" {
		cached, cacheErr := NewRedisCache(idx, cfg.RedisURL, cfg.RedisTTL, logger)
		if cacheErr != nil {
			logger.WithError(cacheErr).Warn("failed to initialize redis cache, continuing without it")
			return idx, nil
		}
		return cached, nil
	}
	return idx, nil
}
