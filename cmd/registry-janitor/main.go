// Command registry-janitor runs the registry's scheduled maintenance jobs:
// sweeping stale auth tokens and warming the sparse-index/search cache ahead
// of request traffic, against the same Index/Auth backends cmd/registry uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/spokehub/registry/pkg/auth"
	"github.com/spokehub/registry/pkg/config"
	"github.com/spokehub/registry/pkg/index"
	"github.com/spokehub/registry/pkg/observability"
)

func main() {
	configPath := flag.String("c", "", "path to the registry's YAML config file")
	tokenPruneSchedule := flag.String("token-prune-schedule", "20 3 * * *", "Cron schedule for stale token pruning (default: 03:20 UTC)")
	cacheWarmSchedule := flag.String("cache-warm-schedule", "*/15 * * * *", "Cron schedule for sparse-index cache warming (default: every 15 minutes)")
	staleTokenAge := flag.Duration("stale-token-age", 90*24*time.Hour, "tokens unused for longer than this are pruned")
	runOnce := flag.Bool("run-once", false, "run every job once and exit, instead of starting the scheduler")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := observability.NewLogger(cfg.ParseLogLevel(), os.Stdout)
	logger.Info("starting registry janitor")

	ctx := context.Background()

	idx, err := index.New(indexConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize index backend")
		os.Exit(1)
	}

	authBackend, err := auth.New(ctx, authConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize auth backend")
		os.Exit(1)
	}

	if *runOnce {
		pruneStaleTokens(ctx, authBackend, *staleTokenAge, logger)
		warmCache(ctx, idx, logger)
		logger.Info("janitor run-once completed")
		return
	}

	c := cron.New(cron.WithLocation(time.UTC))

	_, err = c.AddFunc(*tokenPruneSchedule, func() {
		defer observability.RecoverPanic(logger, "token prune")
		pruneStaleTokens(ctx, authBackend, *staleTokenAge, logger)
	})
	if err != nil {
		logger.WithError(err).Error("failed to schedule token pruning")
		os.Exit(1)
	}

	_, err = c.AddFunc(*cacheWarmSchedule, func() {
		defer observability.RecoverPanic(logger, "cache warm")
		warmCache(ctx, idx, logger)
	})
	if err != nil {
		logger.WithError(err).Error("failed to schedule cache warming")
		os.Exit(1)
	}

	c.Start()
	logger.Info("registry janitor started")
	logger.WithField("schedule", *tokenPruneSchedule).Info("token prune schedule")
	logger.WithField("schedule", *cacheWarmSchedule).Info("cache warm schedule")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down janitor")
	cronCtx := c.Stop()
	<-cronCtx.Done()
	logger.Info("janitor stopped")
}

// pruneStaleTokens sweeps tokens unused for longer than olderThan, when the
// configured Auth backend supports it. OIDC and permissive have no token
// table and are skipped.
func pruneStaleTokens(ctx context.Context, a auth.Auth, olderThan time.Duration, logger *observability.Logger) {
	pruner, ok := a.(auth.TokenPruner)
	if !ok {
		logger.Debug("auth backend does not support token pruning, skipping")
		return
	}
	pruneCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	removed, err := pruner.PruneStaleTokens(pruneCtx, olderThan)
	if err != nil {
		logger.WithError(err).Error("stale token prune failed")
		return
	}
	logger.WithField("removed", removed).Info("pruned stale tokens")
}

// warmCache walks every known package and reads its sparse entry through the
// Index. When the Index is wrapped in a RedisCache, entries that are missing
// or expired are filled ahead of request traffic; entries still cached are
// returned as they are and keep their remaining TTL.
func warmCache(ctx context.Context, idx index.Index, logger *observability.Logger) {
	listCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	packages, err := idx.ListAll(listCtx)
	if err != nil {
		logger.WithError(err).Error("failed to list packages for cache warm")
		return
	}

	var warmed, failed int
	for _, pkg := range packages {
		entryCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := idx.GetSparseEntry(entryCtx, pkg.Name)
		cancel()
		if err != nil {
			failed++
			logger.WithError(err).WithField("package", pkg.Name).Warn("failed to warm cache entry")
			continue
		}
		warmed++
	}
	logger.WithField("warmed", warmed).WithField("failed", failed).Info("cache warm completed")
}

func indexConfig(cfg *config.Config) index.Config {
	c := index.DefaultConfig()
	c.Backend = cfg.Index.BackendName()
	c.PostgresURL = cfg.Index.IndexDB
	c.PostgresReplicaURLs = cfg.Index.IndexReplicaURLs
	if cfg.Index.MaxConns > 0 {
		c.PostgresMaxConns = cfg.Index.MaxConns
	}
	if cfg.Index.MinConns > 0 {
		c.PostgresMinConns = cfg.Index.MinConns
	}
	if cfg.Index.Timeout > 0 {
		c.PostgresTimeout = cfg.Index.Timeout
	}
	if cfg.Index.IndexPath != "" {
		c.FilesystemRoot = cfg.Index.IndexPath
	}
	c.CacheEnabled = cfg.Index.CacheEnabled
	c.RedisURL = cfg.Index.CacheRedisURL
	if cfg.Index.CacheTTL > 0 {
		c.RedisTTL = cfg.Index.CacheTTL
	}
	return c
}

func authConfig(cfg *config.Config) auth.Config {
	c := auth.DefaultConfig()
	c.Backend = cfg.Auth.Backend
	c.PostgresURL = cfg.Auth.AuthDB
	c.PostgresReplicaURLs = cfg.Auth.AuthReplicaURLs
	if cfg.Auth.AuthPath != "" {
		c.FilesystemPath = cfg.Auth.AuthPath
	}
	c.OIDCIssuer = cfg.Auth.AuthIssuer
	c.OIDCAudience = cfg.Auth.AuthAudience
	c.OIDCTeamsBaseURL = cfg.Auth.AuthTeamBaseURL
	if cfg.Auth.BcryptCost > 0 {
		c.BcryptCost = cfg.Auth.BcryptCost
	}
	if cfg.Auth.MaxConns > 0 {
		c.PostgresMaxConns = cfg.Auth.MaxConns
	}
	if cfg.Auth.MinConns > 0 {
		c.PostgresMinConns = cfg.Auth.MinConns
	}
	if cfg.Auth.Timeout > 0 {
		c.PostgresTimeout = cfg.Auth.Timeout
	}
	c.TokensPepper = cfg.Auth.AuthTokensPepper
	return c
}
