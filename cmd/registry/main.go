// Command registry runs the package registry's HTTP API: the sparse index,
// download, publish, yank, ownership, and search surface described by
// pkg/registryapi, backed by whichever Index/Storage/Auth implementations the
// YAML config selects.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/spokehub/registry/pkg/audit"
	"github.com/spokehub/registry/pkg/auth"
	"github.com/spokehub/registry/pkg/config"
	"github.com/spokehub/registry/pkg/dbconn"
	"github.com/spokehub/registry/pkg/index"
	"github.com/spokehub/registry/pkg/observability"
	"github.com/spokehub/registry/pkg/publish"
	"github.com/spokehub/registry/pkg/ratelimit"
	"github.com/spokehub/registry/pkg/registryapi"
	"github.com/spokehub/registry/pkg/tarball"
)

func main() {
	configPath := flag.String("c", "", "path to the registry's YAML config file")
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
	logger.Info("starting package registry")

	ctx := context.Background()
	otelProviders, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Service.OTelEnabled,
		Endpoint:       cfg.Service.OTelEndpoint,
		ServiceName:    cfg.Service.OTelServiceName,
		ServiceVersion: cfg.Service.OTelServiceVersion,
		Insecure:       cfg.Service.OTelInsecure,
	}, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize OpenTelemetry, continuing without tracing")
	}

	idx, err := index.New(indexConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize index backend")
		os.Exit(1)
	}
	logger.WithField("backend", cfg.Index.BackendName()).Info("index backend initialized")

	store, err := tarball.New(storeConfig(cfg))
	if err != nil {
		logger.WithError(err).Error("failed to initialize storage backend")
		os.Exit(1)
	}
	logger.WithField("backend", cfg.Store.Name).Info("storage backend initialized")

	authBackend, err := auth.New(ctx, authConfig(cfg), logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize auth backend")
		os.Exit(1)
	}
	logger.WithField("backend", cfg.Auth.Backend).Info("auth backend initialized")

	auditStore := newAuditStore(ctx, cfg, logger)

	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	orch := &publish.Orchestrator{
		Index:        idx,
		Storage:      store,
		Auth:         authBackend,
		MaxCrateSize: cfg.Service.MaxCrateSize,
		Logger:       logger,
		Metrics:      metrics,
	}

	server := registryapi.NewServer(&registryapi.Server{
		Index:             idx,
		Storage:           store,
		Auth:              authBackend,
		Orch:              orch,
		Audit:             auditStore,
		Logger:            logger,
		Metrics:           metrics,
		MaxCrateSize:      cfg.Service.MaxCrateSize,
		AuthRequired:      cfg.Service.AuthRequired,
		AllowRegistration: cfg.Service.AllowRegistration,
		RequestTimeout:    cfg.Service.RequestTimeout,
		PublishTimeout:    cfg.Service.PublishTimeout,
		PublishLimiter:    ratelimit.New(ratelimit.DefaultPublishConfig()),
		SearchLimiter:     ratelimit.New(ratelimit.DefaultSearchConfig()),
	})

	var handler http.Handler = server.Router()
	if cfg.Service.OTelEnabled {
		handler = otelhttp.NewHandler(handler, "registry-api",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
	}

	httpServer := &http.Server{
		Addr:         cfg.Service.Address,
		Handler:      handler,
		ReadTimeout:  cfg.Service.RequestTimeout,
		WriteTimeout: cfg.Service.PublishTimeout,
		IdleTimeout:  2 * time.Minute,
	}

	metricsMux := http.NewServeMux()
	if cfg.Service.MetricsEnabled {
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		logger.Info("metrics endpoint enabled")
	}
	metricsServer := &http.Server{
		Addr:         cfg.Service.MetricsAddress,
		Handler:      metricsMux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Infof("metrics server listening on %s", cfg.Service.MetricsAddress)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("metrics server failed")
		}
	}()

	shutdownManager := observability.NewShutdownManager(logger, httpServer, cfg.Service.ShutdownTimeout)
	shutdownManager.RegisterPreDrain(server.BeginDraining)
	shutdownManager.RegisterShutdownFunc("metrics server", func(ctx context.Context) error {
		return metricsServer.Shutdown(ctx)
	})
	if otelProviders != nil {
		shutdownManager.RegisterShutdownFunc("otel exporter", func(ctx context.Context) error {
			return observability.ShutdownOTel(ctx, otelProviders, logger)
		})
	}
	if closer, ok := idx.(io.Closer); ok {
		shutdownManager.RegisterShutdownFunc("index backend", func(context.Context) error { return closer.Close() })
	}
	if closer, ok := authBackend.(io.Closer); ok {
		shutdownManager.RegisterShutdownFunc("auth backend", func(context.Context) error { return closer.Close() })
	}

	if cfg.Service.ConfigReload && *configPath != "" {
		watcher, err := config.Watch(*configPath, logger, func(reloaded *config.Config) {
			server.AuthRequired = reloaded.Service.AuthRequired
			server.AllowRegistration = reloaded.Service.AllowRegistration
			server.MaxCrateSize = reloaded.Service.MaxCrateSize
		})
		if err != nil {
			logger.WithError(err).Warn("failed to start config watcher, continuing without hot reload")
		} else {
			defer watcher.Close()
		}
	}

	go func() {
		logger.Infof("registry API listening on %s", cfg.Service.Address)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("registry API server failed")
			os.Exit(1)
		}
	}()

	logger.Info("registry started, waiting for shutdown signal")
	if err := shutdownManager.WaitForShutdown(); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
		os.Exit(1)
	}
	logger.Info("registry shutdown complete")
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

func storeConfig(cfg *config.Config) tarball.Config {
	c := tarball.DefaultConfig()
	c.Backend = cfg.Store.Name
	c.S3Endpoint = cfg.Store.EndpointURL
	c.S3Region = cfg.Store.Region
	c.S3Bucket = cfg.Store.Bucket
	c.S3AccessKey = cfg.Store.AccessKeyID
	c.S3SecretKey = cfg.Store.AccessKeySecret
	c.S3UsePathStyle = cfg.Store.UsePathStyle
	if cfg.Store.FilesystemRoot != "" {
		c.FilesystemRoot = cfg.Store.FilesystemRoot
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

// newAuditStore wires a Postgres-backed audit trail when the index is
// Postgres-backed (the audit table lives alongside the package metadata
// tables), falling back to an in-memory store for filesystem deployments,
// where there is no shared database to write audit rows to.
func newAuditStore(ctx context.Context, cfg *config.Config, logger *observability.Logger) audit.Store {
	if cfg.Index.IndexDB == "" {
		return audit.NewMemory()
	}
	conn, err := dbconn.NewManager(dbconn.Config{
		PrimaryURL:  cfg.Index.IndexDB,
		ReplicaURLs: dbconn.ParseReplicaURLs(cfg.Index.IndexReplicaURLs),
		MaxConns:    2,
		MinConns:    1,
		Timeout:     10 * time.Second,
		MaxLifetime: time.Hour,
		MaxIdleTime: 10 * time.Minute,
	}, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to open audit database connection, falling back to in-memory audit log")
		return audit.NewMemory()
	}
	store, err := audit.NewPostgres(ctx, conn, logger)
	if err != nil {
		logger.WithError(err).Warn("failed to initialize audit schema, falling back to in-memory audit log")
		conn.Close()
		return audit.NewMemory()
	}
	return store
}
