// Package config loads and validates the registry's YAML configuration file,
// selected by the -c flag on the cmd/registry command line, and optionally
// watches it for changes, handing each re-parsed config to a callback.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/spokehub/registry/pkg/observability"
)

// Config is the top-level shape of the YAML configuration file.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Index   IndexConfig   `yaml:"index"`
	Auth    AuthConfig    `yaml:"auth"`
	Store   StoreConfig   `yaml:"store"`
}

// ServiceConfig holds the HTTP-facing knobs under the `service:` section.
type ServiceConfig struct {
	Address          string        `yaml:"address"`
	MetricsAddress   string        `yaml:"metrics_address"`
	DownloadEndpoint string        `yaml:"download_endpoint"`
	APIEndpoint      string        `yaml:"api_endpoint"`
	AuthRequired     bool          `yaml:"auth_required"`
	AllowRegistration bool         `yaml:"allow_registration"`
	MaxCrateSize     int64         `yaml:"max_crate_size"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	PublishTimeout   time.Duration `yaml:"publish_timeout"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	ConfigReload     bool          `yaml:"config_reload"`
	LogLevel         string        `yaml:"log_level"`

	MetricsEnabled     bool   `yaml:"metrics_enabled"`
	OTelEnabled        bool   `yaml:"otel_enabled"`
	OTelEndpoint       string `yaml:"otel_endpoint"`
	OTelServiceName    string `yaml:"otel_service_name"`
	OTelServiceVersion string `yaml:"otel_service_version"`
	OTelInsecure       bool   `yaml:"otel_insecure"`
}

// IndexConfig selects and configures the Index backend. IndexDB and IndexPath
// are mutually exclusive: one picks the relational backend, the other the
// filesystem backend.
type IndexConfig struct {
	IndexDB             string        `yaml:"index_db"`
	IndexReplicaURLs    string        `yaml:"index_replica_urls"`
	IndexPath           string        `yaml:"index_path"`
	MaxConns            int           `yaml:"max_conns"`
	MinConns            int           `yaml:"min_conns"`
	Timeout             time.Duration `yaml:"timeout"`
	CacheEnabled        bool          `yaml:"cache_enabled"`
	CacheRedisURL       string        `yaml:"cache_redis_url"`
	CacheTTL            time.Duration `yaml:"cache_ttl"`
}

// BackendName returns "postgres" when IndexDB is set, otherwise "filesystem",
// since the Index backend is selected by which field is populated rather than
// an explicit name, unlike Auth and Store.
func (c IndexConfig) BackendName() string {
	if c.IndexDB != "" {
		return "postgres"
	}
	return "filesystem"
}

// AuthConfig selects and configures the Auth backend. Exactly one of AuthDB,
// AuthPath, or AuthAudience selects the Postgres, filesystem, or OIDC backend;
// the permissive backend is selected explicitly via Backend: "permissive".
type AuthConfig struct {
	Backend          string        `yaml:"backend"`
	AuthDB           string        `yaml:"auth_db"`
	AuthReplicaURLs  string        `yaml:"auth_replica_urls"`
	AuthPath         string        `yaml:"auth_path"`
	AuthTokensPepper string        `yaml:"auth_tokens_pepper"`
	AuthAudience     string        `yaml:"auth_audience"`
	AuthIssuer       string        `yaml:"auth_issuer"`
	AuthTeamBaseURL  string        `yaml:"auth_team_base_url"`
	BcryptCost       int           `yaml:"bcrypt_cost"`
	MaxConns         int           `yaml:"max_conns"`
	MinConns         int           `yaml:"min_conns"`
	Timeout          time.Duration `yaml:"timeout"`
}

// StoreConfig configures the Storage backend.
type StoreConfig struct {
	Name           string `yaml:"name"` // "s3" or "filesystem"
	EndpointURL    string `yaml:"endpoint_url"`
	Region         string `yaml:"region"`
	Bucket         string `yaml:"bucket"`
	AccessKeyID    string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	UsePathStyle   bool   `yaml:"use_path_style"`
	FilesystemRoot string `yaml:"filesystem_root"`
}

// Default returns a config usable for local development: filesystem index,
// filesystem storage, filesystem auth, no registration gate.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Address:          "0.0.0.0:8080",
			MetricsAddress:   "0.0.0.0:9090",
			DownloadEndpoint: "/downloads",
			APIEndpoint:      "/api/v1",
			AuthRequired:     true,
			MaxCrateSize:     10 << 20,
			RequestTimeout:   60 * time.Second,
			PublishTimeout:   120 * time.Second,
			ShutdownTimeout:  30 * time.Second,
			LogLevel:         "info",
			MetricsEnabled:   true,
			OTelServiceName:  "registry",
			OTelServiceVersion: "dev",
		},
		Index: IndexConfig{
			IndexPath: "/tmp/registry/index",
			MaxConns:  20,
			MinConns:  2,
			Timeout:   10 * time.Second,
		},
		Auth: AuthConfig{
			Backend:    "filesystem",
			AuthPath:   "/tmp/registry/auth.json",
			BcryptCost: 12,
		},
		Store: StoreConfig{
			Name:           "filesystem",
			FilesystemRoot: "/tmp/registry/tarballs",
		},
	}
}

// Load reads and parses the YAML file at path, applying defaults for anything
// left unset, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	// Backend-selecting fields start empty so the file alone decides them.
	cfg.Index.IndexPath, cfg.Auth.Backend = "", ""
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	if cfg.Index.IndexDB == "" && cfg.Index.IndexPath == "" {
		cfg.Index.IndexPath = Default().Index.IndexPath
	}
	if cfg.Auth.Backend == "" {
		switch {
		case cfg.Auth.AuthDB != "":
			cfg.Auth.Backend = "postgres"
		case cfg.Auth.AuthAudience != "":
			cfg.Auth.Backend = "oidc"
		default:
			cfg.Auth.Backend = "filesystem"
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the mutual-exclusion and required-field rules the backend
// selection depends on.
func (c *Config) Validate() error {
	if c.Service.Address == "" {
		return fmt.Errorf("service.address is required")
	}
	if c.Index.IndexDB != "" && c.Index.IndexPath != "" {
		return fmt.Errorf("index_db and index_path are mutually exclusive")
	}
	if c.Index.IndexDB == "" && c.Index.IndexPath == "" {
		return fmt.Errorf("one of index_db or index_path is required")
	}
	switch c.Auth.Backend {
	case "", "filesystem":
		if c.Auth.AuthPath == "" {
			return fmt.Errorf("auth_path is required for the filesystem auth backend")
		}
	case "postgres":
		if c.Auth.AuthDB == "" {
			return fmt.Errorf("auth_db is required for the postgres auth backend")
		}
	case "oidc":
		if c.Auth.AuthAudience == "" {
			return fmt.Errorf("auth_audience is required for the oidc auth backend")
		}
	case "permissive":
		// no fields required; local dev / test harness only.
	default:
		return fmt.Errorf("unknown auth backend: %s", c.Auth.Backend)
	}
	switch c.Store.Name {
	case "", "filesystem":
		if c.Store.FilesystemRoot == "" {
			return fmt.Errorf("store.filesystem_root is required for the filesystem store")
		}
	case "s3":
		if c.Store.Bucket == "" {
			return fmt.Errorf("store.bucket is required for the s3 store")
		}
	default:
		return fmt.Errorf("unknown store backend: %s", c.Store.Name)
	}
	if c.Service.MaxCrateSize <= 0 {
		return fmt.Errorf("service.max_crate_size must be positive")
	}
	return nil
}

// ParseLogLevel maps the YAML log_level string to an observability.LogLevel.
func (c *Config) ParseLogLevel() observability.LogLevel {
	switch c.Service.LogLevel {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// Watch reloads the file at path whenever it changes on disk and invokes onChange
// with the newly parsed config. Parse failures are logged and skipped — the
// previous valid config stays in effect, so a bad edit never tears down a
// running server.
func Watch(path string, logger *observability.Logger, onChange func(*Config)) (*fsnotify.Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create watcher: %w", err)
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: failed to watch %s: %w", path, err)
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.WithError(err).Warn("config reload failed, keeping previous configuration")
					continue
				}
				logger.Info("configuration reloaded")
				if err := observability.CatchPanic(func() error { onChange(cfg); return nil }); err != nil {
					logger.WithError(err).Error("config reload callback panicked")
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.WithError(err).Warn("config watcher error")
			}
		}
	}()

	return watcher, nil
}
