package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "registry.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad_FilesystemDefaults(t *testing.T) {
	path := writeTempConfig(t, `
service:
  address: "0.0.0.0:8080"
index:
  index_path: "/tmp/registry/index"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:8080", cfg.Service.Address)
	assert.Equal(t, int64(10<<20), cfg.Service.MaxCrateSize)
	assert.Equal(t, "filesystem", cfg.Auth.Backend)
	assert.Equal(t, "filesystem", cfg.Store.Name)
}

func TestLoad_PostgresAndS3(t *testing.T) {
	path := writeTempConfig(t, `
service:
  address: "0.0.0.0:8080"
  max_crate_size: 20971520
index:
  index_db: "postgres://localhost/registry"
auth:
  backend: postgres
  auth_db: "postgres://localhost/registry"
  auth_tokens_pepper: "pepper"
store:
  name: s3
  endpoint_url: "http://localhost:9000"
  bucket: "registry-tarballs"
  region: "us-east-1"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://localhost/registry", cfg.Index.IndexDB)
	assert.Equal(t, "s3", cfg.Store.Name)
	assert.Equal(t, int64(20971520), cfg.Service.MaxCrateSize)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := writeTempConfig(t, "service: [this is not valid: yaml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate_IndexMutualExclusion(t *testing.T) {
	cfg := Default()
	cfg.Index.IndexDB = "postgres://x"
	cfg.Index.IndexPath = "/tmp/x"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidate_IndexRequiresOne(t *testing.T) {
	cfg := Default()
	cfg.Index.IndexPath = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "index_db or index_path")
}

func TestValidate_AuthBackends(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"postgres missing auth_db", func(c *Config) { c.Auth.Backend = "postgres" }, "auth_db"},
		{"oidc missing audience", func(c *Config) { c.Auth.Backend = "oidc" }, "auth_audience"},
		{"unknown backend", func(c *Config) { c.Auth.Backend = "carrier-pigeon" }, "unknown auth backend"},
		{"permissive is fine", func(c *Config) { c.Auth.Backend = "permissive" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_StoreBackends(t *testing.T) {
	cfg := Default()
	cfg.Store.Name = "s3"
	cfg.Store.Bucket = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.bucket")
}

func TestValidate_MaxCrateSizeMustBePositive(t *testing.T) {
	cfg := Default()
	cfg.Service.MaxCrateSize = 0
	err := cfg.Validate()
	require.Error(t, err)
}

func TestParseLogLevel(t *testing.T) {
	cfg := Default()
	cfg.Service.LogLevel = "debug"
	assert.Equal(t, "DEBUG", cfg.ParseLogLevel().String())
	cfg.Service.LogLevel = "bogus"
	assert.Equal(t, "INFO", cfg.ParseLogLevel().String())
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := writeTempConfig(t, `
service:
  address: "0.0.0.0:8080"
index:
  index_path: "/tmp/registry/index"
`)
	logger := newTestLogger()
	reloaded := make(chan *Config, 1)
	watcher, err := Watch(path, logger, func(cfg *Config) {
		reloaded <- cfg
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte(`
service:
  address: "0.0.0.0:9999"
index:
  index_path: "/tmp/registry/index"
`), 0o644))

	select {
	case cfg := <-reloaded:
		assert.Equal(t, "0.0.0.0:9999", cfg.Service.Address)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
