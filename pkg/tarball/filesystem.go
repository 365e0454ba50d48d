package tarball

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/spokehub/registry/pkg/registry"
)

// Filesystem is an alternate Storage implementation for small or single-node
// deployments, using the same write-temp-then-rename discipline as the
// filesystem Index implementation.
type Filesystem struct {
	rootDir string
	mu      sync.Mutex
}

// NewFilesystem creates the root directory (if needed) and returns a ready Storage.
func NewFilesystem(rootDir string) (*Filesystem, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, fmt.Errorf("tarball: failed to create root directory: %w", err)
	}
	return &Filesystem{rootDir: rootDir}, nil
}

func (f *Filesystem) path(key string) string {
	return filepath.Join(f.rootDir, key)
}

func (f *Filesystem) PutTarball(_ context.Context, name, version, checksum string, content io.Reader, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := io.ReadAll(content)
	if err != nil {
		return registry.StorageIO("read tarball content", err)
	}
	actual := sha256.Sum256(data)
	actualChecksum := hex.EncodeToString(actual[:])
	if checksum != "" && actualChecksum != checksum {
		return registry.Conflict("tarball checksum mismatch", nil)
	}

	target := f.path(Key(name, version))
	if existing, err := os.ReadFile(target); err == nil {
		existingSum := sha256.Sum256(existing)
		if hex.EncodeToString(existingSum[:]) != actualChecksum {
			return registry.Conflict("tarball already exists with a different checksum", nil)
		}
		return nil
	}

	tmp, err := os.CreateTemp(f.rootDir, ".tmp-*")
	if err != nil {
		return registry.StorageIO("create temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return registry.StorageIO("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return registry.StorageIO("close temp file", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return registry.StorageIO("rename temp file", err)
	}
	return nil
}

func (f *Filesystem) GetTarball(_ context.Context, name, version string) (io.ReadCloser, int64, error) {
	file, err := os.Open(f.path(Key(name, version)))
	if os.IsNotExist(err) {
		return nil, 0, registry.NotFound(fmt.Sprintf("%s-%s not found", name, version), nil)
	}
	if err != nil {
		return nil, 0, registry.StorageIO("open tarball", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, registry.StorageIO("stat tarball", err)
	}
	return file, info.Size(), nil
}

func (f *Filesystem) DeleteTarball(_ context.Context, name, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := os.Remove(f.path(Key(name, version)))
	if err != nil && !os.IsNotExist(err) {
		return registry.StorageIO("delete tarball", err)
	}
	return nil
}

func (f *Filesystem) PutReadme(_ context.Context, name, version string, content io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := io.ReadAll(content)
	if err != nil {
		return registry.StorageIO("read readme content", err)
	}
	if err := os.WriteFile(f.path(readmeKey(name, version)), data, 0o644); err != nil {
		return registry.StorageIO("write readme", err)
	}
	return nil
}

func (f *Filesystem) GetReadme(_ context.Context, name, version string) (io.ReadCloser, error) {
	file, err := os.Open(f.path(readmeKey(name, version)))
	if os.IsNotExist(err) {
		return nil, registry.NotFound("readme not found", nil)
	}
	if err != nil {
		return nil, registry.StorageIO("open readme", err)
	}
	return file, nil
}

func (f *Filesystem) HealthCheck(_ context.Context) error {
	info, err := os.Stat(f.rootDir)
	if err != nil {
		return registry.StorageIO("stat root directory", err)
	}
	if !info.IsDir() {
		return registry.StorageIO("root path is not a directory", nil)
	}
	return nil
}
