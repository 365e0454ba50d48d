package tarball

import "fmt"

// New selects and constructs the configured Storage implementation.
func New(cfg Config) (Storage, error) {
	switch cfg.Backend {
	case "", "filesystem":
		return NewFilesystem(cfg.FilesystemRoot)
	case "s3":
		return NewS3(cfg)
	default:
		return nil, fmt.Errorf("tarball: unknown backend %q", cfg.Backend)
	}
}
