package storage

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/tee-module-deployer/interfaces"
)

// StorageBackendFactory creates storage backends from location URIs.
type StorageBackendFactory struct {
	log *slog.Logger
}

func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{log: logger}
}

// StorageBackendFor creates a backend for one location. See the package
// documentation for the URI format of every scheme.
func (sf *StorageBackendFactory) StorageBackendFor(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating storage backend", "scheme", loc.Scheme, "host", loc.Host)

	switch loc.Scheme {
	case "file":
		return sf.createFileBackend(loc)
	case "s3":
		return sf.createS3Backend(loc)
	case "ipfs":
		return sf.createIPFSBackend(loc)
	case "vault":
		return sf.createVaultBackend(loc)
	case "github":
		return sf.createGitHubBackend(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// CreateMultiBackend skips locations that fail to produce a backend and fails
// only if none is left.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))

	for _, loc := range locations {
		backend, err := sf.StorageBackendFor(loc)
		if err != nil {
			sf.log.Warn("Failed to create storage backend", "err", err, "location", loc.String())
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}

	return NewMultiStorageBackend(backends, sf.log), nil
}

// file:///absolute/path or file://relative/path
func (sf *StorageBackendFactory) createFileBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(loc.Auth, ":")
	}

	return NewS3Backend(loc.Host, loc.Path, region, loc.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	host, port, found := strings.Cut(loc.Host, ":")
	if !found {
		port = "5001"
	}

	timeout := 30 * time.Second
	if raw := loc.GetParam("timeout"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid timeout %q", interfaces.ErrInvalidLocationURI, raw)
		}
		timeout = parsed
	}

	return NewIPFSBackend(host, port, timeout, sf.log), nil
}

// vault://host:port/mount/path?token=...&tls=false
func (sf *StorageBackendFactory) createVaultBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	mount, dataPath, _ := strings.Cut(strings.TrimPrefix(loc.Path, "/"), "/")
	if mount == "" {
		return nil, fmt.Errorf("%w: missing mount path in %s", interfaces.ErrInvalidLocationURI, loc.String())
	}

	scheme := "https"
	if loc.GetParam("tls") != "" && !loc.GetParamBool("tls") {
		scheme = "http"
	}

	return NewVaultBackend(scheme+"://"+loc.Host, mount, dataPath, loc.GetParam("token"), sf.log)
}

// github://owner/repo/dir?ref=main
func (sf *StorageBackendFactory) createGitHubBackend(loc interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	repo, dir, _ := strings.Cut(strings.TrimPrefix(loc.Path, "/"), "/")
	if loc.Host == "" || repo == "" {
		return nil, fmt.Errorf("%w: expected github://owner/repo", interfaces.ErrInvalidLocationURI)
	}
	return NewGitHubBackend(loc.Host, repo, loc.GetParam("ref"), dir, sf.log), nil
}
