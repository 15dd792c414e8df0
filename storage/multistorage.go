package storage

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-module-deployer/interfaces"
	"go.uber.org/multierr"
)

// MultiStorageBackend stores to every available backend and fetches from the
// first backend that has the content.
type MultiStorageBackend struct {
	backends []interfaces.StorageBackend
	log      *slog.Logger
}

func NewMultiStorageBackend(backends []interfaces.StorageBackend, logger *slog.Logger) *MultiStorageBackend {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiStorageBackend{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiStorageBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	var errs error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", "backend", backend.Name())
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", backend.Name(), interfaces.ErrBackendUnavailable))
			continue
		}

		data, err := backend.Fetch(ctx, id, contentType)
		if err == nil {
			m.log.Info("Fetched content", "backend", backend.Name(), "contentID", id.String())
			return data, nil
		}

		m.log.Debug("Failed to fetch from backend", "backend", backend.Name(), "err", err)
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	if errs == nil {
		return nil, interfaces.ErrContentNotFound
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", id.String(), errs)
}

// Store succeeds if at least one backend accepted the content.
func (m *MultiStorageBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	var stored int
	var errs error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", "backend", backend.Name())
			continue
		}

		backendID, err := backend.Store(ctx, data, contentType)
		if err != nil {
			m.log.Warn("Failed to store to backend", "backend", backend.Name(), "err", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			continue
		}
		if backendID != id {
			m.log.Warn("Inconsistent content id from backend", "backend", backend.Name(), "expected", id.String(), "actual", backendID.String())
		}
		stored++
	}

	if stored == 0 {
		return id, fmt.Errorf("all backends failed to store data: %w", multierr.Append(errs, interfaces.ErrBackendUnavailable))
	}

	m.log.Info("Stored content", "contentID", id.String(), "backends", stored)
	return id, nil
}

func (m *MultiStorageBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiStorageBackend) Name() string {
	return "multi-storage"
}

func (m *MultiStorageBackend) LocationURI() string {
	locations := make([]string, 0, len(m.backends))
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
