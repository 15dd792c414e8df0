package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-module-deployer/interfaces"
)

// FileBackend stores content in a local directory, one subdirectory per
// content type.
type FileBackend struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

func NewFileBackend(baseDir string, log *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(filepath.Join(baseDir, contentDir(interfaces.DescriptorType)), 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Fetch returns ErrContentNotFound if no file holds id.
func (b *FileBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	filePath := b.filePath(id, contentType)

	data, err := os.ReadFile(filePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("content hash mismatch for %s", filePath)
	}

	b.log.Debug("Fetched content from file", "path", filePath, "size", len(data))
	return data, nil
}

func (b *FileBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	filePath := b.filePath(id, contentType)

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return id, fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(filePath, data, 0600); err != nil {
		return id, fmt.Errorf("failed to write file: %w", err)
	}

	b.log.Debug("Stored content in file", "path", filePath, "contentID", id.String())
	return id, nil
}

func (b *FileBackend) Available(ctx context.Context) bool {
	if _, err := os.Stat(b.baseDir); err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

func (b *FileBackend) filePath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return filepath.Join(b.baseDir, contentDir(contentType), id.String())
}

// contentDir names the namespace a content type is stored under in every
// path-based backend.
func contentDir(contentType interfaces.ContentType) string {
	return contentType.String() + "s"
}
