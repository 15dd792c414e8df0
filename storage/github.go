package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-module-deployer/interfaces"
)

const githubRawBaseURL = "https://raw.githubusercontent.com"

var ErrReadOnlyBackend = errors.New("storage backend is read-only")

// GitHubBackend reads descriptors committed to a repository. The layout
// matches FileBackend, so a FileBackend directory can be committed as is.
type GitHubBackend struct {
	owner       string
	repo        string
	ref         string
	dir         string
	baseURL     string
	client      *http.Client
	log         *slog.Logger
	locationURI string
}

func NewGitHubBackend(owner, repo, ref, dir string, log *slog.Logger) *GitHubBackend {
	if ref == "" {
		ref = "main"
	}
	dir = strings.Trim(dir, "/")

	return &GitHubBackend{
		owner:       owner,
		repo:        repo,
		ref:         ref,
		dir:         dir,
		baseURL:     githubRawBaseURL,
		client:      &http.Client{Timeout: 30 * time.Second},
		log:         log,
		locationURI: fmt.Sprintf("github://%s/%s/%s?ref=%s", owner, repo, dir, ref),
	}
}

func (b *GitHubBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	resp, err := b.get(ctx, b.fileURL(id, contentType))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, interfaces.ErrContentNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("GitHub returned %s: %s", resp.Status, string(body))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read GitHub response: %w", err)
	}

	if interfaces.ComputeID(data) != id {
		b.log.Warn("Content hash mismatch", "expected", id.String(), "actual", interfaces.ComputeID(data).String())
		return nil, fmt.Errorf("content hash mismatch")
	}

	b.log.Debug("Fetched content from GitHub", "contentID", id.String(), "size", len(data))
	return data, nil
}

func (b *GitHubBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ComputeID(data), fmt.Errorf("%w: %s", ErrReadOnlyBackend, b.Name())
}

func (b *GitHubBackend) Available(ctx context.Context) bool {
	resp, err := b.get(ctx, fmt.Sprintf("%s/%s/%s/%s/", b.baseURL, b.owner, b.repo, b.ref))
	if err != nil {
		b.log.Debug("GitHub backend unavailable", "err", err)
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

func (b *GitHubBackend) LocationURI() string {
	return b.locationURI
}

func (b *GitHubBackend) fileURL(id interfaces.ContentID, contentType interfaces.ContentType) string {
	parts := []string{b.baseURL, b.owner, b.repo, b.ref}
	if b.dir != "" {
		parts = append(parts, b.dir)
	}
	parts = append(parts, contentDir(contentType), id.String())
	return strings.Join(parts, "/")
}

func (b *GitHubBackend) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}
	return resp, nil
}
