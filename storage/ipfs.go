package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-module-deployer/interfaces"
)

const ipfsRoot = "/deployer"

// IPFSBackend keeps content in the mutable file system of an IPFS node, named
// by content id, so it can be fetched back by the same id.
type IPFSBackend struct {
	shell       *shell.Shell
	apiAddr     string
	log         *slog.Logger
	locationURI string
}

func NewIPFSBackend(host, port string, timeout time.Duration, log *slog.Logger) *IPFSBackend {
	apiAddr := fmt.Sprintf("%s:%s", host, port)

	sh := shell.NewShell(apiAddr)
	sh.SetTimeout(timeout)

	return &IPFSBackend{
		shell:       sh,
		apiAddr:     apiAddr,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s/?timeout=%s", apiAddr, timeout),
	}
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	if !b.shell.IsUp() {
		return nil, interfaces.ErrBackendUnavailable
	}

	mfsPath := b.mfsPath(id, contentType)
	reader, err := b.shell.FilesRead(ctx, mfsPath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("failed to read %s from IPFS: %w", mfsPath, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("content hash mismatch for %s", mfsPath)
	}

	b.log.Debug("Fetched content from IPFS", "path", mfsPath, "size", len(data))
	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	if !b.shell.IsUp() {
		return id, interfaces.ErrBackendUnavailable
	}

	mfsPath := b.mfsPath(id, contentType)
	err := b.shell.FilesWrite(ctx, mfsPath, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write %s to IPFS: %w", mfsPath, err)
	}

	b.log.Debug("Stored content in IPFS", "path", mfsPath, "contentID", id.String())
	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s", b.apiAddr)
}

func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

func (b *IPFSBackend) mfsPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(ipfsRoot, contentDir(contentType), id.String())
}
