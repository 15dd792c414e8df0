package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-module-deployer/interfaces"
)

// VaultBackend stores descriptors as KV v2 secrets. It is the preferred
// archive for descriptors since they carry connection and module keys.
type VaultBackend struct {
	kv          *api.KVv2
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend falls back to VAULT_TOKEN when token is empty.
func NewVaultBackend(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultBackend{
		kv:          client.KVv2(mountPath),
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(address, "https://"), mountPath, dataPath),
	}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	secretPath := b.secretPath(id, contentType)

	secret, err := b.kv.Get(ctx, secretPath)
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, interfaces.ErrContentNotFound
	} else if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	content, ok := secret.Data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault secret %s", secretPath)
	}

	b.log.Debug("Fetched content from Vault", "path", secretPath, "size", len(content))
	return []byte(content), nil
}

func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	secretPath := b.secretPath(id, contentType)

	_, err := b.kv.Put(ctx, secretPath, map[string]interface{}{
		"content": string(data),
	})
	if err != nil {
		return id, fmt.Errorf("%w: %v", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault", "path", secretPath, "contentID", id.String())
	return id, nil
}

func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.dataPath, contentDir(contentType), id.String())
}
