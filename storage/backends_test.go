package storage

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/stretchr/testify/require"
)

func TestFileBackend(t *testing.T) {
	ctx := context.Background()
	backend, err := NewFileBackend(t.TempDir(), testLogger())
	require.NoError(t, err)
	require.True(t, backend.Available(ctx))

	descriptor := []byte(`{"modules":[]}`)
	id, err := backend.Store(ctx, descriptor, interfaces.DescriptorType)
	require.NoError(t, err)
	require.Equal(t, interfaces.ComputeID(descriptor), id)

	data, err := backend.Fetch(ctx, id, interfaces.DescriptorType)
	require.NoError(t, err)
	require.Equal(t, descriptor, data)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("missing")), interfaces.DescriptorType)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)
}

func TestGitHubBackend(t *testing.T) {
	descriptor := []byte(`{"connections":[]}`)
	id := interfaces.ComputeID(descriptor)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/acme/deployments/main/prod/descriptors/" + id.String():
			w.Write(descriptor)
		case "/acme/deployments/main/prod/descriptors/" + interfaces.ComputeID([]byte("x")).String():
			w.Write([]byte("tampered"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	backend := NewGitHubBackend("acme", "deployments", "", "/prod/", testLogger())
	backend.baseURL = srv.URL
	ctx := context.Background()

	data, err := backend.Fetch(ctx, id, interfaces.DescriptorType)
	require.NoError(t, err)
	require.Equal(t, descriptor, data)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("missing")), interfaces.DescriptorType)
	require.ErrorIs(t, err, interfaces.ErrContentNotFound)

	_, err = backend.Fetch(ctx, interfaces.ComputeID([]byte("x")), interfaces.DescriptorType)
	require.ErrorContains(t, err, "hash mismatch")

	_, err = backend.Store(ctx, descriptor, interfaces.DescriptorType)
	require.ErrorIs(t, err, ErrReadOnlyBackend)

	require.True(t, backend.Available(ctx))
}

func TestFactory(t *testing.T) {
	factory := NewStorageBackendFactory(testLogger())
	dir := t.TempDir()

	tests := []struct {
		uri      string
		wantName string
		wantErr  bool
	}{
		{uri: "file://" + dir, wantName: "file-"},
		{uri: "s3://bucket/prefix?region=eu-west-1", wantName: "s3-bucket"},
		{uri: "ipfs://localhost:5001/?timeout=5s", wantName: "ipfs-localhost:5001"},
		{uri: "vault://vault.local:8200/secret/deployer?tls=false", wantName: "vault-secret-deployer"},
		{uri: "github://acme/deployments/prod", wantName: "github-acme-deployments"},
		{uri: "github://acme", wantErr: true},
		{uri: "ipfs://localhost/?timeout=soon", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			loc, err := interfaces.NewStorageBackendLocation(tt.uri)
			require.NoError(t, err)

			backend, err := factory.StorageBackendFor(loc)
			if tt.wantErr {
				require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
				return
			}
			require.NoError(t, err)
			require.Contains(t, backend.Name(), tt.wantName)
		})
	}

	_, err := interfaces.NewStorageBackendLocation("onchain://0x00")
	require.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)
}
