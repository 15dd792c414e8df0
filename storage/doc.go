// Package storage archives deployment descriptors in content-addressed
// storage backends.
//
// After an install run the deployer dumps the descriptor of the deployed
// system, including module ids, keys and nonces. Storing that descriptor lets
// an operator reload the running system later, from any machine, without
// redeploying it.
//
// # Backends
//
//   - file:///var/lib/deployer - local directory, one subdirectory per content type
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=eu-west-1&endpoint=host
//   - ipfs://host:5001/?timeout=30s - IPFS MFS under /deployer
//   - vault://vault.example.com:8200/secret/deployer?token=... - Vault KV v2
//   - github://owner/repo/path?ref=main - read-only raw files
//
// Every backend derives the content id as the SHA-256 of the stored bytes, so
// the same descriptor has the same id everywhere. MultiStorageBackend writes to
// every available backend and reads from the first that has the content.
//
// # Usage
//
//	factory := storage.NewStorageBackendFactory(log)
//	backend, err := factory.CreateMultiBackend(locations)
//	id, err := backend.Store(ctx, descriptor, interfaces.DescriptorType)
//	data, err := backend.Fetch(ctx, id, interfaces.DescriptorType)
package storage
