package toolchain

import (
	"context"
	"fmt"
	"os"

	"github.com/ruteri/tee-module-deployer/lazy"
)

// SharedFile reads path on first use and hands the same contents to every
// caller. It is used for the attestation service public key embedded in
// every enclave module.
func SharedFile(path string) *lazy.Value[[]byte] {
	return lazy.New(func(ctx context.Context) ([]byte, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		return data, nil
	})
}
