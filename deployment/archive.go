package deployment

import (
	"context"
	"fmt"

	"github.com/ruteri/tee-module-deployer/interfaces"
)

// Archive stores the dumped descriptor in backend and returns its content id.
// Archived descriptors are always JSON.
func (d *Deployment) Archive(ctx context.Context, backend interfaces.StorageBackend) (interfaces.ContentID, error) {
	data, err := d.Dump().Marshal(FormatJSON)
	if err != nil {
		return interfaces.ContentID{}, fmt.Errorf("could not encode descriptor: %w", err)
	}

	id, err := backend.Store(ctx, data, interfaces.DescriptorType)
	if err != nil {
		return id, fmt.Errorf("could not archive descriptor in %s: %w", backend.Name(), err)
	}

	d.log.Info("Archived deployment descriptor", "backend", backend.Name(), "contentID", id.String())
	return id, nil
}

// FetchArchived retrieves an archived descriptor and checks that it parses.
func FetchArchived(ctx context.Context, backend interfaces.StorageBackend, id interfaces.ContentID) (*Descriptor, error) {
	data, err := backend.Fetch(ctx, id, interfaces.DescriptorType)
	if err != nil {
		return nil, fmt.Errorf("could not fetch descriptor %s: %w", id, err)
	}
	return Parse(data, FormatJSON)
}
