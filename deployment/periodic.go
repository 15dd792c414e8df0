package deployment

import (
	"context"
	"fmt"

	"github.com/ruteri/tee-module-deployer/modules"
)

// PeriodicEvent fires an entry point of a module at a fixed frequency. The
// node does the firing; the deployer only registers the event.
type PeriodicEvent struct {
	Module    modules.Module
	Entry     string
	Frequency uint32
}

func (e *PeriodicEvent) String() string {
	return fmt.Sprintf("%s.%s every %d", e.Module.Name(), e.Entry, e.Frequency)
}

// Register deploys the module if needed and registers the event with its node.
func (e *PeriodicEvent) Register(ctx context.Context) error {
	if err := e.Module.Deploy(ctx); err != nil {
		return err
	}
	moduleID, err := e.Module.ID(ctx)
	if err != nil {
		return err
	}
	entryID, err := modules.EntryID(ctx, e.Module, e.Entry)
	if err != nil {
		return err
	}

	if err := e.Module.Node().RegisterEntrypoint(ctx, moduleID, entryID, e.Frequency); err != nil {
		return fmt.Errorf("could not register %s: %w", e, err)
	}
	return nil
}
