package deployment

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ruteri/tee-module-deployer/modules"
	"golang.org/x/sync/errgroup"
)

// Install brings the whole system up in four phases:
//
//  1. modules with a priority are deployed one by one in ascending order,
//  2. all connections are established concurrently,
//  3. every module is deployed and keyed, which for priority modules only
//     completes their attestation,
//  4. periodic events are registered.
//
// Within a phase all started branches run to completion and the first error
// is returned. A failed phase stops the install.
func (d *Deployment) Install(ctx context.Context) error {
	start := time.Now()

	phases := []struct {
		name string
		run  func(context.Context) error
	}{
		{"priority modules", d.deployPriorityModules},
		{"connections", d.establishConnections},
		{"modules", d.keyModules},
		{"periodic events", d.registerPeriodicEvents},
	}

	for _, phase := range phases {
		d.log.Info("Starting install phase", "phase", phase.name)
		if err := phase.run(ctx); err != nil {
			d.log.Error("Install phase failed", "phase", phase.name, "err", err)
			return fmt.Errorf("install %s: %w", phase.name, err)
		}
	}

	d.log.Info("Installed deployment", "duration", time.Since(start))
	return nil
}

// PriorityModules returns the modules that have a priority, lowest first.
// Equal priorities keep descriptor order.
func (d *Deployment) PriorityModules() []modules.Module {
	var out []modules.Module
	for _, m := range d.Modules {
		if _, ok := m.Priority(); ok {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi, _ := out[i].Priority()
		pj, _ := out[j].Priority()
		return pi < pj
	})
	return out
}

func (d *Deployment) deployPriorityModules(ctx context.Context) error {
	for _, m := range d.PriorityModules() {
		priority, _ := m.Priority()
		d.log.Info("Deploying priority module", "module", m.Name(), "priority", priority)
		if err := m.Deploy(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (d *Deployment) establishConnections(ctx context.Context) error {
	var g errgroup.Group
	for _, c := range d.Connections {
		g.Go(func() error { return c.Establish(ctx) })
	}
	return g.Wait()
}

func (d *Deployment) keyModules(ctx context.Context) error {
	var g errgroup.Group
	for _, m := range d.Modules {
		g.Go(func() error {
			_, err := m.Key(ctx)
			return err
		})
	}
	return g.Wait()
}

func (d *Deployment) registerPeriodicEvents(ctx context.Context) error {
	var g errgroup.Group
	for _, e := range d.PeriodicEvents {
		g.Go(func() error { return e.Register(ctx) })
	}
	return g.Wait()
}
