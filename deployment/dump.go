package deployment

import (
	"fmt"
	"os"

	"github.com/ruteri/tee-module-deployer/modules"
)

// Dump returns the descriptor of the current state: node id counters,
// everything each module has computed, and connection ids, keys and nonces.
// Loading it without Options.Deploy reproduces the same graph.
func (d *Deployment) Dump() *Descriptor {
	out := &Descriptor{
		Nodes:          make([]NodeDescriptor, len(d.desc.Nodes)),
		Modules:        make([]ModuleDescriptor, len(d.desc.Modules)),
		Connections:    make([]ConnectionDescriptor, len(d.desc.Connections)),
		PeriodicEvents: append([]PeriodicEventDescriptor(nil), d.desc.PeriodicEvents...),
	}

	for i, nd := range d.desc.Nodes {
		nd.NextModuleID = d.Nodes[i].PeekModuleID()
		out.Nodes[i] = nd
	}

	for i, md := range d.desc.Modules {
		out.Modules[i] = dumpModule(md, d.Modules[i])
	}

	for i, cd := range d.desc.Connections {
		c := d.Connections[i]
		id := c.ID
		cd.ID = &id
		cd.Key = c.Key
		cd.Nonce = c.Nonce()
		cd.Encryption = c.Encryption.String()
		out.Connections[i] = cd
	}

	return out
}

func dumpModule(md ModuleDescriptor, m modules.Module) ModuleDescriptor {
	s := m.State()

	md.Deployed = s.Deployed
	md.ID = s.ID
	md.Key = s.Key
	md.Nonce = s.Nonce
	md.Binary = s.Binary
	md.SGXS, md.Signature = "", ""
	if s.Image != nil {
		md.SGXS, md.Signature = s.Image.SGXS, s.Image.Signature
	}

	md.Inputs, md.Outputs, md.Entrypoints, md.Handlers, md.Requests = nil, nil, nil, nil, nil
	if s.Interfaces != nil {
		md.Inputs = s.Interfaces.Inputs
		md.Outputs = s.Interfaces.Outputs
		md.Entrypoints = s.Interfaces.Entrypoints
		md.Handlers = s.Interfaces.Handlers
		md.Requests = s.Interfaces.Requests
	}

	md.Symtab = ""
	if sm, ok := m.(*modules.SancusModule); ok {
		if symtab, ok := sm.Symtab(); ok {
			md.Symtab = symtab
		}
	}
	return md
}

// Save writes the dumped descriptor to path in the format its extension
// selects. The file holds keys and is created owner-only.
func (d *Deployment) Save(path string) error {
	data, err := d.Dump().Marshal(FormatForPath(path))
	if err != nil {
		return fmt.Errorf("could not encode descriptor: %w", err)
	}
	// Written aside and renamed so a crash never leaves a truncated descriptor.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("could not write descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("could not replace descriptor: %w", err)
	}

	d.log.Info("Saved deployment descriptor", "path", path)
	return nil
}
