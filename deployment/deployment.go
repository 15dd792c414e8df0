package deployment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/netip"
	"os"
	"time"

	"github.com/ruteri/tee-module-deployer/connection"
	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/metrics"
	"github.com/ruteri/tee-module-deployer/modules"
	"github.com/ruteri/tee-module-deployer/noderesolver"
	"github.com/ruteri/tee-module-deployer/nodes"
	"github.com/ruteri/tee-module-deployer/wire"
)

// Options control how a descriptor is turned into a deployment.
type Options struct {
	// Deploy discards persisted module state and generates fresh connection
	// ids and keys. Without it the descriptor must describe a deployed system.
	Deploy bool

	Env modules.Env
	// Resolver resolves host and srv node addresses. Defaults to the local
	// stub resolver.
	Resolver *noderesolver.Resolver
	// Transport overrides the per-family TCP transport of every node.
	Transport wire.Transport

	Log     *slog.Logger
	Metrics *metrics.Registry
}

// Deployment is the node, module and connection graph of one system.
type Deployment struct {
	Nodes          []nodes.Node
	Modules        []modules.Module
	Connections    []*connection.Connection
	PeriodicEvents []*PeriodicEvent

	desc    *Descriptor
	deploy  bool
	nextCID int

	log     *slog.Logger
	metrics *metrics.Registry
}

// Load reads a JSON or YAML descriptor from path.
func Load(ctx context.Context, path string, opts Options) (*Deployment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read descriptor: %w", err)
	}

	desc, err := Parse(data, FormatForPath(path))
	if err != nil {
		return nil, err
	}
	return New(ctx, desc, opts)
}

// New validates desc and builds the graph. No node is contacted except for
// DNS lookups of host and srv addresses.
func New(ctx context.Context, desc *Descriptor, opts Options) (*Deployment, error) {
	if err := Validate(desc, opts.Deploy); err != nil {
		return nil, err
	}

	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Env.Log == nil {
		opts.Env.Log = opts.Log
	}
	if opts.Env.Metrics == nil {
		opts.Env.Metrics = opts.Metrics
	}

	d := &Deployment{
		desc:    desc,
		deploy:  opts.Deploy,
		log:     opts.Log,
		metrics: opts.Metrics,
	}

	nodeByName := map[string]nodes.Node{}
	for i := range desc.Nodes {
		n, err := d.buildNode(ctx, &desc.Nodes[i], opts)
		if err != nil {
			return nil, fmt.Errorf("node %s: %w", desc.Nodes[i].Name, err)
		}
		d.Nodes = append(d.Nodes, n)
		nodeByName[n.Name()] = n
	}

	for i := range desc.Modules {
		m, err := d.buildModule(&desc.Modules[i], nodeByName[desc.Modules[i].Node], opts.Env)
		if err != nil {
			return nil, fmt.Errorf("module %s: %w", desc.Modules[i].Name, err)
		}
		d.Modules = append(d.Modules, m)
	}

	for i := range desc.Connections {
		c, err := d.buildConnection(&desc.Connections[i])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrConfig, desc.Connections[i].label(i), err)
		}
		d.Connections = append(d.Connections, c)
	}

	for i := range desc.PeriodicEvents {
		e := &desc.PeriodicEvents[i]
		d.PeriodicEvents = append(d.PeriodicEvents, &PeriodicEvent{
			Module:    d.Module(e.Module),
			Entry:     e.Entry,
			Frequency: uint32(e.Frequency),
		})
	}

	d.log.Info("Loaded deployment",
		"nodes", len(d.Nodes),
		"modules", len(d.Modules),
		"connections", len(d.Connections),
		"periodicEvents", len(d.PeriodicEvents),
		"deploy", opts.Deploy)

	return d, nil
}

func (d *Deployment) buildNode(ctx context.Context, nd *NodeDescriptor, opts Options) (nodes.Node, error) {
	addr, reactivePort, err := resolveNode(ctx, nd, opts.Resolver)
	if err != nil {
		return nil, err
	}

	cfg := nodes.Config{
		Name:         nd.Name,
		Address:      addr,
		ReactivePort: reactivePort,
		DeployPort:   nd.DeployPort,
		NextModuleID: nd.NextModuleID,
		Transport:    opts.Transport,
		Log:          opts.Log,
		Metrics:      opts.Metrics,
	}

	switch nodes.Family(nd.Type) {
	case nodes.FamilySancus:
		return nodes.NewSancusNode(cfg, uint16(nd.VendorID), nd.VendorKey), nil
	case nodes.FamilySGX:
		n := nodes.NewSGXNode(cfg)
		if nd.SettleDelay != "" {
			delay, err := time.ParseDuration(nd.SettleDelay)
			if err != nil {
				return nil, err
			}
			n.SettleDelay = delay
		}
		return n, nil
	case nodes.FamilyNative:
		return nodes.NewNativeNode(cfg), nil
	default:
		return nil, fmt.Errorf("%w: unknown node type %q", ErrConfig, nd.Type)
	}
}

func resolveNode(ctx context.Context, nd *NodeDescriptor, resolver *noderesolver.Resolver) (netip.Addr, uint16, error) {
	if nd.IPAddress != "" {
		addr, err := netip.ParseAddr(nd.IPAddress)
		return addr, nd.ReactivePort, err
	}

	if resolver == nil {
		resolver = noderesolver.New("")
	}

	if nd.Host != "" {
		addr, err := resolver.ResolveHost(ctx, nd.Host)
		return addr, nd.ReactivePort, err
	}

	addr, port, err := resolver.ResolveSRV(ctx, nd.SRV)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	if nd.ReactivePort != 0 {
		port = nd.ReactivePort
	}
	return addr, port, nil
}

func (d *Deployment) buildModule(md *ModuleDescriptor, node nodes.Node, env modules.Env) (modules.Module, error) {
	common := modules.Common{Name: md.Name, Priority: md.Priority}
	if !d.deploy {
		common.Deployed = md.Deployed
		common.ID = md.ID
		common.Key = md.Key
		common.Binary = md.Binary
		common.Nonce = md.Nonce
		common.Interfaces = md.generated()
	}

	source := md.Source
	if source == "" {
		source = md.Name
	}

	switch n := node.(type) {
	case *nodes.SancusNode:
		cfg := modules.SancusConfig{Common: common, Files: md.Files, CFlags: md.CFlags, LDFlags: md.LDFlags}
		if !d.deploy {
			cfg.Symtab = md.Symtab
		}
		return modules.NewSancusModule(cfg, n, env)
	case *nodes.SGXNode:
		cfg := modules.SGXConfig{
			Common:     common,
			SourceDir:  source,
			Features:   md.Features,
			VendorKey:  md.VendorKey,
			RASettings: md.RASettings,
		}
		if !d.deploy && md.SGXS != "" {
			cfg.Image = &interfaces.SignedImage{SGXS: md.SGXS, Signature: md.Signature}
		}
		return modules.NewSGXModule(cfg, n, env)
	case *nodes.NativeNode:
		return modules.NewNativeModule(modules.NativeConfig{Common: common, SourceDir: source, Features: md.Features}, n, env)
	default:
		return nil, fmt.Errorf("%w: no node for module", ErrConfig)
	}
}

func (d *Deployment) buildConnection(cd *ConnectionDescriptor) (*connection.Connection, error) {
	enc, err := cryptoutils.ParseEncryption(cd.Encryption)
	if err != nil {
		return nil, err
	}

	cfg := connection.Config{
		Name:       cd.Name,
		Encryption: enc,
		Key:        cd.Key,
		Log:        d.log,
		Metrics:    d.metrics,
	}

	switch {
	case !d.deploy:
		cfg.ID = *cd.ID
		cfg.Nonce = cd.Nonce
	case cd.ID != nil:
		cfg.ID = *cd.ID
	default:
		id, err := d.nextConnectionID()
		if err != nil {
			return nil, err
		}
		cfg.ID = id
	}

	cfg.To = connection.Endpoint{Module: d.Module(cd.ToModule), Kind: modules.Input, Name: cd.ToInput}
	if cd.ToHandler != "" {
		cfg.To.Kind, cfg.To.Name = modules.Handler, cd.ToHandler
	}

	if !cd.Direct {
		cfg.From = &connection.Endpoint{Module: d.Module(cd.FromModule), Kind: modules.Output, Name: cd.FromOutput}
		if cd.FromRequest != "" {
			cfg.From.Kind, cfg.From.Name = modules.Request, cd.FromRequest
		}
	}

	return connection.New(cfg)
}

// nextConnectionID allocates ids from 0 upwards, skipping ids the descriptor
// assigns explicitly.
func (d *Deployment) nextConnectionID() (uint16, error) {
	reserved := map[uint16]bool{}
	for _, cd := range d.desc.Connections {
		if cd.ID != nil {
			reserved[*cd.ID] = true
		}
	}

	for id := d.nextCID; id <= math.MaxUint16; id++ {
		if !reserved[uint16(id)] {
			d.nextCID = id + 1
			return uint16(id), nil
		}
	}
	return 0, errors.New("connection ids exhausted")
}

func (d *Deployment) Node(name string) nodes.Node {
	for _, n := range d.Nodes {
		if n.Name() == name {
			return n
		}
	}
	return nil
}

func (d *Deployment) Module(name string) modules.Module {
	for _, m := range d.Modules {
		if m.Name() == name {
			return m
		}
	}
	return nil
}

func (d *Deployment) Connection(id uint16) *connection.Connection {
	for _, c := range d.Connections {
		if c.ID == id {
			return c
		}
	}
	return nil
}
