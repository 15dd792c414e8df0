package modules

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/lazy"
	"github.com/ruteri/tee-module-deployer/nodes"
)

// SancusConfig describes a module for a Sancus microcontroller.
type SancusConfig struct {
	Common
	Files   []string
	CFlags  []string
	LDFlags []string
	// Symtab is the symbol table returned by a previous load.
	Symtab string
}

type sancusLoad struct {
	id     uint16
	symtab string
}

// SancusModule is assigned its id by the node on load. Its key is derived from
// the node vendor key and the relinked binary, so no attestation round trip
// is needed.
type SancusModule struct {
	base

	node *nodes.SancusNode

	load   *lazy.Value[sancusLoad]
	linked *lazy.Value[string]
	key    *lazy.Value[[]byte]
}

func NewSancusModule(cfg SancusConfig, node *nodes.SancusNode, env Env) (*SancusModule, error) {
	if len(cfg.Files) == 0 && cfg.Binary == "" {
		return nil, fmt.Errorf("sancus module %s has neither source files nor a binary", cfg.Name)
	}

	m := &SancusModule{
		base: newBase(cfg.Common, nodes.FamilySancus, node, env),
		node: node,
	}

	if m.generated == nil {
		sourceDir := ""
		if len(cfg.Files) > 0 {
			sourceDir = filepath.Dir(cfg.Files[0])
		}
		m.generated = step(&m.base, "generate", func(ctx context.Context) (*interfaces.GeneratedInterfaces, error) {
			return env.Generator.Generate(ctx, interfaces.GenerateRequest{
				Family:      string(nodes.FamilySancus),
				Module:      m.name,
				SourceDir:   sourceDir,
				OutputDir:   m.outputDir(),
				DeployPort:  node.DeployPort(),
				Connections: m.Connections(),
			})
		})
	}

	if m.binary == nil {
		m.binary = step(&m.base, "build", func(ctx context.Context) (string, error) {
			if _, err := m.generated.Get(ctx); err != nil {
				return "", err
			}
			return env.Toolchain.Build(ctx, interfaces.BuildRequest{
				Family:    string(nodes.FamilySancus),
				Module:    m.name,
				OutputDir: m.outputDir(),
				Files:     cfg.Files,
				CFlags:    cfg.CFlags,
				LDFlags:   cfg.LDFlags,
			})
		})
	}

	if cfg.Deployed {
		m.load = lazy.Resolved(sancusLoad{id: cfg.ID, symtab: cfg.Symtab})
	} else {
		m.load = step(&m.base, "deploy", func(ctx context.Context) (sancusLoad, error) {
			binary, err := m.binary.Get(ctx)
			if err != nil {
				return sancusLoad{}, err
			}
			id, symtab, err := node.Deploy(ctx, m.name, binary)
			if err != nil {
				return sancusLoad{}, err
			}
			m.deployed.Store(true)
			return sancusLoad{id: id, symtab: symtab}, nil
		})
	}

	m.linked = step(&m.base, "link", func(ctx context.Context) (string, error) {
		load, err := m.load.Get(ctx)
		if err != nil {
			return "", err
		}
		binary, err := m.binary.Get(ctx)
		if err != nil {
			return "", err
		}
		return env.Toolchain.Link(ctx, binary, load.symtab)
	})

	if cfg.Key != nil {
		m.key = lazy.Resolved(cfg.Key)
	} else {
		m.key = step(&m.base, "key", func(ctx context.Context) ([]byte, error) {
			linked, err := m.linked.Get(ctx)
			if err != nil {
				return nil, err
			}
			return ModuleKey(node.VendorKey, linked)
		})
	}

	return m, nil
}

// ModuleKey derives the key of a Sancus module from the vendor key of its
// node and the binary the node runs.
func ModuleKey(vendorKey []byte, linkedBinary string) ([]byte, error) {
	data, err := os.ReadFile(linkedBinary)
	if err != nil {
		return nil, fmt.Errorf("could not read linked binary: %w", err)
	}

	mac, err := cryptoutils.EncryptionSpongent.MAC(vendorKey, data)
	if err != nil {
		return nil, err
	}
	return mac[:cryptoutils.EncryptionSpongent.KeySize()], nil
}

func (m *SancusModule) Node() nodes.Node { return m.node }

func (m *SancusModule) Deploy(ctx context.Context) error {
	_, err := m.load.Get(ctx)
	return err
}

func (m *SancusModule) ID(ctx context.Context) (uint16, error) {
	load, err := m.load.Get(ctx)
	if err != nil {
		return 0, err
	}
	return load.id, nil
}

func (m *SancusModule) Key(ctx context.Context) ([]byte, error) {
	if err := m.Deploy(ctx); err != nil {
		return nil, err
	}
	return m.key.Get(ctx)
}

func (m *SancusModule) Call(ctx context.Context, entry string, arg []byte) ([]byte, error) {
	return call(ctx, m, entry, arg)
}

// Symtab is the symbol table path, once the module is loaded.
func (m *SancusModule) Symtab() (string, bool) {
	load, ok := m.load.Peek()
	return load.symtab, ok
}

func (m *SancusModule) State() State {
	s := m.snapshot(m.node)
	if load, ok := m.load.Peek(); ok {
		s.ID = load.id
	}
	if key, ok := m.key.Peek(); ok {
		s.Key = key
	}
	return s
}

var (
	_ Module = (*SancusModule)(nil)
	_ Module = (*SGXModule)(nil)
	_ Module = (*NativeModule)(nil)
)
