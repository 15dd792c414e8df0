package modules

import (
	"context"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/lazy"
	"github.com/ruteri/tee-module-deployer/nodes"
)

// NativeConfig describes a module running as an unprotected process.
type NativeConfig struct {
	Common
	SourceDir string
	Features  []string
}

// NativeModule has no attestation: its key is chosen here and compiled into
// the module.
type NativeModule struct {
	base

	node *nodes.NativeNode
	id   uint16
	key  []byte

	deploy *lazy.Value[struct{}]
}

func NewNativeModule(cfg NativeConfig, node *nodes.NativeNode, env Env) (*NativeModule, error) {
	m := &NativeModule{
		base: newBase(cfg.Common, nodes.FamilyNative, node, env),
		node: node,
		id:   cfg.ID,
		key:  cfg.Key,
	}

	if m.id == 0 {
		id, err := node.NextModuleID()
		if err != nil {
			return nil, err
		}
		m.id = id
	}

	if m.key == nil {
		key, err := cryptoutils.EncryptionAES.GenerateKey()
		if err != nil {
			return nil, err
		}
		m.key = key
	}

	if m.generated == nil {
		m.generated = step(&m.base, "generate", func(ctx context.Context) (*interfaces.GeneratedInterfaces, error) {
			return env.Generator.Generate(ctx, interfaces.GenerateRequest{
				Family:      string(nodes.FamilyNative),
				Module:      m.name,
				SourceDir:   cfg.SourceDir,
				OutputDir:   m.outputDir(),
				ModuleID:    m.id,
				DeployPort:  node.DeployPort(),
				Key:         m.key,
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
				Family:    string(nodes.FamilyNative),
				Module:    m.name,
				SourceDir: cfg.SourceDir,
				OutputDir: m.outputDir(),
				Features:  cfg.Features,
			})
		})
	}

	if cfg.Deployed {
		m.deploy = lazy.Resolved(struct{}{})
	} else {
		m.deploy = step(&m.base, "deploy", func(ctx context.Context) (struct{}, error) {
			binary, err := m.binary.Get(ctx)
			if err != nil {
				return struct{}{}, err
			}
			if err := node.Deploy(ctx, m.id, binary); err != nil {
				return struct{}{}, err
			}
			m.deployed.Store(true)
			return struct{}{}, nil
		})
	}

	return m, nil
}

func (m *NativeModule) Node() nodes.Node { return m.node }

func (m *NativeModule) Deploy(ctx context.Context) error {
	_, err := m.deploy.Get(ctx)
	return err
}

func (m *NativeModule) ID(ctx context.Context) (uint16, error) {
	return m.id, nil
}

func (m *NativeModule) Key(ctx context.Context) ([]byte, error) {
	if err := m.Deploy(ctx); err != nil {
		return nil, err
	}
	return m.key, nil
}

func (m *NativeModule) Call(ctx context.Context, entry string, arg []byte) ([]byte, error) {
	return call(ctx, m, entry, arg)
}

func (m *NativeModule) State() State {
	s := m.snapshot(m.node)
	s.ID = m.id
	s.Key = m.key
	return s
}
