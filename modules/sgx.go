package modules

import (
	"context"
	"errors"

	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/lazy"
	"github.com/ruteri/tee-module-deployer/nodes"
)

// SGXConfig describes an enclave module.
type SGXConfig struct {
	Common
	SourceDir string
	Features  []string
	// VendorKey is the private key used to sign the enclave image.
	VendorKey string
	// RASettings is passed through to the attester.
	RASettings string
	// Image is the signed image of a previously deployed module.
	Image *interfaces.SignedImage
}

// SGXModule is attested after deployment; the attestation yields its key.
type SGXModule struct {
	base

	node *nodes.SGXNode
	id   uint16

	image  *lazy.Value[interfaces.SignedImage]
	deploy *lazy.Value[struct{}]
	key    *lazy.Value[[]byte]
}

func NewSGXModule(cfg SGXConfig, node *nodes.SGXNode, env Env) (*SGXModule, error) {
	m := &SGXModule{
		base: newBase(cfg.Common, nodes.FamilySGX, node, env),
		node: node,
		id:   cfg.ID,
	}

	if m.id == 0 {
		id, err := node.NextModuleID()
		if err != nil {
			return nil, err
		}
		m.id = id
	}

	if m.generated == nil {
		m.generated = step(&m.base, "generate", func(ctx context.Context) (*interfaces.GeneratedInterfaces, error) {
			if env.SPKey == nil {
				return nil, errors.New("no attestation service public key configured")
			}
			spKey, err := env.SPKey.Get(ctx)
			if err != nil {
				return nil, err
			}
			return env.Generator.Generate(ctx, interfaces.GenerateRequest{
				Family:      string(nodes.FamilySGX),
				Module:      m.name,
				SourceDir:   cfg.SourceDir,
				OutputDir:   m.outputDir(),
				ModuleID:    m.id,
				DeployPort:  node.DeployPort(),
				SPKey:       spKey,
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
				Family:    string(nodes.FamilySGX),
				Module:    m.name,
				SourceDir: cfg.SourceDir,
				OutputDir: m.outputDir(),
				Features:  cfg.Features,
			})
		})
	}

	if cfg.Image != nil {
		m.image = lazy.Resolved(*cfg.Image)
	} else {
		m.image = step(&m.base, "convert_sign", func(ctx context.Context) (interfaces.SignedImage, error) {
			binary, err := m.binary.Get(ctx)
			if err != nil {
				return interfaces.SignedImage{}, err
			}
			return env.Toolchain.ConvertSign(ctx, binary, cfg.VendorKey)
		})
	}

	if cfg.Deployed {
		m.deploy = lazy.Resolved(struct{}{})
	} else {
		m.deploy = step(&m.base, "deploy", func(ctx context.Context) (struct{}, error) {
			image, err := m.image.Get(ctx)
			if err != nil {
				return struct{}{}, err
			}
			if err := node.Deploy(ctx, m.id, image); err != nil {
				return struct{}{}, err
			}
			m.deployed.Store(true)
			return struct{}{}, nil
		})
	}

	if cfg.Key != nil {
		m.key = lazy.Resolved(cfg.Key)
	} else {
		m.key = step(&m.base, "attest", func(ctx context.Context) ([]byte, error) {
			if err := m.Deploy(ctx); err != nil {
				return nil, err
			}
			binary, err := m.binary.Get(ctx)
			if err != nil {
				return nil, err
			}
			image, err := m.image.Get(ctx)
			if err != nil {
				return nil, err
			}
			return env.Attester.Attest(ctx, interfaces.AttestationRequest{
				Module:   m.name,
				Host:     node.Address().String(),
				Port:     node.ModulePort(m.id),
				ModuleID: m.id,
				Binary:   binary,
				Image:    image,
				Settings: cfg.RASettings,
			})
		})
	}

	return m, nil
}

func (m *SGXModule) Node() nodes.Node { return m.node }

func (m *SGXModule) Deploy(ctx context.Context) error {
	_, err := m.deploy.Get(ctx)
	return err
}

func (m *SGXModule) ID(ctx context.Context) (uint16, error) {
	return m.id, nil
}

func (m *SGXModule) Key(ctx context.Context) ([]byte, error) {
	if err := m.Deploy(ctx); err != nil {
		return nil, err
	}
	return m.key.Get(ctx)
}

func (m *SGXModule) Call(ctx context.Context, entry string, arg []byte) ([]byte, error) {
	return call(ctx, m, entry, arg)
}

func (m *SGXModule) State() State {
	s := m.snapshot(m.node)
	s.ID = m.id
	if key, ok := m.key.Peek(); ok {
		s.Key = key
	}
	if image, ok := m.image.Peek(); ok {
		s.Image = &image
	}
	return s
}
