package deployment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/lazy"
	"github.com/ruteri/tee-module-deployer/metrics"
	"github.com/ruteri/tee-module-deployer/modules"
	"github.com/ruteri/tee-module-deployer/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeGenerator struct{ err error }

func (g *fakeGenerator) Generate(ctx context.Context, req interfaces.GenerateRequest) (*interfaces.GeneratedInterfaces, error) {
	if g.err != nil {
		return nil, g.err
	}
	return &interfaces.GeneratedInterfaces{
		Inputs:      interfaces.InterfaceMap{"i": 0},
		Outputs:     interfaces.InterfaceMap{"o": 1},
		Entrypoints: interfaces.InterfaceMap{"tick": 2},
	}, nil
}

type fakeToolchain struct{}

func (fakeToolchain) Build(ctx context.Context, req interfaces.BuildRequest) (string, error) {
	if err := os.MkdirAll(req.OutputDir, 0755); err != nil {
		return "", err
	}
	binary := filepath.Join(req.OutputDir, req.Module)
	return binary, os.WriteFile(binary, []byte(req.Module), 0644)
}

func (fakeToolchain) ConvertSign(ctx context.Context, binary string, vendorKey string) (interfaces.SignedImage, error) {
	image := interfaces.SignedImage{SGXS: binary + ".sgxs", Signature: binary + ".sig"}
	for _, path := range []string{image.SGXS, image.Signature} {
		if err := os.WriteFile(path, []byte(filepath.Base(path)), 0644); err != nil {
			return interfaces.SignedImage{}, err
		}
	}
	return image, nil
}

func (fakeToolchain) Link(ctx context.Context, binary string, symtab string) (string, error) {
	return "", errors.New("not used")
}

type fakeAttester struct{ calls atomic.Int32 }

func (a *fakeAttester) Attest(ctx context.Context, req interfaces.AttestationRequest) ([]byte, error) {
	a.calls.Inc()
	return []byte("0123456789abcdef"), nil
}

type event struct {
	addr    string
	cmd     wire.Command
	payload []byte
}

// recorder is the network of a test: it logs every command in order.
type recorder struct {
	mu     sync.Mutex
	events []event
}

func (r *recorder) RoundTrip(ctx context.Context, addr string, cmd wire.Command, payload []byte) (*wire.Result, error) {
	r.mu.Lock()
	r.events = append(r.events, event{addr: addr, cmd: cmd, payload: payload})
	r.mu.Unlock()
	return &wire.Result{Code: wire.ResultOk}, nil
}

func (r *recorder) snapshot() []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event(nil), r.events...)
}

func testOptions(t *testing.T, deploy bool, net *recorder, gen *fakeGenerator) Options {
	return Options{
		Deploy: deploy,
		Env: modules.Env{
			Generator: gen,
			Toolchain: fakeToolchain{},
			WorkDir:   t.TempDir(),
		},
		Transport: net,
		Log:       discard,
		Metrics:   metrics.NewRegistry(),
	}
}

const installDescriptor = `{
  "nodes": [
    {"type": "native", "name": "n1", "ip_address": "127.0.0.1", "reactive_port": 5001},
    {"type": "native", "name": "n2", "ip_address": "127.0.0.2", "reactive_port": 5002}
  ],
  "modules": [
    {"type": "native", "name": "p1", "node": "n1", "priority": 2},
    {"type": "native", "name": "p2", "node": "n1", "priority": 1},
    {"type": "native", "name": "a", "node": "n1"},
    {"type": "native", "name": "b", "node": "n2"}
  ],
  "connections": [
    {"from_module": "a", "from_output": "o", "to_module": "b", "to_input": "i", "encryption": "aes"},
    {"to_module": "p1", "to_input": "i", "encryption": "aes", "direct": true,
     "key": "000102030405060708090a0b0c0d0e0f"}
  ],
  "periodic-events": [
    {"module": "b", "entry": "tick", "frequency": 1000}
  ]
}`

func loadedModule(e event) string {
	r := wire.NewReader(e.payload)
	image, _ := r.Sized()
	return string(image)
}

func TestInstallOrder(t *testing.T) {
	desc, err := Parse([]byte(installDescriptor), FormatJSON)
	require.NoError(t, err)

	net := &recorder{}
	d, err := New(context.Background(), desc, testOptions(t, true, net, &fakeGenerator{}))
	require.NoError(t, err)

	names := []string{}
	for _, m := range d.PriorityModules() {
		names = append(names, m.Name())
	}
	assert.Equal(t, []string{"p2", "p1"}, names)

	require.NoError(t, d.Install(context.Background()))

	events := net.snapshot()
	require.GreaterOrEqual(t, len(events), 2)
	assert.Equal(t, wire.CommandLoad, events[0].cmd)
	assert.Equal(t, "p2", loadedModule(events[0]))
	assert.Equal(t, wire.CommandLoad, events[1].cmd)
	assert.Equal(t, "p1", loadedModule(events[1]))

	counts := map[wire.Command]int{}
	for _, e := range events {
		counts[e.cmd]++
	}
	assert.Equal(t, 4, counts[wire.CommandLoad])
	assert.Equal(t, 1, counts[wire.CommandConnect])
	// Two keys for a -> b, one for the direct connection.
	assert.Equal(t, 3, counts[wire.CommandCall])
	assert.Equal(t, 1, counts[wire.CommandRegisterEntrypoint])

	for _, c := range d.Connections {
		assert.True(t, c.Established())
	}

	dumped := d.Dump()
	assert.Equal(t, uint16(4), dumped.Nodes[0].NextModuleID)
	assert.Equal(t, uint16(2), dumped.Nodes[1].NextModuleID)

	require.NotNil(t, dumped.Connections[0].ID)
	assert.Equal(t, uint16(0), *dumped.Connections[0].ID)
	assert.Equal(t, uint16(1), *dumped.Connections[1].ID)
	assert.Len(t, dumped.Connections[0].Key, 16)
	assert.Equal(t, uint32(1), dumped.Connections[1].Nonce)

	for _, m := range dumped.Modules {
		assert.True(t, m.Deployed, m.Name)
		assert.Len(t, m.Key, 16, m.Name)
		assert.NotEmpty(t, m.Binary, m.Name)
	}
	assert.Equal(t, uint16(1), dumped.Modules[0].ID)
	assert.Equal(t, uint16(2), dumped.Modules[1].ID)
	assert.Equal(t, uint16(1), dumped.Modules[3].ID)
	assert.Equal(t, uint32(1), dumped.Modules[3].Nonce)
}

func TestReinstallDeployedSystem(t *testing.T) {
	desc, err := Parse([]byte(installDescriptor), FormatJSON)
	require.NoError(t, err)

	first := &recorder{}
	d, err := New(context.Background(), desc, testOptions(t, true, first, &fakeGenerator{}))
	require.NoError(t, err)
	require.NoError(t, d.Install(context.Background()))

	path := filepath.Join(t.TempDir(), "deployed.yaml")
	require.NoError(t, d.Save(path))

	second := &recorder{}
	gen := &fakeGenerator{err: errors.New("must not generate")}
	reloaded, err := Load(context.Background(), path, testOptions(t, false, second, gen))
	require.NoError(t, err)
	require.NoError(t, reloaded.Install(context.Background()))

	for _, e := range second.snapshot() {
		assert.NotEqual(t, wire.CommandLoad, e.cmd)
	}

	b := reloaded.Module("b")
	require.NotNil(t, b)
	assert.True(t, b.Deployed())
	assert.Equal(t, uint32(2), b.State().Nonce)
	assert.Equal(t, uint32(2), reloaded.Connection(1).Nonce())
}

func TestDumpRoundTrip(t *testing.T) {
	desc, err := Parse([]byte(installDescriptor), FormatJSON)
	require.NoError(t, err)

	d, err := New(context.Background(), desc, testOptions(t, true, &recorder{}, &fakeGenerator{}))
	require.NoError(t, err)
	require.NoError(t, d.Install(context.Background()))
	dumped := d.Dump()

	for _, format := range []Format{FormatJSON, FormatYAML} {
		data, err := dumped.Marshal(format)
		require.NoError(t, err)

		parsed, err := Parse(data, format)
		require.NoError(t, err)

		net := &recorder{}
		reloaded, err := New(context.Background(), parsed, testOptions(t, false, net, &fakeGenerator{}))
		require.NoError(t, err)

		assert.Equal(t, dumped, reloaded.Dump())
		assert.Empty(t, net.snapshot())

		for i, c := range reloaded.Connections {
			assert.Equal(t, d.Connections[i].ID, c.ID)
			assert.Equal(t, d.Connections[i].Key, c.Key)
			assert.Equal(t, d.Connections[i].Nonce(), c.Nonce())
		}
		for i, m := range reloaded.Modules {
			id, err := m.ID(context.Background())
			require.NoError(t, err)
			origID, err := d.Modules[i].ID(context.Background())
			require.NoError(t, err)
			assert.Equal(t, origID, id)
		}
	}
}

func TestInstallStopsOnFailure(t *testing.T) {
	desc, err := Parse([]byte(installDescriptor), FormatJSON)
	require.NoError(t, err)

	genErr := errors.New("generator crashed")
	net := &recorder{}
	d, err := New(context.Background(), desc, testOptions(t, true, net, &fakeGenerator{err: genErr}))
	require.NoError(t, err)

	err = d.Install(context.Background())
	require.ErrorIs(t, err, genErr)
	assert.Contains(t, err.Error(), "install priority modules")
	assert.Empty(t, net.snapshot())
	assert.False(t, d.Connections[0].Established())
}

func TestPeriodicEventRegister(t *testing.T) {
	desc, err := Parse([]byte(installDescriptor), FormatJSON)
	require.NoError(t, err)

	net := &recorder{}
	d, err := New(context.Background(), desc, testOptions(t, true, net, &fakeGenerator{}))
	require.NoError(t, err)

	require.Len(t, d.PeriodicEvents, 1)
	require.NoError(t, d.PeriodicEvents[0].Register(context.Background()))

	events := net.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, wire.CommandLoad, events[0].cmd)
	assert.Equal(t, "127.0.0.2:5002", events[1].addr)
	assert.Equal(t, wire.CommandRegisterEntrypoint, events[1].cmd)
	assert.Equal(t, []byte{0, 1, 0, 2, 0, 0, 0x03, 0xe8}, events[1].payload)
}

func TestFormatForPath(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatForPath("deploy.yaml"))
	assert.Equal(t, FormatYAML, FormatForPath("deploy.YML"))
	assert.Equal(t, FormatJSON, FormatForPath("deploy.json"))
	assert.Equal(t, FormatJSON, FormatForPath("deploy"))
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deploy.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
nodes:
  - type: sancus
    name: mote
    ip_address: 10.0.0.5
    reactive_port: 6000
    vendor_id: 4660
    vendor_key: 0102030405060708090a0b0c0d0e0f10
  - type: sgx
    name: enclave
    ip_address: 10.0.0.6
    reactive_port: 5000
    settle_delay: 10ms
modules:
  - type: sancus
    name: sensor
    node: mote
    files: [sensor.c]
  - type: sgx
    name: gateway
    node: enclave
    vendor_key: vendor.pem
connections:
  - from_module: sensor
    from_output: reading
    to_module: gateway
    to_input: reading
    encryption: spongent
`), 0644))

	d, err := Load(context.Background(), path, testOptions(t, true, &recorder{}, &fakeGenerator{}))
	require.NoError(t, err)

	require.Len(t, d.Nodes, 2)
	assert.Equal(t, "10.0.0.5", d.Node("mote").Address().String())
	assert.Equal(t, uint16(6000), d.Node("mote").DeployPort())
	assert.Equal(t, []string{"sensor", "gateway"}, []string{d.Modules[0].Name(), d.Modules[1].Name()})
	assert.Len(t, d.Connections[0].Key, 16)
	assert.Nil(t, d.Module("missing"))
	assert.Nil(t, d.Node("missing"))
}

func TestValidateRules(t *testing.T) {
	base := func() *Descriptor {
		d, err := Parse([]byte(installDescriptor), FormatJSON)
		require.NoError(t, err)
		return d
	}

	tests := []struct {
		name   string
		mutate func(d *Descriptor)
		deploy bool
		rules  []string
	}{
		{
			name:   "self connection",
			mutate: func(d *Descriptor) { d.Connections[0].FromModule = "b" },
			deploy: true,
			rules:  []string{"connection-self"},
		},
		{
			name: "short connection key",
			mutate: func(d *Descriptor) {
				d.Connections[1].Key = []byte{1, 2, 3}
			},
			deploy: true,
			rules:  []string{"connection-key"},
		},
		{
			name:   "unknown encryption",
			mutate: func(d *Descriptor) { d.Connections[0].Encryption = "rot13" },
			deploy: true,
			rules:  []string{"connection-encryption"},
		},
		{
			name:   "unknown node",
			mutate: func(d *Descriptor) { d.Modules[0].Node = "n9" },
			deploy: true,
			rules:  []string{"module-node"},
		},
		{
			name: "duplicate names",
			mutate: func(d *Descriptor) {
				d.Modules[1].Name = "p1"
				d.Nodes[1].Name = "n1"
			},
			deploy: true,
			rules:  []string{"unique-module-names", "unique-node-names"},
		},
		{
			name: "address fields",
			mutate: func(d *Descriptor) {
				d.Nodes[0].Host = "node.local"
				d.Nodes[1].IPAddress = ""
			},
			deploy: true,
			rules:  []string{"node-address"},
		},
		{
			name:   "zero frequency",
			mutate: func(d *Descriptor) { d.PeriodicEvents[0].Frequency = 0 },
			deploy: true,
			rules:  []string{"field"},
		},
		{
			name:   "frequency too large",
			mutate: func(d *Descriptor) { d.PeriodicEvents[0].Frequency = 1 << 32 },
			deploy: true,
			rules:  []string{"field"},
		},
		{
			name:   "nonce past exhaustion",
			mutate: func(d *Descriptor) { d.Connections[1].Nonce = 1<<16 + 1 },
			deploy: true,
			rules:  []string{"field"},
		},
		{
			name:   "output to handler",
			mutate: func(d *Descriptor) { d.Connections[0].ToInput, d.Connections[0].ToHandler = "", "h" },
			deploy: true,
			rules:  []string{"connection-endpoints"},
		},
		{
			name:   "direct with producer",
			mutate: func(d *Descriptor) { d.Connections[1].FromModule = "a" },
			deploy: true,
			rules:  []string{"connection-endpoints"},
		},
		{
			name:   "persisted connection without id or key",
			mutate: func(d *Descriptor) {},
			deploy: false,
			rules:  []string{"connection-state"},
		},
		{
			name: "deployed module without state",
			mutate: func(d *Descriptor) {
				d.Modules[2].Deployed = true
			},
			deploy: false,
			rules:  []string{"deployed-module-state"},
		},
		{
			name: "sancus vendor",
			mutate: func(d *Descriptor) {
				d.Nodes = append(d.Nodes, NodeDescriptor{Type: "sancus", Name: "mote", IPAddress: "10.0.0.1", ReactivePort: 1, VendorID: 0})
			},
			deploy: true,
			rules:  []string{"sancus-vendor"},
		},
		{
			name: "sancus module cannot use aes",
			mutate: func(d *Descriptor) {
				d.Nodes = append(d.Nodes, NodeDescriptor{Type: "sancus", Name: "mote", IPAddress: "10.0.0.1", ReactivePort: 1, VendorID: 1, VendorKey: make([]byte, 16)})
				d.Modules = append(d.Modules, ModuleDescriptor{Type: "sancus", Name: "s", Node: "mote", Files: []string{"s.c"}})
				d.Connections[0].ToModule = "s"
			},
			deploy: true,
			rules:  []string{"connection-encryption"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base()
			tt.mutate(d)

			err := Validate(d, tt.deploy)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfig)

			var got []string
			for _, e := range multierr.Errors(err) {
				var ruleErr *RuleError
				require.ErrorAs(t, e, &ruleErr)
				got = append(got, ruleErr.Rule)
			}
			for _, rule := range tt.rules {
				assert.Contains(t, got, rule, strings.Join(got, ", "))
			}

			_, err = New(context.Background(), d, testOptions(t, tt.deploy, &recorder{}, &fakeGenerator{}))
			assert.ErrorIs(t, err, ErrConfig)
		})
	}

	assert.NoError(t, Validate(base(), true))
}

func TestFixedConnectionID(t *testing.T) {
	desc, err := Parse([]byte(`{
  "nodes": [{"type": "native", "name": "n1", "ip_address": "127.0.0.1", "reactive_port": 5001}],
  "modules": [{"type": "native", "name": "a", "node": "n1"}, {"type": "native", "name": "b", "node": "n1"}],
  "connections": [
    {"id": 0, "to_module": "b", "to_input": "i", "encryption": "aes", "direct": true},
    {"from_module": "a", "from_output": "o", "to_module": "b", "to_input": "i", "encryption": "aes"},
    {"id": 7, "to_module": "b", "to_input": "i", "encryption": "aes", "direct": true}
  ]
}`), FormatJSON)
	require.NoError(t, err)

	net := &recorder{}
	d, err := New(context.Background(), desc, testOptions(t, true, net, &fakeGenerator{}))
	require.NoError(t, err)

	assert.Equal(t, uint16(0), d.Connections[0].ID)
	assert.Equal(t, uint16(1), d.Connections[1].ID)
	assert.Equal(t, uint16(7), d.Connections[2].ID)

	require.NoError(t, d.Connection(7).Establish(context.Background()))

	var calls, connects int
	for _, e := range net.snapshot() {
		switch e.cmd {
		case wire.CommandCall:
			calls++
			r := wire.NewReader(e.payload)
			_, _ = r.Uint16()
			entry, err := r.Uint16()
			require.NoError(t, err)
			assert.Equal(t, uint16(wire.EntrypointSetKey), entry)
		case wire.CommandConnect:
			connects++
		}
	}
	assert.Equal(t, 1, calls)
	assert.Zero(t, connects)
}

func TestInstallKeysPriorityEnclave(t *testing.T) {
	desc, err := Parse([]byte(`{
  "nodes": [{"type": "sgx", "name": "n1", "ip_address": "127.0.0.1", "reactive_port": 5000,
             "deploy_port": 6000, "settle_delay": "0s"}],
  "modules": [{"type": "sgx", "name": "km", "node": "n1", "priority": 1, "vendor_key": "vendor.pem"}]
}`), FormatJSON)
	require.NoError(t, err)

	att := &fakeAttester{}
	opts := testOptions(t, true, &recorder{}, &fakeGenerator{})
	opts.Env.Attester = att
	opts.Env.SPKey = lazy.Resolved([]byte("sp key"))

	d, err := New(context.Background(), desc, opts)
	require.NoError(t, err)
	require.NoError(t, d.Install(context.Background()))
	assert.Equal(t, int32(1), att.calls.Load())

	dumped := d.Dump()
	require.Len(t, dumped.Modules, 1)
	assert.True(t, dumped.Modules[0].Deployed)
	assert.Len(t, dumped.Modules[0].Key, 16)

	net := &recorder{}
	reloaded, err := New(context.Background(), dumped, testOptions(t, false, net, &fakeGenerator{}))
	require.NoError(t, err)
	require.NoError(t, reloaded.Install(context.Background()))
	assert.Empty(t, net.snapshot())
	assert.Equal(t, int32(1), att.calls.Load())
}
