package modules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"time"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/lazy"
	"github.com/ruteri/tee-module-deployer/metrics"
	"github.com/ruteri/tee-module-deployer/nodes"
	"go.uber.org/atomic"
)

// ErrNonceExhausted is returned once a module has used every u16 nonce.
var ErrNonceExhausted = errors.New("module nonce exhausted")

// NonceSpace is the number of distinct u16 nonces. A counter that reached it
// is exhausted and is persisted with that value.
const NonceSpace = math.MaxUint16 + 1

// IOKind selects one of the interface maps produced by code generation.
type IOKind int

const (
	Input IOKind = iota
	Output
	Entrypoint
	Handler
	Request
)

func (k IOKind) String() string {
	switch k {
	case Input:
		return "input"
	case Output:
		return "output"
	case Entrypoint:
		return "entrypoint"
	case Handler:
		return "handler"
	case Request:
		return "request"
	default:
		return fmt.Sprintf("IOKind(%d)", int(k))
	}
}

// Module is a deployable unit on one node. Every derived value is computed at
// most once; concurrent callers share the result or the failure.
type Module interface {
	Name() string
	Family() nodes.Family
	Node() nodes.Node
	Priority() (int, bool)

	// Deploy runs the pipeline up to an acknowledged load. It is a no-op for
	// modules loaded as already deployed.
	Deploy(ctx context.Context) error
	Deployed() bool

	// ID is the module id on its node. Families whose node assigns the id on
	// load deploy the module first.
	ID(ctx context.Context) (uint16, error)

	// Key is the module key. It deploys the module and, for attested
	// families, performs remote attestation.
	Key(ctx context.Context) ([]byte, error)

	InterfaceID(ctx context.Context, kind IOKind, name string) (uint16, error)
	SupportedEncryption() []cryptoutils.Encryption

	// NextNonce returns the nonce for the next SetKey to this module.
	NextNonce() (uint16, error)

	AddConnection()
	Connections() int

	// Call invokes a named (or numeric) entry point on the deployed module.
	Call(ctx context.Context, entry string, arg []byte) ([]byte, error)

	// State is a snapshot of every value computed so far. It never triggers
	// computation.
	State() State
}

// SupportedEncryption lists the connection encryptions modules of family
// can take part in.
func SupportedEncryption(family nodes.Family) []cryptoutils.Encryption {
	switch family {
	case nodes.FamilySancus:
		return []cryptoutils.Encryption{cryptoutils.EncryptionSpongent}
	case nodes.FamilySGX, nodes.FamilyNative:
		return []cryptoutils.Encryption{cryptoutils.EncryptionAES, cryptoutils.EncryptionSpongent}
	default:
		return nil
	}
}

// Env holds the collaborators shared by every module of a deployment.
type Env struct {
	Generator interfaces.Generator
	Toolchain interfaces.Toolchain
	Attester  interfaces.Attester
	// SPKey is the attestation service public key, fetched once.
	SPKey *lazy.Value[[]byte]
	// WorkDir receives one output directory per module.
	WorkDir string

	Log     *slog.Logger
	Metrics *metrics.Registry
}

// State is what a deployment persists about a module.
type State struct {
	Name       string
	Family     nodes.Family
	Node       string
	Deployed   bool
	ID         uint16
	Key        []byte
	Binary     string
	Image      *interfaces.SignedImage
	Interfaces *interfaces.GeneratedInterfaces
	// Nonce counts the nonces used so far, up to NonceSpace.
	Nonce uint32
}

// Common is the persisted state every family accepts. A module loaded with
// Deployed set uses these values instead of running its pipeline.
type Common struct {
	Name     string
	Priority *int
	Deployed bool
	ID       uint16
	Key      []byte
	Binary   string
	Nonce    uint32

	Interfaces *interfaces.GeneratedInterfaces
}

type base struct {
	name     string
	family   nodes.Family
	priority *int

	nonce       *atomic.Uint32
	connections *atomic.Int32
	deployed    *atomic.Bool

	env Env
	log *slog.Logger

	generated *lazy.Value[*interfaces.GeneratedInterfaces]
	binary    *lazy.Value[string]
}

func newBase(c Common, family nodes.Family, node nodes.Node, env Env) base {
	if env.Log == nil {
		env.Log = slog.Default()
	}

	b := base{
		name:        c.Name,
		family:      family,
		priority:    c.Priority,
		nonce:       atomic.NewUint32(c.Nonce),
		connections: atomic.NewInt32(0),
		deployed:    atomic.NewBool(c.Deployed),
		env:         env,
		log:         env.Log.With("module", c.Name, "node", node.Name()),
	}
	if c.Interfaces != nil {
		b.generated = lazy.Resolved(c.Interfaces)
	}
	if c.Binary != "" {
		b.binary = lazy.Resolved(c.Binary)
	}
	return b
}

func (b *base) Name() string         { return b.name }
func (b *base) Family() nodes.Family { return b.family }
func (b *base) Deployed() bool       { return b.deployed.Load() }
func (b *base) AddConnection()       { b.connections.Inc() }
func (b *base) Connections() int     { return int(b.connections.Load()) }

func (b *base) SupportedEncryption() []cryptoutils.Encryption {
	return SupportedEncryption(b.family)
}

func (b *base) Priority() (int, bool) {
	if b.priority == nil {
		return 0, false
	}
	return *b.priority, true
}

func (b *base) outputDir() string {
	return filepath.Join(b.env.WorkDir, b.name)
}

func (b *base) NextNonce() (uint16, error) {
	n := b.nonce.Inc() - 1
	if n >= NonceSpace {
		return 0, fmt.Errorf("%w for %s", ErrNonceExhausted, b.name)
	}
	return uint16(n), nil
}

func (b *base) InterfaceID(ctx context.Context, kind IOKind, name string) (uint16, error) {
	generated, err := b.generated.Get(ctx)
	if err != nil {
		return 0, err
	}

	var m interfaces.InterfaceMap
	switch kind {
	case Input:
		m = generated.Inputs
	case Output:
		m = generated.Outputs
	case Entrypoint:
		m = generated.Entrypoints
	case Handler:
		m = generated.Handlers
	case Request:
		m = generated.Requests
	default:
		return 0, fmt.Errorf("unknown interface kind %s", kind)
	}

	id, err := m.Lookup(kind.String(), name)
	if err != nil {
		return 0, fmt.Errorf("module %s: %w", b.name, err)
	}
	return id, nil
}

// EntryID resolves an entry point of m by name, falling back to a numeric id.
func EntryID(ctx context.Context, m Module, entry string) (uint16, error) {
	id, err := m.InterfaceID(ctx, Entrypoint, entry)
	if err == nil {
		return id, nil
	}
	if n, perr := strconv.ParseUint(entry, 10, 16); perr == nil {
		return uint16(n), nil
	}
	return 0, err
}

// snapshot fills the fields of State that every family shares.
func (b *base) snapshot(node nodes.Node) State {
	s := State{
		Name:     b.name,
		Family:   b.family,
		Node:     node.Name(),
		Deployed: b.deployed.Load(),
		Nonce:    min(b.nonce.Load(), NonceSpace),
	}
	if generated, ok := b.generated.Peek(); ok {
		s.Interfaces = generated
	}
	if binary, ok := b.binary.Peek(); ok {
		s.Binary = binary
	}
	return s
}

// step wraps one pipeline stage in a memoized value that logs and records
// its outcome.
func step[T any](b *base, name string, fn func(ctx context.Context) (T, error)) *lazy.Value[T] {
	return lazy.New(func(ctx context.Context) (T, error) {
		b.log.Debug("Running module step", "step", name)
		start := time.Now()

		v, err := fn(ctx)
		b.env.Metrics.ObserveStep(string(b.family), name, err, time.Since(start))
		if err != nil {
			b.log.Error("Module step failed", "step", name, "err", err)
			var zero T
			return zero, fmt.Errorf("%s %s: %w", name, b.name, err)
		}

		b.log.Debug("Module step done", "step", name, "duration", time.Since(start))
		return v, nil
	})
}

func call(ctx context.Context, m Module, entry string, arg []byte) ([]byte, error) {
	if err := m.Deploy(ctx); err != nil {
		return nil, err
	}
	moduleID, err := m.ID(ctx)
	if err != nil {
		return nil, err
	}
	entryID, err := EntryID(ctx, m, entry)
	if err != nil {
		return nil, err
	}
	return m.Node().Call(ctx, moduleID, entryID, arg)
}
