package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/metrics"
	"github.com/ruteri/tee-module-deployer/modules"
	"github.com/ruteri/tee-module-deployer/nodes"
	"github.com/ruteri/tee-module-deployer/wire"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

var (
	ErrSelfConnection        = errors.New("module cannot connect to itself")
	ErrUnsupportedEncryption = errors.New("encryption not supported by module")
	ErrNotDirect             = errors.New("connection has a producer")
	ErrNonceExhausted        = errors.New("connection nonce exhausted")
)

// Endpoint is one side of a connection: an output or request on the producer,
// an input or handler on the consumer.
type Endpoint struct {
	Module modules.Module
	Kind   modules.IOKind
	Name   string
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s.%s", e.Module.Name(), e.Name)
}

func (e Endpoint) id(ctx context.Context) (uint16, error) {
	return e.Module.InterfaceID(ctx, e.Kind, e.Name)
}

// Config describes a connection before it is established. From is nil for a
// direct connection. A nil Key is generated.
type Config struct {
	ID         uint16
	Name       string
	From       *Endpoint
	To         Endpoint
	Encryption cryptoutils.Encryption
	Key        []byte
	// Nonce is the next nonce of a direct connection. modules.NonceSpace
	// marks an exhausted connection.
	Nonce uint32

	Log     *slog.Logger
	Metrics *metrics.Registry
}

// Connection is a keyed channel between two modules, or from the deployer
// into one module.
type Connection struct {
	ID         uint16
	Name       string
	From       *Endpoint
	To         Endpoint
	Encryption cryptoutils.Encryption
	Key        cryptoutils.Key

	nonce       *atomic.Uint32
	established *atomic.Bool

	log     *slog.Logger
	metrics *metrics.Registry
}

// New checks the endpoints and key and counts the connection on its modules.
// It performs no network I/O.
func New(cfg Config) (*Connection, error) {
	if cfg.From != nil && cfg.From.Module == cfg.To.Module {
		return nil, fmt.Errorf("%w: %s", ErrSelfConnection, cfg.To.Module.Name())
	}

	if !cfg.Encryption.Valid() {
		return nil, fmt.Errorf("%w: %d", cryptoutils.ErrUnknownEncryption, uint8(cfg.Encryption))
	}
	for _, m := range participants(cfg.From, cfg.To) {
		if !slices.Contains(m.SupportedEncryption(), cfg.Encryption) {
			return nil, fmt.Errorf("%w: %s does not support %s", ErrUnsupportedEncryption, m.Name(), cfg.Encryption)
		}
	}

	key := cryptoutils.Key(cfg.Key)
	if key == nil {
		generated, err := cfg.Encryption.GenerateKey()
		if err != nil {
			return nil, err
		}
		key = generated
	} else if len(key) != cfg.Encryption.KeySize() {
		return nil, fmt.Errorf("%w: connection %d has a %d byte key, %s needs %d",
			cryptoutils.ErrBadKeySize, cfg.ID, len(key), cfg.Encryption, cfg.Encryption.KeySize())
	}

	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	c := &Connection{
		ID:          cfg.ID,
		Name:        cfg.Name,
		From:        cfg.From,
		To:          cfg.To,
		Encryption:  cfg.Encryption,
		Key:         key,
		nonce:       atomic.NewUint32(cfg.Nonce),
		established: atomic.NewBool(false),
		log:         cfg.Log.With("connection", cfg.ID),
		metrics:     cfg.Metrics,
	}

	for _, m := range participants(c.From, c.To) {
		m.AddConnection()
	}
	return c, nil
}

func participants(from *Endpoint, to Endpoint) []modules.Module {
	if from == nil {
		return []modules.Module{to.Module}
	}
	return []modules.Module{from.Module, to.Module}
}

// Direct reports whether the connection has no producer module.
func (c *Connection) Direct() bool { return c.From == nil }

// Nonce is the next nonce of a direct connection, or modules.NonceSpace once
// every nonce was used.
func (c *Connection) Nonce() uint32 { return min(c.nonce.Load(), modules.NonceSpace) }

func (c *Connection) Established() bool { return c.established.Load() }

func (c *Connection) String() string {
	if c.Direct() {
		return fmt.Sprintf("connection %d (direct -> %s)", c.ID, c.To)
	}
	return fmt.Sprintf("connection %d (%s -> %s)", c.ID, c.From, c.To)
}

func (c *Connection) nextNonce() (uint16, error) {
	n := c.nonce.Inc() - 1
	if n >= modules.NonceSpace {
		return 0, fmt.Errorf("%w: %d", ErrNonceExhausted, c.ID)
	}
	return uint16(n), nil
}

// Establish delivers the connection key to both endpoints and, for normal
// connections, routes the producer output to the consumer. The steps run
// concurrently and the connection is established only if all succeed.
// Endpoint modules are deployed as needed.
func (c *Connection) Establish(ctx context.Context) error {
	c.log.Info("Establishing connection", "from", c.from(), "to", c.To.String(), "encryption", c.Encryption)

	var g errgroup.Group
	if c.Direct() {
		g.Go(func() error {
			nonce, err := c.nextNonce()
			if err != nil {
				return err
			}
			return c.setKey(ctx, c.To, nonce)
		})
	} else {
		g.Go(func() error { return c.connect(ctx) })
		g.Go(func() error { return c.setKeyNext(ctx, *c.From) })
		g.Go(func() error { return c.setKeyNext(ctx, c.To) })
	}

	if err := g.Wait(); err != nil {
		c.log.Error("Failed to establish connection", "err", err)
		return fmt.Errorf("could not establish %s: %w", c, err)
	}

	c.established.Store(true)
	c.metrics.ObserveConnection(c.Encryption.String(), c.Direct())
	c.log.Info("Established connection")
	return nil
}

func (c *Connection) from() string {
	if c.Direct() {
		return "deployer"
	}
	return c.From.String()
}

func (c *Connection) connect(ctx context.Context) error {
	from, to := c.From.Module, c.To.Module

	if err := deployBoth(ctx, from, to); err != nil {
		return err
	}

	fromID, err := from.ID(ctx)
	if err != nil {
		return err
	}
	toID, err := to.ID(ctx)
	if err != nil {
		return err
	}
	outputID, err := c.From.id(ctx)
	if err != nil {
		return err
	}
	inputID, err := c.To.id(ctx)
	if err != nil {
		return err
	}

	return from.Node().Connect(ctx, nodes.ConnectRequest{
		FromModule: fromID,
		FromOutput: outputID,
		ToModule:   toID,
		ToInput:    inputID,
		ToAddress:  to.Node().Address(),
		ToPort:     to.Node().ReactivePort(),
	})
}

func deployBoth(ctx context.Context, a, b modules.Module) error {
	var g errgroup.Group
	g.Go(func() error { return a.Deploy(ctx) })
	g.Go(func() error { return b.Deploy(ctx) })
	return g.Wait()
}

// setKeyNext draws the nonce from the endpoint module's own counter.
func (c *Connection) setKeyNext(ctx context.Context, e Endpoint) error {
	nonce, err := e.Module.NextNonce()
	if err != nil {
		return err
	}
	return c.setKey(ctx, e, nonce)
}

func (c *Connection) setKey(ctx context.Context, e Endpoint, nonce uint16) error {
	moduleKey, err := e.Module.Key(ctx)
	if err != nil {
		return err
	}
	moduleID, err := e.Module.ID(ctx)
	if err != nil {
		return err
	}
	ioID, err := e.id(ctx)
	if err != nil {
		return err
	}

	return e.Module.Node().SetKey(ctx, nodes.SetKeyRequest{
		ModuleID:   moduleID,
		ModuleKey:  moduleKey,
		Encryption: c.Encryption,
		ConnID:     c.ID,
		IOID:       ioID,
		Nonce:      nonce,
		Key:        c.Key,
	})
}

// Output injects value into the consumer of a direct connection, as if a
// producer had sent it. The value is wrapped under the connection key.
func (c *Connection) Output(ctx context.Context, value []byte) ([]byte, error) {
	if !c.Direct() {
		return nil, fmt.Errorf("%w: %s", ErrNotDirect, c)
	}

	if err := c.To.Module.Deploy(ctx); err != nil {
		return nil, err
	}
	moduleID, err := c.To.Module.ID(ctx)
	if err != nil {
		return nil, err
	}

	nonce, err := c.nextNonce()
	if err != nil {
		return nil, err
	}

	wrapped, err := c.Encryption.Wrap(c.Key, wire.PackUint16(nonce), value)
	if err != nil {
		return nil, fmt.Errorf("could not wrap output for %s: %w", c, err)
	}

	payload := wire.NewBuilder(2 + len(wrapped)).
		Uint16(c.ID).
		Raw(wrapped).
		Bytes()

	c.log.Info("Sending output over direct connection", "to", c.To.String(), "nonce", nonce, "size", len(value))
	return c.To.Module.Node().Call(ctx, moduleID, uint16(wire.EntrypointHandleInput), payload)
}
