package nodes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/metrics"
	"github.com/ruteri/tee-module-deployer/wire"
	"go.uber.org/atomic"
)

var (
	// ErrDeployFailed is returned when a node answers a load with module id 0.
	ErrDeployFailed = errors.New("node rejected module load")
	// ErrBadTag is returned when a SetKey response tag does not verify.
	ErrBadTag = errors.New("module response has wrong tag")
	// ErrModuleIDsExhausted is returned once a node has handed out every u16 id.
	ErrModuleIDsExhausted = errors.New("module ids exhausted")
)

// Family enumerates the supported node and module kinds.
type Family string

const (
	FamilySancus Family = "sancus"
	FamilySGX    Family = "sgx"
	FamilyNative Family = "native"
)

// Node is the capability set shared by all node families. Loading a module is
// family specific and lives on the concrete types.
type Node interface {
	Name() string
	Family() Family
	Address() netip.Addr
	ReactivePort() uint16
	DeployPort() uint16

	// NextModuleID allocates a fresh non-zero module id on this node.
	NextModuleID() (uint16, error)
	// PeekModuleID returns the id the next allocation will return.
	PeekModuleID() uint16

	Connect(ctx context.Context, req ConnectRequest) error
	SetKey(ctx context.Context, req SetKeyRequest) error
	Call(ctx context.Context, moduleID, entryID uint16, arg []byte) ([]byte, error)
	RegisterEntrypoint(ctx context.Context, moduleID, entryID uint16, frequency uint32) error
	Ping(ctx context.Context) error
}

// Config carries what every node needs. Transport defaults to TCP with the
// framing of the family.
type Config struct {
	Name         string
	Address      netip.Addr
	ReactivePort uint16
	DeployPort   uint16
	// NextModuleID is the first id to allocate; 0 means 1.
	NextModuleID uint16

	Transport wire.Transport
	Log       *slog.Logger
	Metrics   *metrics.Registry
}

// ConnectRequest routes output FromOutput of FromModule (on the receiving
// node) to input ToInput of ToModule on the node at ToAddress:ToPort.
type ConnectRequest struct {
	FromModule uint16
	FromOutput uint16
	ToModule   uint16
	ToInput    uint16
	ToAddress  netip.Addr
	ToPort     uint16
}

// SetKeyRequest delivers a connection key to one endpoint module. Key is
// wrapped under ModuleKey before it leaves the process.
type SetKeyRequest struct {
	ModuleID   uint16
	ModuleKey  []byte
	Encryption cryptoutils.Encryption
	ConnID     uint16
	IOID       uint16
	Nonce      uint16
	Key        []byte
}

// AssociatedData is the authenticated header of a SetKey payload.
func (r *SetKeyRequest) AssociatedData() []byte {
	return wire.NewBuilder(7).
		Uint8(uint8(r.Encryption)).
		Uint16(r.ConnID).
		Uint16(r.IOID).
		Uint16(r.Nonce).
		Bytes()
}

// reactiveNode implements the commands every family shares.
type reactiveNode struct {
	name         string
	family       Family
	address      netip.Addr
	reactivePort uint16
	deployPort   uint16

	// nextID holds the next module id to hand out.
	nextID *atomic.Uint32

	// wrapScheme wraps connection keys under module keys on this family.
	wrapScheme cryptoutils.Encryption
	// taggedSetKey nodes answer SetKey with a MAC over nonce and result.
	taggedSetKey bool

	transport wire.Transport
	log       *slog.Logger
	metrics   *metrics.Registry
}

func newReactiveNode(cfg Config, family Family, framing wire.Framing) reactiveNode {
	if cfg.DeployPort == 0 {
		cfg.DeployPort = cfg.ReactivePort
	}
	if cfg.NextModuleID == 0 {
		cfg.NextModuleID = 1
	}
	if cfg.Transport == nil {
		cfg.Transport = wire.NewTCPTransport(framing)
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return reactiveNode{
		name:         cfg.Name,
		family:       family,
		address:      cfg.Address,
		reactivePort: cfg.ReactivePort,
		deployPort:   cfg.DeployPort,
		nextID:       atomic.NewUint32(uint32(cfg.NextModuleID)),
		wrapScheme:   cryptoutils.EncryptionAES,
		transport:    cfg.Transport,
		log:          cfg.Log.With("node", cfg.Name),
		metrics:      cfg.Metrics,
	}
}

func (n *reactiveNode) Name() string         { return n.name }
func (n *reactiveNode) Family() Family       { return n.family }
func (n *reactiveNode) Address() netip.Addr  { return n.address }
func (n *reactiveNode) ReactivePort() uint16 { return n.reactivePort }
func (n *reactiveNode) DeployPort() uint16   { return n.deployPort }
func (n *reactiveNode) PeekModuleID() uint16 { return uint16(min(n.nextID.Load(), math.MaxUint16)) }
func (n *reactiveNode) String() string       { return fmt.Sprintf("%s node %s", n.family, n.name) }
func (n *reactiveNode) reactiveAddr() string { return hostPort(n.address, n.reactivePort) }
func (n *reactiveNode) deployAddr() string   { return hostPort(n.address, n.deployPort) }

func (n *reactiveNode) NextModuleID() (uint16, error) {
	id := n.nextID.Inc() - 1
	if id == 0 || id > math.MaxUint16 {
		return 0, fmt.Errorf("%w on %s", ErrModuleIDsExhausted, n.name)
	}
	return uint16(id), nil
}

// send performs one exchange and records it.
func (n *reactiveNode) send(ctx context.Context, addr string, cmd wire.Command, payload []byte) (*wire.Result, error) {
	start := time.Now()
	res, err := wire.Exchange(ctx, n.transport, addr, cmd, payload)
	n.metrics.ObserveCommand(n.name, cmd.String(), err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s on %s: %w", cmd, n.name, err)
	}
	return res, nil
}

func (n *reactiveNode) Connect(ctx context.Context, req ConnectRequest) error {
	if !req.ToAddress.Is4() {
		return fmt.Errorf("connect target %s is not an IPv4 address", req.ToAddress)
	}
	ip := req.ToAddress.As4()

	payload := wire.NewBuilder(14).
		Uint16(req.FromModule).
		Uint16(req.FromOutput).
		Uint16(req.ToModule).
		Uint16(req.ToInput).
		Uint16(req.ToPort).
		Raw(ip[:]).
		Bytes()

	if _, err := n.send(ctx, n.reactiveAddr(), wire.CommandConnect, payload); err != nil {
		return err
	}

	n.log.Info("Connected modules",
		"from", fmt.Sprintf("%d:%d", req.FromModule, req.FromOutput),
		"to", fmt.Sprintf("%d:%d", req.ToModule, req.ToInput),
		"target", hostPort(req.ToAddress, req.ToPort))
	return nil
}

func (n *reactiveNode) SetKey(ctx context.Context, req SetKeyRequest) error {
	ad := req.AssociatedData()
	wrapped, err := n.wrapScheme.Wrap(req.ModuleKey, ad, req.Key)
	if err != nil {
		return fmt.Errorf("could not wrap key for module %d: %w", req.ModuleID, err)
	}

	payload := wire.NewBuilder(4 + len(ad) + len(wrapped)).
		Uint16(req.ModuleID).
		Uint16(uint16(wire.EntrypointSetKey)).
		Raw(ad).
		Raw(wrapped).
		Bytes()

	res, err := n.send(ctx, n.reactiveAddr(), wire.CommandCall, payload)
	if err != nil {
		return err
	}

	if n.taggedSetKey {
		expected := wire.NewBuilder(3).Uint16(req.Nonce).Uint8(uint8(res.Code)).Bytes()
		if err := n.wrapScheme.VerifyMAC(req.ModuleKey, expected, res.Payload); err != nil {
			return fmt.Errorf("SetKey on %s for module %d: %w", n.name, req.ModuleID, ErrBadTag)
		}
	}

	n.log.Info("Set connection key", "module", req.ModuleID, "conn", req.ConnID, "io", req.IOID, "nonce", req.Nonce)
	return nil
}

func (n *reactiveNode) Call(ctx context.Context, moduleID, entryID uint16, arg []byte) ([]byte, error) {
	payload := wire.NewBuilder(4 + len(arg)).
		Uint16(moduleID).
		Uint16(entryID).
		Raw(arg).
		Bytes()

	res, err := n.send(ctx, n.reactiveAddr(), wire.CommandCall, payload)
	if err != nil {
		return nil, err
	}

	n.log.Debug("Called entry point", "module", moduleID, "entry", entryID, "response", len(res.Payload))
	return res.Payload, nil
}

func (n *reactiveNode) RegisterEntrypoint(ctx context.Context, moduleID, entryID uint16, frequency uint32) error {
	payload := wire.NewBuilder(8).
		Uint16(moduleID).
		Uint16(entryID).
		Uint32(frequency).
		Bytes()

	if _, err := n.send(ctx, n.reactiveAddr(), wire.CommandRegisterEntrypoint, payload); err != nil {
		return err
	}

	n.log.Info("Registered periodic entry point", "module", moduleID, "entry", entryID, "frequency", frequency)
	return nil
}

func (n *reactiveNode) Ping(ctx context.Context) error {
	_, err := n.send(ctx, n.reactiveAddr(), wire.CommandPing, nil)
	return err
}

// sleep waits for d unless ctx ends first.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func hostPort(addr netip.Addr, port uint16) string {
	return net.JoinHostPort(addr.String(), strconv.Itoa(int(port)))
}

var (
	_ Node = (*SancusNode)(nil)
	_ Node = (*SGXNode)(nil)
	_ Node = (*NativeNode)(nil)
)
