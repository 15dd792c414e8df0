package nodes

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/wire"
)

// SancusNode is a microcontroller running the Sancus event manager. It uses
// 16-bit frame lengths and handles one request at a time, so every command is
// serialized through mu.
type SancusNode struct {
	reactiveNode

	VendorID  uint16
	VendorKey cryptoutils.Key

	mu sync.Mutex
}

func NewSancusNode(cfg Config, vendorID uint16, vendorKey cryptoutils.Key) *SancusNode {
	n := &SancusNode{
		reactiveNode: newReactiveNode(cfg, FamilySancus, wire.FramingLength16),
		VendorID:     vendorID,
		VendorKey:    vendorKey,
	}
	n.wrapScheme = cryptoutils.EncryptionSpongent
	n.taggedSetKey = true
	return n
}

// Deploy uploads a module binary. The node relocates the module and answers
// with its id and the symbol table it used, which is written next to the
// binary and returned as a path.
func (n *SancusNode) Deploy(ctx context.Context, name string, binary string) (uint16, string, error) {
	image, err := os.ReadFile(binary)
	if err != nil {
		return 0, "", fmt.Errorf("could not read module binary: %w", err)
	}

	payload := wire.NewBuilder(len(name) + 3 + len(image)).
		Raw([]byte(name)).
		Uint8(0).
		Uint16(n.VendorID).
		Raw(image).
		Bytes()

	n.mu.Lock()
	res, err := n.send(ctx, n.deployAddr(), wire.CommandLoad, payload)
	n.mu.Unlock()
	if err != nil {
		return 0, "", err
	}

	r := wire.NewReader(res.Payload)
	id, err := r.Uint16()
	if err != nil {
		return 0, "", fmt.Errorf("malformed load response from %s: %w", n.name, err)
	}
	if id == 0 {
		return 0, "", fmt.Errorf("%w: %s on %s", ErrDeployFailed, name, n.name)
	}

	symtab := filepath.Join(filepath.Dir(binary), fmt.Sprintf("%s-%d.ld", name, id))
	if err := os.WriteFile(symtab, bytes.TrimRight(r.Rest(), "\x00"), 0644); err != nil {
		return 0, "", fmt.Errorf("could not write symbol table: %w", err)
	}

	n.log.Info("Deployed module", "module", name, "id", id, "symtab", symtab)
	return id, symtab, nil
}

func (n *SancusNode) Connect(ctx context.Context, req ConnectRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reactiveNode.Connect(ctx, req)
}

func (n *SancusNode) SetKey(ctx context.Context, req SetKeyRequest) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reactiveNode.SetKey(ctx, req)
}

func (n *SancusNode) Call(ctx context.Context, moduleID, entryID uint16, arg []byte) ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reactiveNode.Call(ctx, moduleID, entryID, arg)
}

func (n *SancusNode) RegisterEntrypoint(ctx context.Context, moduleID, entryID uint16, frequency uint32) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reactiveNode.RegisterEntrypoint(ctx, moduleID, entryID, frequency)
}

func (n *SancusNode) Ping(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.reactiveNode.Ping(ctx)
}
