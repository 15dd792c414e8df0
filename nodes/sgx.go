package nodes

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/ruteri/tee-module-deployer/interfaces"
	"github.com/ruteri/tee-module-deployer/wire"
)

// DefaultSettleDelay is how long an enclave is given to start listening
// after a successful load.
const DefaultSettleDelay = time.Second

// SGXNode hosts enclave modules. Each module listens on the reactive port
// offset by its id.
type SGXNode struct {
	reactiveNode

	SettleDelay time.Duration
}

func NewSGXNode(cfg Config) *SGXNode {
	return &SGXNode{
		reactiveNode: newReactiveNode(cfg, FamilySGX, wire.FramingLength32),
		SettleDelay:  DefaultSettleDelay,
	}
}

// ModulePort is the port the module with id listens on for attestation.
func (n *SGXNode) ModulePort(id uint16) uint16 {
	return n.reactivePort + id
}

// Deploy loads a signed enclave image and waits for the enclave to settle.
func (n *SGXNode) Deploy(ctx context.Context, moduleID uint16, image interfaces.SignedImage) error {
	body, err := loadPayload(image.SGXS, image.Signature)
	if err != nil {
		return err
	}
	// The enclave loader expects the command word repeated inside the envelope.
	payload := wire.NewBuilder(2 + len(body)).Uint16(uint16(wire.CommandLoad)).Raw(body).Bytes()

	if _, err := n.send(ctx, n.deployAddr(), wire.CommandLoad, payload); err != nil {
		return err
	}

	n.log.Info("Deployed enclave", "id", moduleID, "sgxs", image.SGXS)
	return sleep(ctx, n.SettleDelay)
}

// NativeNode runs modules as plain processes without hardware protection.
type NativeNode struct {
	reactiveNode
}

func NewNativeNode(cfg Config) *NativeNode {
	return &NativeNode{reactiveNode: newReactiveNode(cfg, FamilyNative, wire.FramingLength32)}
}

func (n *NativeNode) Deploy(ctx context.Context, moduleID uint16, binary string) error {
	payload, err := loadPayload(binary, "")
	if err != nil {
		return err
	}

	if _, err := n.send(ctx, n.deployAddr(), wire.CommandLoad, payload); err != nil {
		return err
	}

	n.log.Info("Deployed native module", "id", moduleID, "binary", binary)
	return nil
}

// loadPayload is the size-prefixed image optionally followed by its
// size-prefixed signature.
func loadPayload(imagePath, sigPath string) ([]byte, error) {
	image, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, fmt.Errorf("could not read module image: %w", err)
	}

	b := wire.NewBuilder(8 + len(image)).Sized(image)
	if sigPath != "" {
		sig, err := os.ReadFile(sigPath)
		if err != nil {
			return nil, fmt.Errorf("could not read enclave signature: %w", err)
		}
		b.Sized(sig)
	}
	return b.Bytes(), nil
}
