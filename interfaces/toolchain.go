package interfaces

import (
	"context"
	"fmt"
)

// InterfaceMap maps interface names of a module to their numeric ids.
type InterfaceMap map[string]uint16

// Lookup returns the id of name or an error naming the missing interface.
func (m InterfaceMap) Lookup(kind, name string) (uint16, error) {
	id, ok := m[name]
	if !ok {
		return 0, fmt.Errorf("%s %q not present in %ss", kind, name, kind)
	}
	return id, nil
}

// GeneratedInterfaces is the result of code generation for one module.
type GeneratedInterfaces struct {
	Inputs      InterfaceMap `json:"inputs"`
	Outputs     InterfaceMap `json:"outputs"`
	Entrypoints InterfaceMap `json:"entrypoints"`
	Handlers    InterfaceMap `json:"handlers,omitempty"`
	Requests    InterfaceMap `json:"requests,omitempty"`
}

// GenerateRequest describes the module to generate code for.
type GenerateRequest struct {
	Family     string
	Module     string
	SourceDir  string
	OutputDir  string
	ModuleID   uint16
	DeployPort uint16
	// Key is the module key for families that do not attest.
	Key []byte
	// SPKey is the attestation service public key (PEM) for attested families.
	SPKey []byte
	// Connections is the number of connections the module takes part in.
	Connections int
}

type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*GeneratedInterfaces, error)
}

// BuildRequest describes a module build. Sancus builds compile Files with
// CFlags and link with LDFlags; the other families build SourceDir with Features.
type BuildRequest struct {
	Family    string
	Module    string
	SourceDir string
	OutputDir string
	Features  []string
	Files     []string
	CFlags    []string
	LDFlags   []string
}

// SignedImage is an enclave image and its detached signature.
type SignedImage struct {
	SGXS      string
	Signature string
}

type Toolchain interface {
	// Build returns the path of the built binary.
	Build(ctx context.Context, req BuildRequest) (string, error)

	// ConvertSign converts a binary to an enclave image signed with vendorKey.
	ConvertSign(ctx context.Context, binary string, vendorKey string) (SignedImage, error)

	// Link relinks an embedded module binary against the symbol table its node
	// returned on load, producing the binary the node actually runs.
	Link(ctx context.Context, binary string, symtab string) (string, error)
}

// Runner executes a process and returns its stdout. A non-zero exit must be
// reported as an error carrying the arguments and exit code.
type Runner interface {
	Run(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// AttestationRequest identifies a deployed enclave module.
type AttestationRequest struct {
	Module   string
	Host     string
	Port     uint16
	ModuleID uint16
	Binary   string
	Image    SignedImage
	// Settings is an opaque path to attestation settings for the module.
	Settings string
}

type Attester interface {
	// Attest performs remote attestation and returns the module session key.
	Attest(ctx context.Context, req AttestationRequest) ([]byte, error)
}
