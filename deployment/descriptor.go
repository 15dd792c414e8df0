package deployment

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/interfaces"
	"gopkg.in/yaml.v3"
)

// Descriptor is the persisted form of a deployment. The same document is
// written back after an install so a deployed system can be reloaded
// without redeploying.
type Descriptor struct {
	Nodes          []NodeDescriptor          `json:"nodes" yaml:"nodes" validate:"required,dive"`
	Modules        []ModuleDescriptor        `json:"modules" yaml:"modules" validate:"dive"`
	Connections    []ConnectionDescriptor    `json:"connections,omitempty" yaml:"connections,omitempty" validate:"dive"`
	PeriodicEvents []PeriodicEventDescriptor `json:"periodic-events,omitempty" yaml:"periodic-events,omitempty" validate:"dive"`
}

type NodeDescriptor struct {
	Type string `json:"type" yaml:"type" validate:"required,oneof=sancus sgx native"`
	Name string `json:"name" yaml:"name" validate:"required"`

	// Exactly one of IPAddress, Host (A record) and SRV names the node.
	IPAddress string `json:"ip_address,omitempty" yaml:"ip_address,omitempty" validate:"omitempty,ipv4"`
	Host      string `json:"host,omitempty" yaml:"host,omitempty" validate:"omitempty,hostname_rfc1123"`
	SRV       string `json:"srv,omitempty" yaml:"srv,omitempty"`

	ReactivePort uint16 `json:"reactive_port,omitempty" yaml:"reactive_port,omitempty" validate:"required_without=SRV"`
	DeployPort   uint16 `json:"deploy_port,omitempty" yaml:"deploy_port,omitempty"`

	// NextModuleID is the next module id the node hands out.
	NextModuleID uint16 `json:"module_id,omitempty" yaml:"module_id,omitempty"`

	VendorID    uint32          `json:"vendor_id,omitempty" yaml:"vendor_id,omitempty" validate:"max=65535"`
	VendorKey   cryptoutils.Key `json:"vendor_key,omitempty" yaml:"vendor_key,omitempty"`
	SettleDelay string          `json:"settle_delay,omitempty" yaml:"settle_delay,omitempty"`
}

type ModuleDescriptor struct {
	Type     string `json:"type" yaml:"type" validate:"required,oneof=sancus sgx native"`
	Name     string `json:"name" yaml:"name" validate:"required"`
	Node     string `json:"node" yaml:"node" validate:"required"`
	Priority *int   `json:"priority,omitempty" yaml:"priority,omitempty"`

	// Sancus sources.
	Files   []string `json:"files,omitempty" yaml:"files,omitempty" validate:"omitempty,dive,required"`
	CFlags  []string `json:"cflags,omitempty" yaml:"cflags,omitempty"`
	LDFlags []string `json:"ldflags,omitempty" yaml:"ldflags,omitempty"`

	// SGX and native sources. Source defaults to the module name.
	Source     string   `json:"source,omitempty" yaml:"source,omitempty"`
	Features   []string `json:"features,omitempty" yaml:"features,omitempty"`
	VendorKey  string   `json:"vendor_key,omitempty" yaml:"vendor_key,omitempty"`
	RASettings string   `json:"ra_settings,omitempty" yaml:"ra_settings,omitempty"`

	Deployed  bool            `json:"deployed,omitempty" yaml:"deployed,omitempty"`
	ID        uint16          `json:"id,omitempty" yaml:"id,omitempty"`
	Key       cryptoutils.Key `json:"key,omitempty" yaml:"key,omitempty"`
	Nonce     uint32          `json:"nonce,omitempty" yaml:"nonce,omitempty" validate:"max=65536"`
	Binary    string          `json:"binary,omitempty" yaml:"binary,omitempty"`
	Symtab    string          `json:"symtab,omitempty" yaml:"symtab,omitempty"`
	SGXS      string          `json:"sgxs,omitempty" yaml:"sgxs,omitempty"`
	Signature string          `json:"signature,omitempty" yaml:"signature,omitempty"`

	Inputs      interfaces.InterfaceMap `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Outputs     interfaces.InterfaceMap `json:"outputs,omitempty" yaml:"outputs,omitempty"`
	Entrypoints interfaces.InterfaceMap `json:"entrypoints,omitempty" yaml:"entrypoints,omitempty"`
	Handlers    interfaces.InterfaceMap `json:"handlers,omitempty" yaml:"handlers,omitempty"`
	Requests    interfaces.InterfaceMap `json:"requests,omitempty" yaml:"requests,omitempty"`
}

// generated returns the persisted interface maps, or nil if there are none.
func (m *ModuleDescriptor) generated() *interfaces.GeneratedInterfaces {
	if m.Inputs == nil && m.Outputs == nil && m.Entrypoints == nil && m.Handlers == nil && m.Requests == nil {
		return nil
	}
	return &interfaces.GeneratedInterfaces{
		Inputs:      m.Inputs,
		Outputs:     m.Outputs,
		Entrypoints: m.Entrypoints,
		Handlers:    m.Handlers,
		Requests:    m.Requests,
	}
}

// ConnectionDescriptor is either output->input, request->handler, or direct
// (no producer) into an input.
type ConnectionDescriptor struct {
	ID   *uint16 `json:"id,omitempty" yaml:"id,omitempty"`
	Name string  `json:"name,omitempty" yaml:"name,omitempty"`

	FromModule  string `json:"from_module,omitempty" yaml:"from_module,omitempty"`
	FromOutput  string `json:"from_output,omitempty" yaml:"from_output,omitempty"`
	FromRequest string `json:"from_request,omitempty" yaml:"from_request,omitempty"`
	ToModule    string `json:"to_module" yaml:"to_module" validate:"required"`
	ToInput     string `json:"to_input,omitempty" yaml:"to_input,omitempty"`
	ToHandler   string `json:"to_handler,omitempty" yaml:"to_handler,omitempty"`

	Encryption string          `json:"encryption" yaml:"encryption" validate:"required"`
	Key        cryptoutils.Key `json:"key,omitempty" yaml:"key,omitempty"`
	Nonce      uint32          `json:"nonce,omitempty" yaml:"nonce,omitempty" validate:"max=65536"`
	Direct     bool            `json:"direct,omitempty" yaml:"direct,omitempty"`
}

type PeriodicEventDescriptor struct {
	Module    string `json:"module" yaml:"module" validate:"required"`
	Entry     string `json:"entry" yaml:"entry" validate:"required"`
	Frequency uint64 `json:"frequency" yaml:"frequency" validate:"required,min=1,max=4294967295"`
}

// Format is the serialization of a descriptor file.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

// FormatForPath picks YAML for .yaml and .yml files and JSON otherwise.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

func Parse(data []byte, format Format) (*Descriptor, error) {
	var d Descriptor
	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, &d)
	default:
		err = json.Unmarshal(data, &d)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	return &d, nil
}

func (d *Descriptor) Marshal(format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		return yaml.Marshal(d)
	default:
		return json.MarshalIndent(d, "", "  ")
	}
}
