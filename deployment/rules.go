package deployment

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ruteri/tee-module-deployer/cryptoutils"
	"github.com/ruteri/tee-module-deployer/modules"
	"github.com/ruteri/tee-module-deployer/nodes"
	"go.uber.org/multierr"
)

// ErrConfig marks every error caused by the deployment descriptor.
var ErrConfig = errors.New("invalid deployment descriptor")

var validate = validator.New()

// RuleError is one failed check.
type RuleError struct {
	Rule    string
	Message string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Rule, e.Message)
}

func (e *RuleError) Is(target error) bool {
	return target == ErrConfig
}

// Rule is a named check over a whole descriptor. Check returns one message
// per violation.
type Rule struct {
	Name  string
	Check func(d *Descriptor, deploy bool) []string
}

// Rules are evaluated in order and all of them run, so a single error lists
// every problem of a descriptor.
var Rules = []Rule{
	{Name: "unique-node-names", Check: uniqueNodeNames},
	{Name: "node-address", Check: nodeAddress},
	{Name: "sancus-vendor", Check: sancusVendor},
	{Name: "settle-delay", Check: settleDelay},
	{Name: "unique-module-names", Check: uniqueModuleNames},
	{Name: "module-node", Check: moduleNode},
	{Name: "module-sources", Check: moduleSources},
	{Name: "deployed-module-state", Check: deployedModuleState},
	{Name: "connection-endpoints", Check: connectionEndpoints},
	{Name: "connection-self", Check: connectionSelf},
	{Name: "connection-encryption", Check: connectionEncryption},
	{Name: "connection-key", Check: connectionKey},
	{Name: "connection-state", Check: connectionState},
	{Name: "unique-connection-ids", Check: uniqueConnectionIDs},
	{Name: "periodic-event-module", Check: periodicEventModule},
}

// Validate checks struct tags and then every rule. The returned error
// matches ErrConfig and combines one *RuleError per violation.
func Validate(d *Descriptor, deploy bool) error {
	var err error

	if verr := validate.Struct(d); verr != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(verr, &fieldErrs) {
			return fmt.Errorf("%w: %w", ErrConfig, verr)
		}
		for _, fe := range fieldErrs {
			err = multierr.Append(err, &RuleError{
				Rule:    "field",
				Message: fmt.Sprintf("%s fails %q", fe.Namespace(), fe.ActualTag()),
			})
		}
	}

	for _, rule := range Rules {
		for _, msg := range rule.Check(d, deploy) {
			err = multierr.Append(err, &RuleError{Rule: rule.Name, Message: msg})
		}
	}
	return err
}

func uniqueNodeNames(d *Descriptor, _ bool) []string {
	var msgs []string
	seen := map[string]bool{}
	for _, n := range d.Nodes {
		if seen[n.Name] {
			msgs = append(msgs, fmt.Sprintf("node %q defined more than once", n.Name))
		}
		seen[n.Name] = true
	}
	return msgs
}

func nodeAddress(d *Descriptor, _ bool) []string {
	var msgs []string
	for _, n := range d.Nodes {
		set := 0
		for _, v := range []string{n.IPAddress, n.Host, n.SRV} {
			if v != "" {
				set++
			}
		}
		if set != 1 {
			msgs = append(msgs, fmt.Sprintf("node %q needs exactly one of ip_address, host, srv", n.Name))
			continue
		}
		if n.IPAddress != "" {
			if addr, err := netip.ParseAddr(n.IPAddress); err != nil || !addr.Is4() {
				msgs = append(msgs, fmt.Sprintf("node %q has invalid IPv4 address %q", n.Name, n.IPAddress))
			}
		}
	}
	return msgs
}

func sancusVendor(d *Descriptor, _ bool) []string {
	var msgs []string
	for _, n := range d.Nodes {
		if n.Type != string(nodes.FamilySancus) {
			continue
		}
		if n.VendorID < 1 || n.VendorID > 65535 {
			msgs = append(msgs, fmt.Sprintf("node %q vendor_id %d outside 1..65535", n.Name, n.VendorID))
		}
		if want := cryptoutils.EncryptionSpongent.KeySize(); len(n.VendorKey) != want {
			msgs = append(msgs, fmt.Sprintf("node %q vendor_key must be %d bytes, got %d", n.Name, want, len(n.VendorKey)))
		}
	}
	return msgs
}

func settleDelay(d *Descriptor, _ bool) []string {
	var msgs []string
	for _, n := range d.Nodes {
		if n.SettleDelay == "" {
			continue
		}
		if n.Type != string(nodes.FamilySGX) {
			msgs = append(msgs, fmt.Sprintf("node %q: settle_delay only applies to sgx nodes", n.Name))
			continue
		}
		if _, err := time.ParseDuration(n.SettleDelay); err != nil {
			msgs = append(msgs, fmt.Sprintf("node %q: %v", n.Name, err))
		}
	}
	return msgs
}

func uniqueModuleNames(d *Descriptor, _ bool) []string {
	var msgs []string
	seen := map[string]bool{}
	for _, m := range d.Modules {
		if seen[m.Name] {
			msgs = append(msgs, fmt.Sprintf("module %q defined more than once", m.Name))
		}
		seen[m.Name] = true
	}
	return msgs
}

func moduleNode(d *Descriptor, _ bool) []string {
	var msgs []string
	for _, m := range d.Modules {
		n := d.node(m.Node)
		switch {
		case n == nil:
			msgs = append(msgs, fmt.Sprintf("module %q placed on unknown node %q", m.Name, m.Node))
		case n.Type != m.Type:
			msgs = append(msgs, fmt.Sprintf("%s module %q cannot run on %s node %q", m.Type, m.Name, n.Type, n.Name))
		}
	}
	return msgs
}

func moduleSources(d *Descriptor, deploy bool) []string {
	var msgs []string
	for _, m := range d.Modules {
		if m.Deployed && !deploy {
			continue
		}
		switch m.Type {
		case string(nodes.FamilySancus):
			if len(m.Files) == 0 {
				msgs = append(msgs, fmt.Sprintf("sancus module %q has no files", m.Name))
			}
		case string(nodes.FamilySGX):
			if m.VendorKey == "" {
				msgs = append(msgs, fmt.Sprintf("sgx module %q has no vendor_key", m.Name))
			}
		}
	}
	return msgs
}

func deployedModuleState(d *Descriptor, deploy bool) []string {
	if deploy {
		return nil
	}

	var msgs []string
	for _, m := range d.Modules {
		if !m.Deployed {
			continue
		}
		if m.ID == 0 {
			msgs = append(msgs, fmt.Sprintf("deployed module %q has no id", m.Name))
		}
		if len(m.Key) != moduleKeySize {
			msgs = append(msgs, fmt.Sprintf("deployed module %q key must be %d bytes, got %d", m.Name, moduleKeySize, len(m.Key)))
		}
		if m.generated() == nil {
			msgs = append(msgs, fmt.Sprintf("deployed module %q has no interfaces", m.Name))
		}
		if m.Binary == "" {
			msgs = append(msgs, fmt.Sprintf("deployed module %q has no binary", m.Name))
		}
	}
	return msgs
}

// moduleKeySize is the size of every module key: attested session keys,
// native keys and Sancus keys are all 128 bits.
const moduleKeySize = 16

func connectionEndpoints(d *Descriptor, _ bool) []string {
	var msgs []string
	for i, c := range d.Connections {
		name := c.label(i)

		if d.module(c.ToModule) == nil {
			msgs = append(msgs, fmt.Sprintf("%s targets unknown module %q", name, c.ToModule))
		}
		if (c.ToInput == "") == (c.ToHandler == "") {
			msgs = append(msgs, fmt.Sprintf("%s needs exactly one of to_input, to_handler", name))
		}

		if c.Direct {
			if c.FromModule != "" || c.FromOutput != "" || c.FromRequest != "" {
				msgs = append(msgs, fmt.Sprintf("direct %s cannot have a producer", name))
			}
			if c.ToHandler != "" {
				msgs = append(msgs, fmt.Sprintf("direct %s must target an input", name))
			}
			continue
		}

		if d.module(c.FromModule) == nil {
			msgs = append(msgs, fmt.Sprintf("%s comes from unknown module %q", name, c.FromModule))
		}
		switch {
		case (c.FromOutput == "") == (c.FromRequest == ""):
			msgs = append(msgs, fmt.Sprintf("%s needs exactly one of from_output, from_request", name))
		case c.FromOutput != "" && c.ToInput == "":
			msgs = append(msgs, fmt.Sprintf("%s connects an output to a handler", name))
		case c.FromRequest != "" && c.ToHandler == "":
			msgs = append(msgs, fmt.Sprintf("%s connects a request to an input", name))
		}
	}
	return msgs
}

func connectionSelf(d *Descriptor, _ bool) []string {
	var msgs []string
	for i, c := range d.Connections {
		if !c.Direct && c.FromModule != "" && c.FromModule == c.ToModule {
			msgs = append(msgs, fmt.Sprintf("%s connects module %q to itself", c.label(i), c.ToModule))
		}
	}
	return msgs
}

func connectionEncryption(d *Descriptor, _ bool) []string {
	var msgs []string
	for i, c := range d.Connections {
		enc, err := cryptoutils.ParseEncryption(c.Encryption)
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("%s: %v", c.label(i), err))
			continue
		}
		for _, name := range []string{c.FromModule, c.ToModule} {
			m := d.module(name)
			if m == nil {
				continue
			}
			if !slices.Contains(modules.SupportedEncryption(nodes.Family(m.Type)), enc) {
				msgs = append(msgs, fmt.Sprintf("%s: module %q does not support %s", c.label(i), name, enc))
			}
		}
	}
	return msgs
}

func connectionKey(d *Descriptor, _ bool) []string {
	var msgs []string
	for i, c := range d.Connections {
		enc, err := cryptoutils.ParseEncryption(c.Encryption)
		if err != nil || c.Key == nil {
			continue
		}
		if len(c.Key) != enc.KeySize() {
			msgs = append(msgs, fmt.Sprintf("%s key must be %d bytes for %s, got %d", c.label(i), enc.KeySize(), enc, len(c.Key)))
		}
	}
	return msgs
}

func connectionState(d *Descriptor, deploy bool) []string {
	if deploy {
		return nil
	}

	var msgs []string
	for i, c := range d.Connections {
		if c.ID == nil {
			msgs = append(msgs, fmt.Sprintf("%s has no id", c.label(i)))
		}
		if c.Key == nil {
			msgs = append(msgs, fmt.Sprintf("%s has no key", c.label(i)))
		}
	}
	return msgs
}

func uniqueConnectionIDs(d *Descriptor, _ bool) []string {
	var msgs []string
	seen := map[uint16]bool{}
	for _, c := range d.Connections {
		if c.ID == nil {
			continue
		}
		if seen[*c.ID] {
			msgs = append(msgs, fmt.Sprintf("connection id %d used more than once", *c.ID))
		}
		seen[*c.ID] = true
	}
	return msgs
}

func periodicEventModule(d *Descriptor, _ bool) []string {
	var msgs []string
	for _, e := range d.PeriodicEvents {
		if d.module(e.Module) == nil {
			msgs = append(msgs, fmt.Sprintf("periodic event %s targets unknown module %q", e.Entry, e.Module))
		}
	}
	return msgs
}

func (d *Descriptor) node(name string) *NodeDescriptor {
	for i := range d.Nodes {
		if d.Nodes[i].Name == name {
			return &d.Nodes[i]
		}
	}
	return nil
}

func (d *Descriptor) module(name string) *ModuleDescriptor {
	for i := range d.Modules {
		if d.Modules[i].Name == name {
			return &d.Modules[i]
		}
	}
	return nil
}

func (c *ConnectionDescriptor) label(index int) string {
	switch {
	case c.Name != "":
		return fmt.Sprintf("connection %q", c.Name)
	case c.ID != nil:
		return fmt.Sprintf("connection %d", *c.ID)
	default:
		return fmt.Sprintf("connection #%d", index)
	}
}
