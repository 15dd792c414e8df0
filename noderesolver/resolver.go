// Package noderesolver turns the host or SRV name of a node into the IPv4
// address and port the wire protocol needs.
package noderesolver

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"time"

	"github.com/miekg/dns"
)

var ErrNoRecords = errors.New("no matching DNS records")

const DefaultServer = "127.0.0.53:53"

// Resolver queries a single DNS server directly.
type Resolver struct {
	Server string
	client *dns.Client
}

func New(server string) *Resolver {
	if server == "" {
		server = DefaultServer
	}
	return &Resolver{
		Server: server,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// ResolveHost returns the first IPv4 address of host.
func (r *Resolver) ResolveHost(ctx context.Context, host string) (netip.Addr, error) {
	in, err := r.query(ctx, host, dns.TypeA)
	if err != nil {
		return netip.Addr{}, err
	}

	if addr, ok := firstA(in.Answer); ok {
		return addr, nil
	}
	return netip.Addr{}, fmt.Errorf("%w: A %s", ErrNoRecords, host)
}

// ResolveSRV picks the SRV record with the lowest priority (highest weight on
// ties) and returns the address of its target and its port.
func (r *Resolver) ResolveSRV(ctx context.Context, name string) (netip.Addr, uint16, error) {
	in, err := r.query(ctx, name, dns.TypeSRV)
	if err != nil {
		return netip.Addr{}, 0, err
	}

	var records []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			records = append(records, srv)
		}
	}
	if len(records) == 0 {
		return netip.Addr{}, 0, fmt.Errorf("%w: SRV %s", ErrNoRecords, name)
	}

	sort.SliceStable(records, func(i, j int) bool {
		if records[i].Priority != records[j].Priority {
			return records[i].Priority < records[j].Priority
		}
		return records[i].Weight > records[j].Weight
	})
	best := records[0]

	// Servers commonly include the target address as additional data.
	for _, extra := range in.Extra {
		if a, ok := extra.(*dns.A); ok && a.Hdr.Name == best.Target {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, best.Port, nil
			}
		}
	}

	addr, err := r.ResolveHost(ctx, best.Target)
	if err != nil {
		return netip.Addr{}, 0, err
	}
	return addr, best.Port, nil
}

func (r *Resolver) query(ctx context.Context, name string, qtype uint16) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.RecursionDesired = true

	in, _, err := r.client.ExchangeContext(ctx, m, r.Server)
	if err != nil {
		return nil, fmt.Errorf("DNS query for %s failed: %w", name, err)
	}
	if in.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("%w: %s returned %s", ErrNoRecords, name, dns.RcodeToString[in.Rcode])
	}
	return in, nil
}

func firstA(rrs []dns.RR) (netip.Addr, bool) {
	for _, rr := range rrs {
		if a, ok := rr.(*dns.A); ok {
			if addr, ok := netip.AddrFromSlice(a.A.To4()); ok {
				return addr, true
			}
		}
	}
	return netip.Addr{}, false
}
