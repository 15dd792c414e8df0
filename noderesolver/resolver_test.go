package noderesolver

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T) string {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	mux := dns.NewServeMux()
	mux.HandleFunc(".", func(w dns.ResponseWriter, req *dns.Msg) {
		m := new(dns.Msg)
		m.SetReply(req)

		q := req.Question[0]
		switch {
		case q.Name == "node1.example." && q.Qtype == dns.TypeA:
			rr, _ := dns.NewRR("node1.example. 60 IN A 10.0.0.1")
			m.Answer = append(m.Answer, rr)
		case q.Name == "sgx-b.example." && q.Qtype == dns.TypeA:
			rr, _ := dns.NewRR("sgx-b.example. 60 IN A 10.0.0.3")
			m.Answer = append(m.Answer, rr)
		case q.Name == "_reactive._tcp.sgx.example." && q.Qtype == dns.TypeSRV:
			a, _ := dns.NewRR("_reactive._tcp.sgx.example. 60 IN SRV 20 5 6000 sgx-a.example.")
			b, _ := dns.NewRR("_reactive._tcp.sgx.example. 60 IN SRV 10 5 5000 sgx-b.example.")
			m.Answer = append(m.Answer, a, b)
		case q.Name == "_reactive._tcp.glued.example." && q.Qtype == dns.TypeSRV:
			srv, _ := dns.NewRR("_reactive._tcp.glued.example. 60 IN SRV 10 5 7000 glued-a.example.")
			glue, _ := dns.NewRR("glued-a.example. 60 IN A 10.0.0.7")
			m.Answer = append(m.Answer, srv)
			m.Extra = append(m.Extra, glue)
		default:
			m.Rcode = dns.RcodeNameError
		}
		w.WriteMsg(m)
	})

	server := &dns.Server{PacketConn: pc, Handler: mux}
	go server.ActivateAndServe()
	t.Cleanup(func() { server.Shutdown() })

	return pc.LocalAddr().String()
}

func TestResolveHost(t *testing.T) {
	r := New(startServer(t))

	addr, err := r.ResolveHost(context.Background(), "node1.example")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.1"), addr)

	_, err = r.ResolveHost(context.Background(), "missing.example")
	require.ErrorIs(t, err, ErrNoRecords)
}

func TestResolveSRV(t *testing.T) {
	r := New(startServer(t))

	addr, port, err := r.ResolveSRV(context.Background(), "_reactive._tcp.sgx.example")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.3"), addr)
	require.Equal(t, uint16(5000), port)

	addr, port, err = r.ResolveSRV(context.Background(), "_reactive._tcp.glued.example")
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("10.0.0.7"), addr)
	require.Equal(t, uint16(7000), port)
}
