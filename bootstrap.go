package dap

import (
	"net"
	"time"

	"github.com/miekg/dns"
)

// BootstrapResolver is a minimal UDP/TCP DNS client used only to resolve
// upstream hostnames when the system cannot yet resolve them via its own
// DoH client (the chicken-and-egg problem of resolving the resolver's own
// endpoint). Grounded on the reference stack's DNSClient (dnsclient.go),
// trimmed to the one-shot lookup this proxy needs.
type BootstrapResolver struct {
	addr    string
	net     string // "udp" or "tcp"
	timeout time.Duration
	client  *dns.Client
}

// NewBootstrapResolver returns a resolver that queries addr (host:port)
// over the given network.
func NewBootstrapResolver(addr, network string, timeout time.Duration) *BootstrapResolver {
	return &BootstrapResolver{
		addr:    addr,
		net:     network,
		timeout: timeout,
		client:  &dns.Client{Net: network, Timeout: timeout},
	}
}

// ResolveA resolves fqdn to its IPv4 addresses via a plain A query.
func (b *BootstrapResolver) ResolveA(fqdn string) ([]net.IP, error) {
	q := QueryA(fqdn)
	resp, _, err := b.client.Exchange(q, b.addr)
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Rcode != dns.RcodeSuccess {
		return nil, ErrInvalidBootstrapDNSResponse
	}
	var ips []net.IP
	for _, rr := range resp.Answer {
		if a, ok := rr.(*dns.A); ok {
			ips = append(ips, a.A)
		}
	}
	if len(ips) == 0 {
		return nil, ErrInvalidBootstrapDNSResponse
	}
	return ips, nil
}

func (b *BootstrapResolver) String() string {
	return "bootstrap(" + b.net + "://" + b.addr + ")"
}
