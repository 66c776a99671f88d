package dap

import (
	"net"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestBootstrapResolverResolveA(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()

	go func() {
		buf := make([]byte, 512)
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		q := new(dns.Msg)
		require.NoError(t, q.Unpack(buf[:n]))

		resp := successResponse(q.Question[0].Name, 30)
		resp.Id = q.Id
		out, err := resp.Pack()
		require.NoError(t, err)
		pc.WriteTo(out, addr)
	}()

	b := NewBootstrapResolver(pc.LocalAddr().String(), "udp", 2*time.Second)
	ips, err := b.ResolveA("example.com.")
	require.NoError(t, err)
	require.NotEmpty(t, ips)
}

func TestBootstrapResolverTimeout(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := pc.LocalAddr().String()
	pc.Close() // nothing listening, exchange should fail

	b := NewBootstrapResolver(addr, "udp", 200*time.Millisecond)
	_, err = b.ResolveA("example.com.")
	require.Error(t, err)
}

func TestBootstrapResolverString(t *testing.T) {
	b := NewBootstrapResolver("1.1.1.1:53", "udp", time.Second)
	require.Equal(t, "bootstrap(udp://1.1.1.1:53)", b.String())
}
