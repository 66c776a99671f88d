package dap

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	ips map[string][]net.IP
	err error
}

func (f *fakeResolver) ResolveIPs(ctx context.Context, hostname string) ([]net.IP, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ips[hostname], nil
}

func TestResolveEndpointsSkipsIPLiterals(t *testing.T) {
	u, _ := url.Parse("https://192.0.2.1/dns-query")
	pool := NewHTTPClientPool(HTTPClientPoolOptions{
		Timeout:   time.Second,
		Endpoints: []*url.URL{u},
	})
	overrides, err := pool.resolveEndpoints(context.Background())
	require.NoError(t, err)
	require.Empty(t, overrides)
}

func TestResolveEndpointsUsesPrimaryResolver(t *testing.T) {
	u, _ := url.Parse("https://dns.google/dns-query")
	pool := NewHTTPClientPool(HTTPClientPoolOptions{
		Timeout:   time.Second,
		Endpoints: []*url.URL{u},
	})
	pool.SetPrimaryResolver(&fakeResolver{ips: map[string][]net.IP{"dns.google": {net.ParseIP("8.8.8.8")}}})

	overrides, err := pool.resolveEndpoints(context.Background())
	require.NoError(t, err)
	require.Equal(t, []net.IP{net.ParseIP("8.8.8.8")}, overrides["dns.google"])
}

func TestResolveEndpointsFailsWithoutBootstrapFallback(t *testing.T) {
	u, _ := url.Parse("https://dns.google/dns-query")
	pool := NewHTTPClientPool(HTTPClientPoolOptions{
		Timeout:   time.Second,
		Endpoints: []*url.URL{u},
	})
	pool.SetPrimaryResolver(&fakeResolver{err: ErrDoHQuery})
	// No bootstrap resolver configured: both paths fail, so resolution errors.
	_, err := pool.resolveEndpoints(context.Background())
	require.Error(t, err)
}
