package dap

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newTestHealthClient(t *testing.T, answer string) (*DoHClient, *PathManager, func()) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		q := new(dns.Msg)
		_ = q.Unpack(body)

		resp := new(dns.Msg)
		resp.SetReply(q)
		resp.Rcode = dns.RcodeSuccess
		if answer != "" {
			resp.Answer = []dns.RR{&dns.A{
				Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 30},
				A:   net.ParseIP(answer).To4(),
			}}
		}
		out, _ := resp.Pack()
		w.Write(out)
	}))

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	pm, err := NewPathManager(PathManagerConfig{
		Targets: []DoHTarget{{Authority: u.Host, Path: "/dns-query", Scheme: u.Scheme}},
	})
	require.NoError(t, err)

	pool := NewHTTPClientPool(HTTPClientPoolOptions{Timeout: 2 * time.Second})
	client := NewDoHClient(DoHClientOptions{QueryTimeout: 2 * time.Second, MaxCacheSize: 10}, pool, pm, nil, NewPipeline(nil, nil), nil, nil, DoHTypeStandard)
	return client, pm, srv.Close
}

func TestHealthServiceProbeHealthy(t *testing.T) {
	client, pm, closeSrv := newTestHealthClient(t, healthCheckWantAnswer)
	defer closeSrv()

	h := NewHealthService(client, pm, nil, time.Minute)
	require.True(t, h.runOnce(context.Background()))
	for _, p := range pm.AllPaths() {
		require.True(t, p.Healthy())
	}
}

func TestHealthServiceProbeUnhealthyOnWrongAnswer(t *testing.T) {
	client, pm, closeSrv := newTestHealthClient(t, "203.0.113.9")
	defer closeSrv()

	h := NewHealthService(client, pm, nil, time.Minute)
	require.False(t, h.runOnce(context.Background()))
	for _, p := range pm.AllPaths() {
		require.False(t, p.Healthy())
	}
}

func TestHealthServiceProbeUnhealthyOnEmptyAnswer(t *testing.T) {
	client, pm, closeSrv := newTestHealthClient(t, "")
	defer closeSrv()

	h := NewHealthService(client, pm, nil, time.Minute)
	require.False(t, h.runOnce(context.Background()))
}
