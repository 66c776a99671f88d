package dap

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func newTestDoHClient(t *testing.T, handler http.HandlerFunc) (*DoHClient, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	pm, err := NewPathManager(PathManagerConfig{
		Targets: []DoHTarget{{Authority: u.Host, Path: "/dns-query", Scheme: u.Scheme}},
	})
	require.NoError(t, err)

	pool := NewHTTPClientPool(HTTPClientPoolOptions{Timeout: 2 * time.Second})

	client := NewDoHClient(DoHClientOptions{QueryTimeout: 2 * time.Second, MaxCacheSize: 100}, pool, pm, nil, NewPipeline(nil, nil), nil, nil, DoHTypeStandard)
	return client, srv
}

func TestMakeQueryServesStandardPOST(t *testing.T) {
	client, srv := newTestDoHClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		q := new(dns.Msg)
		require.NoError(t, q.Unpack(body))

		resp := successResponse(q.Question[0].Name, 60)
		resp.Id = q.Id
		out, err := resp.Pack()
		require.NoError(t, err)
		w.Header().Set("Content-Type", dohContentType)
		w.Write(out)
	})
	defer srv.Close()

	q := QueryA("cached.example.")
	raw, err := Encode(q)
	require.NoError(t, err)

	out, err := client.MakeQuery(context.Background(), raw, ClientInfo{Protocol: "udp"})
	require.NoError(t, err)

	resp, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeSuccess, resp.Rcode)
	require.NotEmpty(t, resp.Answer)
}

func TestMakeQuerySecondCallHitsCache(t *testing.T) {
	var upstreamHits int
	client, srv := newTestDoHClient(t, func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
		body, _ := io.ReadAll(r.Body)
		q := new(dns.Msg)
		_ = q.Unpack(body)
		resp := successResponse(q.Question[0].Name, 60)
		resp.Id = q.Id
		out, _ := resp.Pack()
		w.Write(out)
	})
	defer srv.Close()

	raw, err := Encode(QueryA("cached.example."))
	require.NoError(t, err)

	_, err = client.MakeQuery(context.Background(), raw, ClientInfo{})
	require.NoError(t, err)
	_, err = client.MakeQuery(context.Background(), raw, ClientInfo{})
	require.NoError(t, err)

	require.Equal(t, 1, upstreamHits, "second query for the same question should be served from cache")
}

func TestMakeQueryBlockedNeverReachesUpstream(t *testing.T) {
	var upstreamHits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits++
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	pm, err := NewPathManager(PathManagerConfig{
		Targets: []DoHTarget{{Authority: u.Host, Path: "/dns-query", Scheme: u.Scheme}},
	})
	require.NoError(t, err)

	pool := NewHTTPClientPool(HTTPClientPoolOptions{Timeout: time.Second})
	block := newBlockRule([]string{"blocked.example"})
	client := NewDoHClient(DoHClientOptions{MaxCacheSize: 10}, pool, pm, nil, NewPipeline(block, nil), nil, nil, DoHTypeStandard)

	raw, err := Encode(QueryA("blocked.example."))
	require.NoError(t, err)

	out, err := client.MakeQuery(context.Background(), raw, ClientInfo{})
	require.NoError(t, err)

	resp, err := Decode(out)
	require.NoError(t, err)
	require.Equal(t, dns.RcodeNameError, resp.Rcode)
	require.Equal(t, 0, upstreamHits)
}
