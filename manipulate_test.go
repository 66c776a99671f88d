package dap

import (
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

func TestDefaultHostRuleNotForwarded(t *testing.T) {
	p := NewPipeline(nil, nil)
	q := QueryA("_dns.resolver.arpa.")
	res, resp := p.Apply(q)
	require.Equal(t, ResultSyntheticNotForwarded, res)
	require.Equal(t, dns.RcodeRefused, resp.Rcode)
}

func TestDefaultHostRuleLocalhost(t *testing.T) {
	p := NewPipeline(nil, nil)
	q := QueryA("localhost.")
	res, resp := p.Apply(q)
	require.Equal(t, ResultSyntheticDefaultHost, res)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "127.0.0.1", a.A.String())
}

func TestDefaultHostRuleBroadcasthost(t *testing.T) {
	p := NewPipeline(nil, nil)
	q := QueryA("broadcasthost.")
	res, resp := p.Apply(q)
	require.Equal(t, ResultSyntheticDefaultHost, res)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "255.255.255.255", a.A.String())
}

func TestBlockRuleExactAndWildcard(t *testing.T) {
	block := newBlockRule([]string{"ads.example", "*.tracker.example", "shop.*"})
	p := NewPipeline(block, nil)

	res, resp := p.Apply(QueryA("ads.example."))
	require.Equal(t, ResultSyntheticBlocked, res)
	require.Equal(t, dns.RcodeNameError, resp.Rcode)

	res, _ = p.Apply(QueryA("sub.ads.example."))
	require.Equal(t, ResultSyntheticBlocked, res, "subdomains of an exact pattern are blocked too")

	res, _ = p.Apply(QueryA("beacon.tracker.example."))
	require.Equal(t, ResultSyntheticBlocked, res)

	res, _ = p.Apply(QueryA("shop.example.com."))
	require.Equal(t, ResultSyntheticBlocked, res)

	res, _ = p.Apply(QueryA("unrelated.example."))
	require.Equal(t, ResultPassThrough, res)
}

func TestBlockRuleCaseAndTrailingDotInsensitive(t *testing.T) {
	block := newBlockRule([]string{"Ads.Example"})
	p := NewPipeline(block, nil)

	q := new(dns.Msg)
	q.SetQuestion("ADS.EXAMPLE.", dns.TypeA)
	res, _ := p.Apply(q)
	require.Equal(t, ResultSyntheticBlocked, res)
}

func TestOverrideRuleMatchesByAddressFamily(t *testing.T) {
	override := newOverrideRule([]string{
		"override.example 203.0.113.5",
		"override.example 2001:db8::5",
	}, 30)
	p := NewPipeline(nil, override)

	res, resp := p.Apply(QueryA("override.example."))
	require.Equal(t, ResultSyntheticOverridden, res)
	a, ok := resp.Answer[0].(*dns.A)
	require.True(t, ok)
	require.Equal(t, "203.0.113.5", a.A.String())

	aaaaQ := new(dns.Msg)
	aaaaQ.SetQuestion("override.example.", dns.TypeAAAA)
	res, resp = p.Apply(aaaaQ)
	require.Equal(t, ResultSyntheticOverridden, res)
	aaaa, ok := resp.Answer[0].(*dns.AAAA)
	require.True(t, ok)
	require.Equal(t, "2001:db8::5", aaaa.AAAA.String())
}

func TestOverrideRuleSkipsMalformedEntries(t *testing.T) {
	override := newOverrideRule([]string{"not-an-entry", "good.example 203.0.113.9"}, 30)
	require.Len(t, override.entries, 1)
}

func TestPipelineOrderDefaultHostBeforeBlock(t *testing.T) {
	// Even if localhost were (incorrectly) added to a block list, the
	// default-host rule must win since it runs first.
	block := newBlockRule([]string{"localhost"})
	p := NewPipeline(block, nil)

	res, _ := p.Apply(QueryA("localhost."))
	require.Equal(t, ResultSyntheticDefaultHost, res)
}
