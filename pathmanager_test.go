package dap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAsURLStandard(t *testing.T) {
	p := newDoHPath(DoHTarget{Authority: "dns.google", Path: "/dns-query", Scheme: "https"}, nil, DoHTypeStandard)
	require.Equal(t, "https://dns.google/dns-query", p.AsURL())
}

func TestAsURLObliviousSingleRelay(t *testing.T) {
	target := DoHTarget{Authority: "target.example", Path: "/dns-query", Scheme: "https"}
	relay := DoHRelay{Authority: "relay.example", Path: "/proxy", Scheme: "https", CanBeNextHop: true}
	p := newDoHPath(target, []DoHRelay{relay}, DoHTypeOblivious)

	u := p.AsURL()
	require.Contains(t, u, "https://relay.example/proxy?")
	require.Contains(t, u, "targethost=target.example")
	require.Contains(t, u, "targetpath=%2Fdns-query")
}

func TestAsURLObliviousMultiRelay(t *testing.T) {
	target := DoHTarget{Authority: "target.example", Path: "/dns-query", Scheme: "https"}
	nexthop := DoHRelay{Authority: "nexthop.example", Path: "/proxy", Scheme: "https", CanBeNextHop: true}
	mid := DoHRelay{Authority: "mid.example", Path: "/proxy", Scheme: "https"}
	p := newDoHPath(target, []DoHRelay{nexthop, mid}, DoHTypeOblivious)

	u := p.AsURL()
	require.Contains(t, u, "https://nexthop.example/proxy?")
	require.Contains(t, u, "relayhost%5B1%5D=mid.example")
}

func TestIsLoopedDetectsDuplicateAuthority(t *testing.T) {
	target := DoHTarget{Authority: "same.example"}
	relays := []DoHRelay{{Authority: "same.example"}}
	require.True(t, isLooped(target, relays))
}

func TestIsLoopedAllowsDistinctAuthorities(t *testing.T) {
	target := DoHTarget{Authority: "target.example"}
	relays := []DoHRelay{{Authority: "relay1.example"}, {Authority: "relay2.example"}}
	require.False(t, isLooped(target, relays))
}

func TestMidRelayPermutationsRespectsMax(t *testing.T) {
	relays := []DoHRelay{{Authority: "r1"}, {Authority: "r2"}, {Authority: "r3"}}
	perms := midRelayPermutations(relays, 2)

	// k=0 (1) + k=1 (3) + k=2 (3*2=6) = 10
	require.Len(t, perms, 10)
	for _, p := range perms {
		require.LessOrEqual(t, len(p), 2)
	}
}

func TestNewPathManagerStandardNoRelays(t *testing.T) {
	pm, err := NewPathManager(PathManagerConfig{
		Targets: []DoHTarget{{Authority: "dns.google", Path: "/dns-query", Scheme: "https"}},
	})
	require.NoError(t, err)
	require.Len(t, pm.AllPaths(), 1)
	require.Equal(t, DoHTypeStandard, pm.AllPaths()[0].DoHType)
}

func TestNewPathManagerObliviousBuildsPermutations(t *testing.T) {
	pm, err := NewPathManager(PathManagerConfig{
		Targets:       []DoHTarget{{Authority: "target.example", Path: "/dns-query", Scheme: "https"}},
		NextHopRelays: []DoHRelay{{Authority: "relay1.example", CanBeNextHop: true}},
		MidRelays:     []DoHRelay{{Authority: "relay2.example"}},
		MaxMidRelays:  1,
	})
	require.NoError(t, err)
	// k=0 and k=1 => 2 paths
	require.Len(t, pm.AllPaths(), 2)
	for _, p := range pm.AllPaths() {
		require.Equal(t, DoHTypeOblivious, p.DoHType)
	}
}

func TestGetPathReturnsErrNoPathAvailableWhenAllUnhealthy(t *testing.T) {
	pm, err := NewPathManager(PathManagerConfig{
		Targets: []DoHTarget{{Authority: "dns.google", Path: "/dns-query", Scheme: "https"}},
	})
	require.NoError(t, err)
	pm.AllPaths()[0].MarkUnhealthy()

	_, err = pm.GetPath()
	require.ErrorIs(t, err, ErrNoPathAvailable)
}

func TestGetPathSkipsUnhealthyPaths(t *testing.T) {
	pm, err := NewPathManager(PathManagerConfig{
		Targets: []DoHTarget{
			{Authority: "a.example", Path: "/dns-query", Scheme: "https"},
			{Authority: "b.example", Path: "/dns-query", Scheme: "https"},
		},
	})
	require.NoError(t, err)
	for _, p := range pm.AllPaths() {
		if p.Target.Authority == "a.example" {
			p.MarkUnhealthy()
		}
	}

	for i := 0; i < 10; i++ {
		p, err := pm.GetPath()
		require.NoError(t, err)
		require.Equal(t, "b.example", p.Target.Authority)
	}
}
