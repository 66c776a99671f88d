package dap

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// defaultHostRule implements the always-present default-host rule: a fixed
// set of names that are never forwarded upstream, plus localhost/
// broadcasthost synthesis. Grounded on the original doh-auth-proxy's
// default_rule.rs, expressed as a manipulator in this pipeline's idiom
// (the reference stack's block-rule trie, adapted for exact-match lookups).
type defaultHostRule struct {
	notForwarded map[string]struct{} // suffix-matched: name or any subdomain
	local        map[string]struct{} // exact match only
	broadcast    map[string]struct{} // exact match only
}

func newDefaultHostRule() *defaultHostRule {
	return &defaultHostRule{
		notForwarded: map[string]struct{}{"resolver.arpa.": {}},
		local:        map[string]struct{}{"localhost.": {}, "localhost.localdomain.": {}},
		broadcast:    map[string]struct{}{"broadcasthost.": {}},
	}
}

func (r *defaultHostRule) apply(q *dns.Msg) (ManipulationResult, *dns.Msg) {
	name := strings.ToLower(dns.Fqdn(q.Question[0].Name))

	if r.isSuffixMatch(name, r.notForwarded) {
		return ResultSyntheticNotForwarded, blockedResponse(q, dns.RcodeRefused)
	}

	if _, ok := r.local[name]; ok {
		return ResultSyntheticDefaultHost, r.localResponse(q)
	}

	if _, ok := r.broadcast[name]; ok {
		return ResultSyntheticDefaultHost, r.broadcastResponse(q)
	}

	return ResultPassThrough, nil
}

// isSuffixMatch reports whether name equals an entry in set or is a
// subdomain of one (e.g. "_dns.resolver.arpa." matches "resolver.arpa.").
func (r *defaultHostRule) isSuffixMatch(name string, set map[string]struct{}) bool {
	if _, ok := set[name]; ok {
		return true
	}
	for suffix := range set {
		if strings.HasSuffix(name, "."+suffix) {
			return true
		}
	}
	return false
}

func (r *defaultHostRule) localResponse(q *dns.Msg) *dns.Msg {
	switch q.Question[0].Qtype {
	case dns.TypeA:
		return ResponseWithIPAddr(q, net.IPv4(127, 0, 0, 1), 0)
	case dns.TypeAAAA:
		return ResponseWithIPAddr(q, net.IPv6loopback, 0)
	default:
		return ResponseRefused(q)
	}
}

func (r *defaultHostRule) broadcastResponse(q *dns.Msg) *dns.Msg {
	if q.Question[0].Qtype == dns.TypeA {
		return ResponseWithIPAddr(q, net.IPv4bcast, 0)
	}
	return ResponseRefused(q)
}
