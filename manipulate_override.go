package dap

import (
	"net"
	"strings"

	"github.com/miekg/dns"
)

// overrideRule maps FQDNs to fixed IPv4/IPv6 answers, parsed from
// "<fqdn> <ip>" entries. Matching is case-insensitive and ignores a
// trailing dot; multiple entries per domain (one v4, one v6) are allowed.
type overrideRule struct {
	entries map[string][]net.IP
	minTTL  uint32
}

// newOverrideRule parses entries of the form "<fqdn> <ip>". Malformed
// entries are skipped with a warning, matching the original's tolerance
// for partially-broken config lists.
func newOverrideRule(entries []string, minTTL uint32) *overrideRule {
	r := &overrideRule{entries: make(map[string][]net.IP), minTTL: minTTL}
	for _, raw := range entries {
		fields := strings.Fields(raw)
		if len(fields) != 2 {
			Log.WithField("entry", raw).Warn("invalid override entry, skipping")
			continue
		}
		fqdn := dns.Fqdn(toASCIIDomain(strings.ToLower(fields[0])))
		ip := net.ParseIP(fields[1])
		if ip == nil {
			Log.WithField("entry", raw).Warn("invalid override ip address, skipping")
			continue
		}
		r.entries[fqdn] = append(r.entries[fqdn], ip)
	}
	return r
}

func (r *overrideRule) apply(q *dns.Msg) (ManipulationResult, *dns.Msg) {
	qtype := q.Question[0].Qtype
	if qtype != dns.TypeA && qtype != dns.TypeAAAA {
		return ResultPassThrough, nil
	}
	name := strings.ToLower(dns.Fqdn(q.Question[0].Name))
	for _, ip := range r.entries[name] {
		isV4 := ip.To4() != nil
		if (qtype == dns.TypeA && isV4) || (qtype == dns.TypeAAAA && !isV4) {
			return ResultSyntheticOverridden, ResponseWithIPAddr(q, ip, r.minTTL)
		}
	}
	return ResultPassThrough, nil
}
