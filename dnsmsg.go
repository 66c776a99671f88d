package dap

import (
	"net"
	"sort"
	"strings"

	"github.com/miekg/dns"
)

const (
	// Max UDP payload advertised in EDNS(0) on outbound queries we build ourselves.
	edns0MaxPayload = 4096

	blockMessageHINFOCPU = "BLOCKED"
	blockMessageHINFOOS  = "POWERED-BY-DOH-AUTH-PROXY"
)

// QueryKey is one (name, type, class) tuple from a query's question section,
// with the name lowercased for DNS-0x20 tolerance.
type QueryKey struct {
	Name  string
	Type  uint16
	Class uint16
}

// Request is the canonical fingerprint of a DNS query, used as the cache
// key: the first question of the message, with its name lowercased. Two
// queries whose first questions differ only in letter case produce an equal
// Request. Further questions are ignored, so question order is not
// normalised. Request is built from a fixed-size array rather than a slice
// so that it stays comparable with ==.
type Request struct {
	keys [1]QueryKey
	n    int
}

// Fingerprint builds the canonical Request for a decoded DNS message. It
// fails with ErrNoQuestion if the message carries no question section. Only
// the first question is retained: multiple questions in a single message
// are not interoperable in practice and are only ever seen in malformed or
// testing traffic.
func Fingerprint(msg *dns.Msg) (Request, error) {
	if len(msg.Question) == 0 {
		return Request{}, ErrNoQuestion
	}
	q := msg.Question[0]
	req := Request{n: 1}
	req.keys[0] = QueryKey{
		Name:  strings.ToLower(q.Name),
		Type:  q.Qtype,
		Class: q.Qclass,
	}
	return req, nil
}

// sortedKeys returns a copy of keys ordered by name, then type, then class.
// Nothing in the package calls it: Fingerprint keeps only one question.
func sortedKeys(keys []QueryKey) []QueryKey {
	out := make([]QueryKey, len(keys))
	copy(out, keys)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Class < out[j].Class
	})
	return out
}

// Decode parses a raw wire-format buffer into a DNS message.
func Decode(buf []byte) (*dns.Msg, error) {
	msg := new(dns.Msg)
	if err := msg.Unpack(buf); err != nil {
		return nil, errorsWrap(ErrMalformedDNSMessage, err.Error())
	}
	return msg, nil
}

// Encode serialises a DNS message to wire format.
func Encode(msg *dns.Msg) ([]byte, error) {
	return msg.Pack()
}

// IsQuery reports whether a decoded message is a query.
func IsQuery(msg *dns.Msg) bool {
	return !msg.Response
}

// IsResponse reports whether a decoded message is a response.
func IsResponse(msg *dns.Msg) bool {
	return msg.Response
}

// QueryA builds an A/IN query for fqdn with recursion desired and an
// EDNS(0) OPT record advertising a 4096 byte UDP payload, as used for
// health checks and self-resolution of endpoint hostnames.
func QueryA(fqdn string) *dns.Msg {
	msg := new(dns.Msg)
	msg.Id = dns.Id()
	msg.RecursionDesired = true
	msg.Question = []dns.Question{{Name: dns.Fqdn(fqdn), Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	msg.SetEdns0(edns0MaxPayload, false)
	return msg
}

// ResponseNX builds an NXDOMAIN response echoing the query's id and question.
func ResponseNX(query *dns.Msg) *dns.Msg {
	res := new(dns.Msg)
	res.SetRcode(query, dns.RcodeNameError)
	return res
}

// ResponseRefused builds a REFUSED response echoing the query's id and question.
func ResponseRefused(query *dns.Msg) *dns.Msg {
	res := new(dns.Msg)
	res.SetRcode(query, dns.RcodeRefused)
	return res
}

// ResponseWithIPAddr builds a NoError response with a single A or AAAA
// answer (chosen by the family of ip) at the given TTL.
func ResponseWithIPAddr(query *dns.Msg, ip net.IP, ttl uint32) *dns.Msg {
	res := new(dns.Msg)
	res.SetReply(query)
	res.Rcode = dns.RcodeSuccess
	name := query.Question[0].Name
	if v4 := ip.To4(); v4 != nil {
		res.Answer = []dns.RR{&dns.A{
			Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: ttl},
			A:   v4,
		}}
	} else {
		res.Answer = []dns.RR{&dns.AAAA{
			Hdr:  dns.RR_Header{Name: name, Rrtype: dns.TypeAAAA, Class: dns.ClassINET, Ttl: ttl},
			AAAA: ip,
		}}
	}
	return res
}

// ResponseWithHINFO builds a response carrying a single HINFO answer with
// the given CPU/OS strings, used for blocked and not-forwarded synthetic
// responses. The response code is set from rcode.
func ResponseWithHINFO(query *dns.Msg, rcode int, cpu, os string) *dns.Msg {
	res := new(dns.Msg)
	res.SetRcode(query, rcode)
	res.Answer = []dns.RR{&dns.HINFO{
		Hdr:  dns.RR_Header{Name: query.Question[0].Name, Rrtype: dns.TypeHINFO, Class: dns.ClassINET, Ttl: 0},
		Cpu:  cpu,
		Os:   os,
	}}
	return res
}

// blockedResponse is the HINFO response used by both the default-host
// not-forwarded case and the block rule.
func blockedResponse(query *dns.Msg, rcode int) *dns.Msg {
	return ResponseWithHINFO(query, rcode, blockMessageHINFOCPU, blockMessageHINFOOS)
}

// minTTL returns the lowest TTL among a message's answer, authority and
// additional records, skipping OPT pseudo-records.
func minTTL(msg *dns.Msg) (uint32, bool) {
	var (
		min   uint32 = ^uint32(0)
		found bool
	)
	for _, set := range [][]dns.RR{msg.Answer, msg.Ns, msg.Extra} {
		for _, rr := range set {
			if _, ok := rr.(*dns.OPT); ok {
				continue
			}
			if ttl := rr.Header().Ttl; ttl < min {
				min = ttl
				found = true
			}
		}
	}
	return min, found
}
