package dap

import (
	"strings"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// blockNode is the map-based trie node used by blockRule's two tries,
// adapted from the reference stack's DomainDB (blocklistdb-domain.go): one
// trie keyed most-significant label first for suffix matches, one keyed
// least-significant label first for prefix wildcard matches.
type blockNode map[string]blockNode

// blockRule matches query names against patterns compiled into two tries:
//   - exact "foo.example" and suffix "*.foo.example" (stored as
//     "foo.example") patterns, matched against the labels of the query name
//     read most-significant-first (i.e. suffix-anchored);
//   - prefix "foo.*" patterns, matched against the labels read
//     least-significant-first (i.e. prefix-anchored).
type blockRule struct {
	suffixRoot blockNode // exact + "*.foo.example" entries
	prefixRoot blockNode // "foo.*" entries
}

// newBlockRule compiles a list of patterns of the three supported forms.
// Matching ignores a trailing dot and is case-insensitive.
func newBlockRule(patterns []string) *blockRule {
	r := &blockRule{suffixRoot: make(blockNode), prefixRoot: make(blockNode)}
	for _, raw := range patterns {
		p := normalizeDomainPattern(raw)
		if p == "" {
			continue
		}
		switch {
		case strings.HasPrefix(p, "*."):
			r.insertSuffix(strings.TrimPrefix(p, "*."))
		case strings.HasSuffix(p, ".*"):
			r.insertPrefix(strings.TrimSuffix(p, ".*"))
		default:
			r.insertSuffix(p)
		}
	}
	return r
}

// insertSuffix indexes domain by its labels, most-significant (rightmost)
// first, exactly as the reference stack's DomainDB does, so a query name is
// matched by walking the same label order from the right.
func (r *blockRule) insertSuffix(domain string) {
	parts := strings.Split(domain, ".")
	n := r.suffixRoot
	for i := len(parts) - 1; i >= 0; i-- {
		next, ok := n[parts[i]]
		if !ok {
			next = make(blockNode)
			n[parts[i]] = next
		}
		n = next
	}
	n[""] = blockNode{} // marks end-of-pattern
}

// insertPrefix indexes a "foo.*" pattern by the labels of "foo", read
// left-to-right, so a query name is matched by walking its labels
// left-to-right and requiring at least one further label beyond the match.
func (r *blockRule) insertPrefix(domain string) {
	parts := strings.Split(domain, ".")
	n := r.prefixRoot
	for _, part := range parts {
		next, ok := n[part]
		if !ok {
			next = make(blockNode)
			n[part] = next
		}
		n = next
	}
	n[""] = blockNode{}
}

// normalizeDomainPattern lowercases, trims whitespace and a trailing dot,
// and converts any internationalized labels to their ASCII (punycode)
// form via idna, so a pattern written in Unicode matches the ASCII-form
// qname the wire protocol actually carries. Wildcard markers ("*." and
// ".*") are stripped before conversion and are not themselves valid idna
// input.
func normalizeDomainPattern(raw string) string {
	p := strings.ToLower(strings.TrimSpace(raw))
	p = strings.TrimSuffix(p, ".")
	return toASCIIDomain(p)
}

func toASCIIDomain(p string) string {
	switch {
	case strings.HasPrefix(p, "*."):
		return "*." + toASCIIDomain(strings.TrimPrefix(p, "*."))
	case strings.HasSuffix(p, ".*"):
		return toASCIIDomain(strings.TrimSuffix(p, ".*")) + ".*"
	case p == "":
		return p
	default:
		ascii, err := idna.Lookup.ToASCII(p)
		if err != nil {
			return p
		}
		return ascii
	}
}

func (r *blockRule) apply(q *dns.Msg) (ManipulationResult, *dns.Msg) {
	name := strings.ToLower(strings.TrimSuffix(q.Question[0].Name, "."))
	if name == "" {
		return ResultPassThrough, nil
	}
	if r.matchSuffix(name) || r.matchPrefix(name) {
		return ResultSyntheticBlocked, blockedResponse(q, dns.RcodeNameError)
	}
	return ResultPassThrough, nil
}

// matchSuffix matches name (exact or subdomain) against entries compiled by
// insertSuffix: exact domains and "*."-wildcards share the same dictionary,
// since "*.foo.example" is stored identically to "foo.example" and a
// subdomain match is exactly what the wildcard form requires.
func (r *blockRule) matchSuffix(name string) bool {
	parts := strings.Split(name, ".")
	n := r.suffixRoot
	for i := len(parts) - 1; i >= 0; i-- {
		next, ok := n[parts[i]]
		if !ok {
			return false
		}
		n = next
		if _, end := n[""]; end {
			return true
		}
	}
	return false
}

// matchPrefix matches name against "foo.*" patterns: name must start with
// "foo." plus at least one more label.
func (r *blockRule) matchPrefix(name string) bool {
	parts := strings.Split(name, ".")
	n := r.prefixRoot
	for i, part := range parts {
		next, ok := n[part]
		if !ok {
			return false
		}
		n = next
		if _, end := n[""]; end {
			return i < len(parts)-1
		}
	}
	return false
}
