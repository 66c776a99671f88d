package dap

import "github.com/miekg/dns"

// ManipulationResult tags how the manipulation pipeline disposed of a
// query.
type ManipulationResult int

const (
	ResultPassThrough ManipulationResult = iota
	ResultSyntheticNotForwarded
	ResultSyntheticDefaultHost
	ResultSyntheticBlocked
	ResultSyntheticOverridden
	ResultCached
	ResultNormal
)

func (r ManipulationResult) String() string {
	switch r {
	case ResultSyntheticNotForwarded:
		return "NotForwarded"
	case ResultSyntheticDefaultHost:
		return "DefaultHost"
	case ResultSyntheticBlocked:
		return "Blocked"
	case ResultSyntheticOverridden:
		return "Overridden"
	case ResultCached:
		return "Cached"
	case ResultNormal:
		return "Normal"
	default:
		return "PassThrough"
	}
}

// manipulator is one rule in the pipeline. It returns ResultPassThrough and
// a nil message when the rule doesn't apply.
type manipulator interface {
	apply(q *dns.Msg) (ManipulationResult, *dns.Msg)
}

// Pipeline runs the fixed-order rule chain: default-host, then block (if
// configured), then override (if configured). The first match wins.
type Pipeline struct {
	defaultHost *defaultHostRule
	block       *blockRule // nil if not configured
	override    *overrideRule // nil if not configured
}

// NewPipeline builds the manipulation pipeline. block and override may be
// nil to disable those optional rules.
func NewPipeline(block *blockRule, override *overrideRule) *Pipeline {
	return &Pipeline{
		defaultHost: newDefaultHostRule(),
		block:       block,
		override:    override,
	}
}

// Apply runs the query through the pipeline and returns the first matching
// result, or ResultPassThrough if no rule matches.
func (p *Pipeline) Apply(q *dns.Msg) (ManipulationResult, *dns.Msg) {
	if res, msg := p.defaultHost.apply(q); res != ResultPassThrough {
		return res, msg
	}
	if p.block != nil {
		if res, msg := p.block.apply(q); res != ResultPassThrough {
			return res, msg
		}
	}
	if p.override != nil {
		if res, msg := p.override.apply(q); res != ResultPassThrough {
			return res, msg
		}
	}
	return ResultPassThrough, nil
}
