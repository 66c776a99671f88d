package dap

import (
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"sync/atomic"
)

// DoHType distinguishes a plain DoH path from an Oblivious (or multi-relay
// Oblivious) one.
type DoHType int

const (
	DoHTypeStandard DoHType = iota
	DoHTypeOblivious
)

// DoHTarget is the final resolver a path terminates at. Identity is the
// (authority, path, scheme) triple.
type DoHTarget struct {
	Authority string
	Path      string
	Scheme    string // "http" or "https"
}

// DoHRelay is an intermediate hop. CanBeNextHop marks relays eligible to
// sit immediately after the client (as opposed to mid-relays, which may
// only appear between the nexthop and the target).
type DoHRelay struct {
	Authority    string
	Path         string
	Scheme       string
	CanBeNextHop bool
}

// DoHPath is one ordered (target, relays...) route a query can take.
// Standard paths carry no relays; Oblivious paths carry at least one, the
// first of which must be nexthop-eligible. healthy is flipped only by the
// health service and read with relaxed/unordered semantics elsewhere:
// selection is randomised, so transient staleness is harmless.
type DoHPath struct {
	Target  DoHTarget
	Relays  []DoHRelay
	DoHType DoHType
	healthy atomic.Bool
}

func newDoHPath(target DoHTarget, relays []DoHRelay, t DoHType) *DoHPath {
	p := &DoHPath{Target: target, Relays: relays, DoHType: t}
	p.healthy.Store(true)
	return p
}

func (p *DoHPath) Healthy() bool     { return p.healthy.Load() }
func (p *DoHPath) MarkHealthy()      { p.healthy.Store(true) }
func (p *DoHPath) MarkUnhealthy()    { p.healthy.Store(false) }

// isLooped reports whether the same authority appears more than once
// across the target and its relays.
func isLooped(target DoHTarget, relays []DoHRelay) bool {
	seen := map[string]struct{}{target.Authority: {}}
	for _, r := range relays {
		if _, ok := seen[r.Authority]; ok {
			return true
		}
		seen[r.Authority] = struct{}{}
	}
	return false
}

// AsURL materialises the HTTP(S) URL a request over this path must be sent
// to, per the DoH (Standard) or ODoH/μODoH (Oblivious) URL shape.
func (p *DoHPath) AsURL() string {
	if p.DoHType == DoHTypeStandard {
		return fmt.Sprintf("%s://%s%s", p.Target.Scheme, p.Target.Authority, p.Target.Path)
	}

	nexthop := p.Relays[0]
	base := fmt.Sprintf("%s://%s%s", nexthop.Scheme, nexthop.Authority, nexthop.Path)

	q := url.Values{}
	q.Set("targethost", p.Target.Authority)
	q.Set("targetpath", p.Target.Path)
	for i, relay := range p.Relays[1:] {
		idx := strconv.Itoa(i + 1)
		q.Set("relayhost["+idx+"]", relay.Authority)
		q.Set("relaypath["+idx+"]", relay.Path)
	}
	return base + "?" + q.Encode()
}

// PathManager holds the precomputed, loop-free set of forwarding paths,
// grouped paths[target][nexthop][permutation], and selects a healthy one
// per query.
type PathManager struct {
	targets []DoHTarget
	// paths[i][j] holds all permutations sharing targets[i] and, for
	// Oblivious paths, the j-th distinct nexthop under that target. For
	// Standard paths (no relays configured) there is exactly one group
	// per target with one path in it.
	paths [][][]*DoHPath

	targetRandomization  bool
	nexthopRandomization bool
}

// PathManagerConfig describes the inputs used to build a PathManager,
// mirroring the distilled spec's target_config / nexthop_relay_config /
// subseq_relay_config.
type PathManagerConfig struct {
	Targets              []DoHTarget
	NextHopRelays        []DoHRelay // must all have CanBeNextHop == true
	MidRelays            []DoHRelay
	MaxMidRelays         int
	TargetRandomization  bool
	NextHopRandomization bool
}

// NewPathManager builds the path collection per §4.3: Standard paths when
// no relays are configured, otherwise Oblivious paths for every (nexthop,
// permutation of up to MaxMidRelays distinct mid-relays) combination,
// discarding any path whose authorities contain a duplicate.
func NewPathManager(cfg PathManagerConfig) (*PathManager, error) {
	if len(cfg.Targets) == 0 {
		return nil, fmt.Errorf("path manager: no targets configured")
	}

	pm := &PathManager{
		targets:              cfg.Targets,
		targetRandomization:  cfg.TargetRandomization,
		nexthopRandomization: cfg.NextHopRandomization,
	}

	for _, target := range cfg.Targets {
		var groups [][]*DoHPath

		if len(cfg.NextHopRelays) == 0 {
			path := newDoHPath(target, nil, DoHTypeStandard)
			groups = append(groups, []*DoHPath{path})
			pm.paths = append(pm.paths, groups)
			continue
		}

		for _, nexthop := range cfg.NextHopRelays {
			if !nexthop.CanBeNextHop {
				continue
			}
			var group []*DoHPath
			for _, perm := range midRelayPermutations(cfg.MidRelays, cfg.MaxMidRelays) {
				relays := append([]DoHRelay{nexthop}, perm...)
				if isLooped(target, relays) {
					continue
				}
				group = append(group, newDoHPath(target, relays, DoHTypeOblivious))
			}
			if len(group) > 0 {
				groups = append(groups, group)
			}
		}
		pm.paths = append(pm.paths, groups)
	}

	return pm, nil
}

// midRelayPermutations enumerates, for every k from 0 to
// min(maxMidRelays, len(midRelays)), every permutation of k distinct
// relays drawn from midRelays.
func midRelayPermutations(midRelays []DoHRelay, maxMidRelays int) [][]DoHRelay {
	max := maxMidRelays
	if max > len(midRelays) {
		max = len(midRelays)
	}
	var out [][]DoHRelay
	out = append(out, nil) // k = 0: no mid-relays
	for k := 1; k <= max; k++ {
		permuteInto(midRelays, k, nil, make([]bool, len(midRelays)), &out)
	}
	return out
}

func permuteInto(pool []DoHRelay, k int, chosen []DoHRelay, used []bool, out *[][]DoHRelay) {
	if len(chosen) == k {
		perm := make([]DoHRelay, k)
		copy(perm, chosen)
		*out = append(*out, perm)
		return
	}
	for i, r := range pool {
		if used[i] {
			continue
		}
		used[i] = true
		permuteInto(pool, k, append(chosen, r), used, out)
		used[i] = false
	}
}

// AllPaths returns every path across every target/nexthop group, flattened.
// Used by the health service to probe every path each cycle.
func (pm *PathManager) AllPaths() []*DoHPath {
	var all []*DoHPath
	for _, groups := range pm.paths {
		for _, group := range groups {
			all = append(all, group...)
		}
	}
	return all
}

// GetPath selects one healthy path, honouring target/nexthop randomisation
// configuration. It returns ErrNoPathAvailable if no healthy path exists.
func (pm *PathManager) GetPath() (*DoHPath, error) {
	targetIdxs := pm.healthyTargetIndexes()
	if len(targetIdxs) == 0 {
		return nil, ErrNoPathAvailable
	}

	targetIdx := targetIdxs[0]
	if pm.targetRandomization {
		targetIdx = targetIdxs[rand.Intn(len(targetIdxs))]
	}

	groups := pm.paths[targetIdx]
	nexthopIdxs := healthyGroupIndexes(groups)
	if len(nexthopIdxs) == 0 {
		return nil, ErrNoPathAvailable
	}

	nexthopIdx := nexthopIdxs[0]
	if pm.nexthopRandomization {
		nexthopIdx = nexthopIdxs[rand.Intn(len(nexthopIdxs))]
	}

	group := groups[nexthopIdx]
	healthy := healthyPaths(group)
	if len(healthy) == 0 {
		return nil, ErrNoPathAvailable
	}
	return healthy[rand.Intn(len(healthy))], nil
}

// healthyTargetIndexes returns the indexes of targets that have at least
// one healthy path somewhere in their groups.
func (pm *PathManager) healthyTargetIndexes() []int {
	var idxs []int
	for i, groups := range pm.paths {
		if len(healthyGroupIndexes(groups)) > 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

func healthyGroupIndexes(groups [][]*DoHPath) []int {
	var idxs []int
	for i, group := range groups {
		if len(healthyPaths(group)) > 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

func healthyPaths(group []*DoHPath) []*DoHPath {
	var out []*DoHPath
	for _, p := range group {
		if p.Healthy() {
			out = append(out, p)
		}
	}
	return out
}
