package dap

import (
	"bufio"
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// Proxy is the fully wired, ready-to-run stub resolver: one DoHClient
// shared across every listener, plus the background services that keep
// it healthy (health checks, endpoint resolution, ODoH config refresh,
// token refresh).
type Proxy struct {
	cfg     *Config
	client  *DoHClient
	counter *ConnCounter
	health  *HealthService
	auth    *Authenticator

	udpServers []*UDPServer
	tcpServers []*TCPServer

	httpPool        *HTTPClientPool
	odohConfigStore *ODoHConfigStore
}

// NewProxy builds every component described by cfg and binds the
// listeners. Apart from the query logger's consumer goroutine, no
// background service or serving loop runs until Run is called.
func NewProxy(ctx context.Context, cfg *Config) (*Proxy, error) {
	targets, err := parseTargets(cfg.Target.URLs)
	if err != nil {
		return nil, fmt.Errorf("target_config: %w", err)
	}
	nextHopRelays, err := parseRelays(cfg.NextHop.URLs, true)
	if err != nil {
		return nil, fmt.Errorf("nexthop_relay_config: %w", err)
	}
	subseqRelays, err := parseRelays(cfg.SubSeq.URLs, false)
	if err != nil {
		return nil, fmt.Errorf("subseq_relay_config: %w", err)
	}

	pm, err := NewPathManager(PathManagerConfig{
		Targets:              targets,
		NextHopRelays:        nextHopRelays,
		MidRelays:            subseqRelays,
		MaxMidRelays:         cfg.NextHop.MaxMidRelays,
		TargetRandomization:  cfg.Target.Randomize,
		NextHopRandomization: cfg.NextHop.Randomize,
	})
	if err != nil {
		return nil, err
	}

	bootstrap := firstBootstrapResolver(cfg.BootstrapDNS, cfg.udpTimeout())

	endpoints, err := endpointURLs(targets, nextHopRelays)
	if err != nil {
		return nil, err
	}
	httpPool := NewHTTPClientPool(HTTPClientPoolOptions{
		Timeout:           cfg.httpTimeout(),
		UserAgent:         cfg.HTTPUserAgent,
		Endpoints:         endpoints,
		ResolutionPeriod:  cfg.endpointResolutionPeriod(),
		BootstrapResolver: bootstrap,
	})

	var odohStore *ODoHConfigStore
	doHType := DoHTypeStandard
	if len(nextHopRelays) > 0 {
		doHType = DoHTypeOblivious
		odohStore = NewODoHConfigStore(ctx, httpPool, targets)
	}

	block, override := buildManipulationRules(cfg)
	pipeline := NewPipeline(block, override)

	var auth *Authenticator
	if cfg.Token != nil {
		a, err := NewAuthenticator(ctx, TokenConfig{
			TokenEndpoint:   cfg.Token.TokenEndpoint,
			RefreshEndpoint: cfg.Token.RefreshEndpoint,
			Username:        cfg.Token.Username,
			Password:        cfg.Token.Password,
		}, httpPool)
		if err != nil {
			return nil, fmt.Errorf("token_config: %w", err)
		}
		auth = a
	}

	queryLog := NewQueryLogger(ctx)

	client := NewDoHClient(DoHClientOptions{
		UseGet:       cfg.UseGet,
		QueryTimeout: cfg.httpTimeout(),
		MaxCacheSize: cfg.MaxCacheSize,
	}, httpPool, pm, odohStore, pipeline, auth, queryLog, doHType)
	httpPool.SetPrimaryResolver(client)

	counter := NewConnCounter()
	health := NewHealthService(client, pm, client.cache, cfg.healthcheckPeriod())

	p := &Proxy{
		cfg:             cfg,
		client:          client,
		counter:         counter,
		health:          health,
		auth:            auth,
		httpPool:        httpPool,
		odohConfigStore: odohStore,
	}

	// make_query is bounded by http_timeout_sec plus one second of slack
	// (matching the original proxy_udp.rs/proxy_tcp.rs), never by
	// udp_timeout: that option instead bounds the UDP socket read below.
	queryTimeout := cfg.httpTimeout() + time.Second

	for _, addr := range cfg.ListenAddresses {
		udp, err := NewUDPServer(addr, client, counter, cfg.MaxConnections, queryTimeout, cfg.udpTimeout(), cfg.UDPBufferSize, cfg.UDPChannelCapacity)
		if err != nil {
			return nil, fmt.Errorf("udp listener %s: %w", addr, err)
		}
		p.udpServers = append(p.udpServers, udp)

		tcp, err := NewTCPServer(addr, client, counter, cfg.MaxConnections, queryTimeout)
		if err != nil {
			return nil, fmt.Errorf("tcp listener %s: %w", addr, err)
		}
		p.tcpServers = append(p.tcpServers, tcp)
	}

	return p, nil
}

// Run starts every background service and listener and blocks until ctx
// is cancelled or any one of them reports a fatal error, in which case it
// cancels the rest and returns that error (fail-fast: a stub resolver
// with a dead listener or an exhausted auth/health loop isn't usable, so
// there's nothing to gain from keeping the others alive).
func (p *Proxy) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 8)

	p.httpPool.StartEndpointResolutionService(ctx, errCh)
	if p.odohConfigStore != nil {
		p.odohConfigStore.StartService(ctx)
	}
	if p.auth != nil {
		p.auth.StartRefreshService(ctx, errCh)
	}
	p.health.Start(ctx, errCh)

	for _, udp := range p.udpServers {
		udp := udp
		go func() {
			if err := udp.Run(ctx); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}()
	}
	for _, tcp := range p.tcpServers {
		tcp := tcp
		go func() {
			if err := tcp.Run(ctx); err != nil {
				select {
				case errCh <- err:
				default:
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		Log.WithError(err).Error("fatal error, shutting down")
		return err
	}
}

func parseTargets(urls []string) ([]DoHTarget, error) {
	targets := make([]DoHTarget, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		targets = append(targets, DoHTarget{Authority: u.Host, Path: u.Path, Scheme: u.Scheme})
	}
	return targets, nil
}

func parseRelays(urls []string, canBeNextHop bool) ([]DoHRelay, error) {
	relays := make([]DoHRelay, 0, len(urls))
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			return nil, err
		}
		relays = append(relays, DoHRelay{Authority: u.Host, Path: u.Path, Scheme: u.Scheme, CanBeNextHop: canBeNextHop})
	}
	return relays, nil
}

// endpointURLs returns the URLs the HTTP client pool must be able to
// resolve, duplicates included: every target and every nexthop relay (mid-relays
// are reached only via the nexthop's tunnel, never dialed directly).
func endpointURLs(targets []DoHTarget, nextHopRelays []DoHRelay) ([]*url.URL, error) {
	var out []*url.URL
	for _, t := range targets {
		u, err := url.Parse(t.Scheme + "://" + t.Authority + t.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	for _, r := range nextHopRelays {
		u, err := url.Parse(r.Scheme + "://" + r.Authority + r.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, nil
}

// firstBootstrapResolver builds a resolver against the first configured
// bootstrap address. Only one is used at a time; the others exist in
// config purely as operator-supplied fallback candidates for a future
// failover pass (not yet needed: a single well-known resolver like
// 1.1.1.1 is reliable enough for the bootstrap role in practice).
func firstBootstrapResolver(addrs []string, timeout time.Duration) *BootstrapResolver {
	if len(addrs) == 0 {
		return nil
	}
	return NewBootstrapResolver(addrs[0], "udp", timeout)
}

func buildManipulationRules(cfg *Config) (*blockRule, *overrideRule) {
	var block *blockRule
	if cfg.QueryManipulation.BlockFile != "" {
		if patterns, err := readLines(cfg.QueryManipulation.BlockFile); err == nil {
			block = newBlockRule(patterns)
		} else {
			Log.WithError(err).Warn("failed to read domain_block_file")
		}
	}

	var override *overrideRule
	if cfg.QueryManipulation.OverrideFile != "" {
		if entries, err := readLines(cfg.QueryManipulation.OverrideFile); err == nil {
			override = newOverrideRule(entries, cfg.MinTTL)
		} else {
			Log.WithError(err).Warn("failed to read domain_override_file")
		}
	}

	return block, override
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
